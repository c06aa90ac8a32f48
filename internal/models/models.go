package models

import "time"

// BetaSignup 公测申请表单，邮箱验证通过后才算有效报名
type BetaSignup struct {
	ID              int64      `json:"id"`
	Email           string     `json:"email"`
	Company         string     `json:"company"`
	CompanyBusiness string     `json:"company_business"`
	CompanySize     string     `json:"company_size"`
	LinkedIn        *string    `json:"linkedin,omitempty"`
	Twitter         *string    `json:"twitter,omitempty"`
	MainPlatform    string     `json:"main_platform"`
	OtherPlatform   *string    `json:"other_platform,omitempty"`
	UseCase         string     `json:"use_case"`
	Status          string     `json:"status"`
	TokenHash       string     `json:"-"`
	ExpiresAt       time.Time  `json:"expires_at"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

const (
	BetaStatusPending  = "pending"
	BetaStatusVerified = "verified"
)

// 订阅状态只读镜像自支付服务商，本系统从不自行推导
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Admin Directory 写入的 data 字段键名
const (
	DataKeySubscriptionID      = "stripe_subscription_id"
	DataKeySubscriptionTier    = "subscription_tier"
	DataKeySubscriptionStatus  = "subscription_status"
	DataKeySubscriptionEndDate = "subscription_end_date"
	DataKeyUpdatedByWebhook    = "updated_by_webhook"
)
