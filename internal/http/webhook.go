package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"vexaportal/internal/models"
	"vexaportal/internal/pricing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// webhookStampLayout Admin Directory 里 updated_by_webhook 的时间戳格式，
// 字符串按字典序比较即按时间比较
const webhookStampLayout = "2006-01-02T15:04:05.000Z"

// handleStripeWebhook Stripe 事件入口。签名或处理失败返回 400，
// Stripe 会按退避策略重放，所以暂时性失败只需让本次请求失败
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	if s.cfg.StripeWebhookSecret == "" {
		log.Printf("[ERROR] [%s] Webhook secret not configured, rejecting event", reqID)
		respondError(w, http.StatusBadRequest, errors.New("webhook not configured"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	if err != nil {
		log.Printf("[ERROR] [%s] Webhook signature verification failed: %v", reqID, err)
		respondError(w, http.StatusBadRequest, errors.New("invalid webhook signature"))
		return
	}

	if err := s.dispatchEvent(r.Context(), event); err != nil {
		log.Printf("[ERROR] [%s] Failed to process webhook %s (%s): %v", reqID, event.ID, event.Type, err)
		respondError(w, http.StatusBadRequest, fmt.Errorf("failed to process event: %w", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) dispatchEvent(ctx context.Context, event stripe.Event) error {
	reqID := middleware.GetReqID(ctx)

	switch event.Type {
	case "checkout.session.completed":
		return s.processCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.processSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.processSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("failed to parse invoice: %w", err)
		}
		customerID := ""
		if invoice.Customer != nil {
			customerID = invoice.Customer.ID
		}
		log.Printf("[WARN] [%s] Payment failed for invoice %s (customer %s), awaiting subscription status update",
			reqID, invoice.ID, customerID)
		return nil
	default:
		log.Printf("[INFO] [%s] Ignoring unhandled webhook event type: %s", reqID, event.Type)
		return nil
	}
}

// processCheckoutCompleted 结账完成后用会话元数据同步配额。
// 缺少元数据视为非本系统创建的会话，记录后丢弃
func (s *Server) processCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	reqID := middleware.GetReqID(ctx)

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	userEmail := session.Metadata["userEmail"]
	botCountStr := session.Metadata["botCount"]
	if userEmail == "" || botCountStr == "" {
		log.Printf("[WARN] [%s] Checkout session %s missing metadata (userEmail=%q, botCount=%q), dropping",
			reqID, session.ID, userEmail, botCountStr)
		return nil
	}

	botCount, err := strconv.Atoi(botCountStr)
	if err != nil {
		return fmt.Errorf("invalid botCount metadata %q: %w", botCountStr, err)
	}

	tier := session.Metadata["tier"]
	if tier == "" {
		tier = string(pricing.TierFor(botCount))
	}

	var subscriptionID string
	var endDate *time.Time
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
		sub, err := s.billing.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
		}
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		endDate = &t
	}

	log.Printf("[INFO] [%s] Checkout completed for %s: %d bots, subscription %s",
		reqID, userEmail, botCount, subscriptionID)
	return s.applyEntitlement(ctx, event, entitlementUpdate{
		email:          userEmail,
		botCount:       botCount,
		tier:           tier,
		status:         models.SubscriptionActive,
		subscriptionID: subscriptionID,
		endDate:        endDate,
	})
}

// processSubscriptionUpdated 订阅变更后从订阅条目数量反推配额
func (s *Server) processSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	reqID := middleware.GetReqID(ctx)

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.Customer == nil {
		log.Printf("[WARN] [%s] Subscription %s has no customer, skipping", reqID, sub.ID)
		return nil
	}

	customer, err := s.billing.GetCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch customer %s: %w", sub.Customer.ID, err)
	}
	if customer.Deleted || customer.Email == "" {
		log.Printf("[WARN] [%s] Customer %s is deleted or has no email, skipping subscription %s",
			reqID, sub.Customer.ID, sub.ID)
		return nil
	}

	if sub.Items == nil || len(sub.Items.Data) == 0 {
		log.Printf("[WARN] [%s] Subscription %s has no items, skipping", reqID, sub.ID)
		return nil
	}
	item := sub.Items.Data[0]
	// 订阅条目的 quantity 就是 bot 数，checkout 和 modify 都按这个约定下单
	botCount := int(item.Quantity)

	tier := sub.Metadata["tier"]
	if tier == "" && item.Price != nil {
		tier = item.Price.Nickname
	}

	var endDate *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		endDate = &t
	}

	log.Printf("[INFO] [%s] Subscription %s updated for %s: %d bots, status %s",
		reqID, sub.ID, customer.Email, botCount, sub.Status)
	return s.applyEntitlement(ctx, event, entitlementUpdate{
		email:          customer.Email,
		botCount:       botCount,
		tier:           tier,
		status:         string(sub.Status),
		subscriptionID: sub.ID,
		endDate:        endDate,
	})
}

// processSubscriptionDeleted 订阅终止后清零配额，天然幂等
func (s *Server) processSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	reqID := middleware.GetReqID(ctx)

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.Customer == nil {
		log.Printf("[WARN] [%s] Deleted subscription %s has no customer, skipping", reqID, sub.ID)
		return nil
	}

	customer, err := s.billing.GetCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch customer %s: %w", sub.Customer.ID, err)
	}
	if customer.Deleted || customer.Email == "" {
		log.Printf("[WARN] [%s] Customer %s is deleted or has no email, skipping subscription %s",
			reqID, sub.Customer.ID, sub.ID)
		return nil
	}

	log.Printf("[INFO] [%s] Subscription %s deleted for %s, revoking entitlement", reqID, sub.ID, customer.Email)
	return s.applyEntitlement(ctx, event, entitlementUpdate{
		email:          customer.Email,
		botCount:       0,
		status:         models.SubscriptionCanceled,
		subscriptionID: sub.ID,
	})
}

type entitlementUpdate struct {
	email          string
	botCount       int
	tier           string
	status         string
	subscriptionID string
	endDate        *time.Time
}

// applyEntitlement 把结算状态写入 Admin Directory。
// 每次写入都带 event.Created 时间戳，遇到更新的存量时间戳说明事件乱序到达，直接跳过
func (s *Server) applyEntitlement(ctx context.Context, event stripe.Event, update entitlementUpdate) error {
	reqID := middleware.GetReqID(ctx)

	user, err := s.directory.FindOrCreateUser(ctx, update.email, localPart(update.email))
	if err != nil {
		return fmt.Errorf("failed to resolve directory user for %s: %w", update.email, err)
	}

	stamp := time.Unix(event.Created, 0).UTC().Format(webhookStampLayout)
	if prev, ok := user.Data[models.DataKeyUpdatedByWebhook].(string); ok && prev > stamp {
		log.Printf("[INFO] [%s] Skipping stale event %s for %s: stored stamp %s is newer than %s",
			reqID, event.ID, update.email, prev, stamp)
		return nil
	}

	data := map[string]any{
		models.DataKeySubscriptionID:     update.subscriptionID,
		models.DataKeySubscriptionTier:   update.tier,
		models.DataKeySubscriptionStatus: update.status,
		models.DataKeyUpdatedByWebhook:   stamp,
	}
	if update.endDate != nil {
		data[models.DataKeySubscriptionEndDate] = update.endDate.Format(webhookStampLayout)
	} else {
		data[models.DataKeySubscriptionEndDate] = nil
	}

	if _, err := s.directory.PatchEntitlement(ctx, user.ID, update.botCount, data); err != nil {
		return fmt.Errorf("failed to patch entitlement for user %d: %w", user.ID, err)
	}

	log.Printf("[INFO] [%s] Entitlement updated for %s (user %d): %d bots, status %s",
		reqID, update.email, user.ID, update.botCount, update.status)
	return nil
}
