package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vexaportal/internal/config"
	"vexaportal/internal/pricing"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

var (
	ErrNotConfigured       = errors.New("stripe not configured")
	ErrInvalidBotCount     = errors.New("invalid bot count, must be between 5 and 1000")
	ErrInvalidSubscription = errors.New("subscription has no line items")
)

// Provider 支付服务商的最小接口面，真实实现包一层 stripe client，
// 测试里用 fake 替换
type Provider interface {
	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CreatePrice(params *stripe.PriceParams) (*stripe.Price, error)
	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeProvider struct {
	api *client.API
}

// NewStripeProvider 以显式密钥构造客户端，不碰包级全局 stripe.Key
func NewStripeProvider(secretKey string) Provider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &stripeProvider{api: api}
}

func (p *stripeProvider) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return p.api.CheckoutSessions.New(params)
}

func (p *stripeProvider) GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return p.api.Subscriptions.Get(id, params)
}

func (p *stripeProvider) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return p.api.Subscriptions.Update(id, params)
}

func (p *stripeProvider) CreatePrice(params *stripe.PriceParams) (*stripe.Price, error) {
	return p.api.Prices.New(params)
}

func (p *stripeProvider) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return p.api.Customers.Get(id, params)
}

// Service 发起 checkout、改量、取消订阅。
// 这里只产生/修改远端订阅，配额写入永远走 webhook 路径。
type Service struct {
	provider Provider
	currency string
	siteURL  string
}

func New(provider Provider, cfg config.Config) *Service {
	return &Service{
		provider: provider,
		currency: cfg.StripeCurrency,
		siteURL:  cfg.SiteBaseURL,
	}
}

// CheckoutResult 返回给前端用于跳转支付页
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

func planName(tier pricing.Tier) string {
	name := string(tier)
	if name == "" {
		return "Vexa AI Bots"
	}
	return "Vexa AI Bots - " + strings.ToUpper(name[:1]) + name[1:] + " Plan"
}

// Checkout 为已认证邮箱创建订阅模式的 checkout session。
// metadata 是 webhook 了解本次购买内容的唯一通道，session 和
// line item 两边都要带。
func (s *Service) Checkout(ctx context.Context, userEmail string, botCount int) (CheckoutResult, error) {
	if s.provider == nil {
		return CheckoutResult{}, ErrNotConfigured
	}
	if !pricing.ValidBotCount(botCount) {
		return CheckoutResult{}, ErrInvalidBotCount
	}

	quote := pricing.NewQuote(botCount)
	productMetadata := map[string]string{
		"botCount":  strconv.Itoa(botCount),
		"tier":      string(quote.Tier),
		"userEmail": userEmail,
	}

	params := &stripe.CheckoutSessionParams{
		Params:              stripe.Params{Context: ctx},
		Mode:                stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail:       stripe.String(userEmail),
		PaymentMethodTypes:  stripe.StringSlice([]string{"card"}),
		SuccessURL:          stripe.String(s.siteURL + "/dashboard?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:           stripe.String(s.siteURL + "/pricing"),
		AllowPromotionCodes: stripe.Bool(true),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.currency),
					UnitAmount: stripe.Int64(quote.AmountCents()),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String("month"),
					},
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(planName(quote.Tier)),
						Description: stripe.String(fmt.Sprintf("%d concurrent bots for %s", botCount, userEmail)),
						Metadata:    productMetadata,
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"botCount":    strconv.Itoa(botCount),
			"tier":        string(quote.Tier),
			"pricePerBot": quote.PricePerBot,
			"userEmail":   userEmail,
		},
	}

	sess, err := s.provider.CreateCheckoutSession(params)
	if err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}

// ChangeBotCount 改订阅量。服务商的 price 对象不可变，
// 改价只能新建 price 再把唯一的 line item 指过去，按比例立即补/退差价。
// 新的 botCount/tier 写进订阅 metadata，留给后续 webhook 读。
// 配额本身不在这里动。
func (s *Service) ChangeBotCount(ctx context.Context, userEmail, subscriptionID string, newBotCount int) (*stripe.Subscription, pricing.Quote, error) {
	if s.provider == nil {
		return nil, pricing.Quote{}, ErrNotConfigured
	}
	if !pricing.ValidBotCount(newBotCount) {
		return nil, pricing.Quote{}, ErrInvalidBotCount
	}

	sub, err := s.provider.GetSubscription(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, pricing.Quote{}, ErrInvalidSubscription
	}

	quote := pricing.NewQuote(newBotCount)
	newPrice, err := s.provider.CreatePrice(&stripe.PriceParams{
		Params:     stripe.Params{Context: ctx},
		Currency:   stripe.String(s.currency),
		UnitAmount: stripe.Int64(quote.AmountCents()),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String("month"),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(planName(quote.Tier)),
			Metadata: map[string]string{
				"botCount":  strconv.Itoa(newBotCount),
				"tier":      string(quote.Tier),
				"userEmail": userEmail,
			},
		},
	})
	if err != nil {
		return nil, pricing.Quote{}, err
	}

	updated, err := s.provider.UpdateSubscription(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(newPrice.ID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
		Metadata: map[string]string{
			"botCount":    strconv.Itoa(newBotCount),
			"tier":        string(quote.Tier),
			"pricePerBot": quote.PricePerBot,
			"userEmail":   userEmail,
		},
	})
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	return updated, quote, nil
}

// Cancel 周期末取消，服务不立即中断。配额清零由
// customer.subscription.deleted webhook 在真正到期时完成。
func (s *Service) Cancel(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if s.provider == nil {
		return nil, ErrNotConfigured
	}
	return s.provider.UpdateSubscription(subscriptionID, &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	})
}

// GetSubscription 订阅状态永远现查服务商，本地不留镜像
func (s *Service) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if s.provider == nil {
		return nil, ErrNotConfigured
	}
	return s.provider.GetSubscription(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	if s.provider == nil {
		return nil, ErrNotConfigured
	}
	return s.provider.GetCustomer(customerID, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
}
