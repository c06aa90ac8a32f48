package billing

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"vexaportal/internal/config"
	"vexaportal/internal/pricing"

	"github.com/stripe/stripe-go/v76"
)

type fakeProvider struct {
	sessions      []*stripe.CheckoutSessionParams
	priceCreates  []*stripe.PriceParams
	subUpdates    map[string]*stripe.SubscriptionParams
	subscriptions map[string]*stripe.Subscription
	customers     map[string]*stripe.Customer
	err           error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subUpdates:    make(map[string]*stripe.SubscriptionParams),
		subscriptions: make(map[string]*stripe.Subscription),
		customers:     make(map[string]*stripe.Customer),
	}
}

func (f *fakeProvider) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sessions = append(f.sessions, params)
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (f *fakeProvider) GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "no such subscription"}
	}
	return sub, nil
}

func (f *fakeProvider) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subUpdates[id] = params
	sub, ok := f.subscriptions[id]
	if !ok {
		sub = &stripe.Subscription{ID: id}
	}
	return sub, nil
}

func (f *fakeProvider) CreatePrice(params *stripe.PriceParams) (*stripe.Price, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.priceCreates = append(f.priceCreates, params)
	return &stripe.Price{ID: "price_new_" + strconv.Itoa(len(f.priceCreates))}, nil
}

func (f *fakeProvider) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	if f.err != nil {
		return nil, f.err
	}
	cust, ok := f.customers[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "no such customer"}
	}
	return cust, nil
}

func testConfig() config.Config {
	return config.Config{
		SiteBaseURL:    "https://vexa.example",
		StripeCurrency: "usd",
	}
}

func TestCheckoutRejectsInvalidBotCount(t *testing.T) {
	provider := newFakeProvider()
	svc := New(provider, testConfig())

	for _, bots := range []int{4, 1001, 0} {
		if _, err := svc.Checkout(context.Background(), "a@b.com", bots); !errors.Is(err, ErrInvalidBotCount) {
			t.Fatalf("expected ErrInvalidBotCount for %d, got %v", bots, err)
		}
	}
	if len(provider.sessions) != 0 {
		t.Fatalf("no provider call may be attempted on invalid input")
	}
}

func TestCheckoutBuildsSession(t *testing.T) {
	provider := newFakeProvider()
	svc := New(provider, testConfig())

	result, err := svc.Checkout(context.Background(), "a@b.com", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SessionID != "cs_test_1" || result.URL == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(provider.sessions) != 1 {
		t.Fatalf("expected exactly one session creation")
	}

	params := provider.sessions[0]
	if got := stripe.StringValue(params.CustomerEmail); got != "a@b.com" {
		t.Fatalf("customer email must be forced to the authenticated identity, got %q", got)
	}
	if got := stripe.StringValue(params.Mode); got != string(stripe.CheckoutSessionModeSubscription) {
		t.Fatalf("unexpected mode: %q", got)
	}
	if params.Metadata["userEmail"] != "a@b.com" || params.Metadata["botCount"] != "25" {
		t.Fatalf("session metadata must carry the purchase intent: %v", params.Metadata)
	}
	if params.Metadata["tier"] != string(pricing.TierStartup) {
		t.Fatalf("unexpected tier metadata: %v", params.Metadata)
	}

	item := params.LineItems[0]
	wantCents := int64(pricing.Price(25)) * 100
	if got := stripe.Int64Value(item.PriceData.UnitAmount); got != wantCents {
		t.Fatalf("unit amount %d, want %d", got, wantCents)
	}
	if got := stripe.StringValue(item.PriceData.Recurring.Interval); got != "month" {
		t.Fatalf("unexpected interval: %q", got)
	}
	if item.PriceData.ProductData.Metadata["userEmail"] != "a@b.com" {
		t.Fatalf("line item metadata must carry the purchase intent too")
	}
}

func TestChangeBotCountCreatesProratedPrice(t *testing.T) {
	provider := newFakeProvider()
	provider.subscriptions["sub_1"] = &stripe.Subscription{
		ID: "sub_1",
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{ID: "si_1"}},
		},
	}
	svc := New(provider, testConfig())

	_, quote, err := svc.ChangeBotCount(context.Background(), "a@b.com", "sub_1", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.Tier != pricing.TierScale {
		t.Fatalf("unexpected tier: %s", quote.Tier)
	}

	if len(provider.priceCreates) != 1 {
		t.Fatalf("expected exactly one new price object, got %d", len(provider.priceCreates))
	}
	priceParams := provider.priceCreates[0]
	wantCents := int64(pricing.Price(200)) * 100
	if got := stripe.Int64Value(priceParams.UnitAmount); got != wantCents {
		t.Fatalf("new price unit amount %d, want %d", got, wantCents)
	}

	update, ok := provider.subUpdates["sub_1"]
	if !ok {
		t.Fatalf("expected a subscription update")
	}
	if got := stripe.StringValue(update.ProrationBehavior); got != "create_prorations" {
		t.Fatalf("unexpected proration behavior: %q", got)
	}
	if len(update.Items) != 1 || stripe.StringValue(update.Items[0].ID) != "si_1" {
		t.Fatalf("update must target the existing line item: %+v", update.Items)
	}
	if stripe.StringValue(update.Items[0].Price) != "price_new_1" {
		t.Fatalf("update must reference the newly created price")
	}
	if update.Metadata["botCount"] != "200" {
		t.Fatalf("new bot count must be written to subscription metadata for the next webhook")
	}
}

func TestChangeBotCountRejectsEmptySubscription(t *testing.T) {
	provider := newFakeProvider()
	provider.subscriptions["sub_1"] = &stripe.Subscription{ID: "sub_1"}
	svc := New(provider, testConfig())

	_, _, err := svc.ChangeBotCount(context.Background(), "a@b.com", "sub_1", 50)
	if !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
	if len(provider.priceCreates) != 0 {
		t.Fatalf("no price may be created for an invalid subscription")
	}
}

func TestChangeBotCountValidatesRangeBeforeFetch(t *testing.T) {
	provider := newFakeProvider()
	svc := New(provider, testConfig())

	if _, _, err := svc.ChangeBotCount(context.Background(), "a@b.com", "sub_1", 1001); !errors.Is(err, ErrInvalidBotCount) {
		t.Fatalf("expected ErrInvalidBotCount, got %v", err)
	}
}

func TestCancelSetsCancelAtPeriodEnd(t *testing.T) {
	provider := newFakeProvider()
	provider.subscriptions["sub_1"] = &stripe.Subscription{ID: "sub_1"}
	svc := New(provider, testConfig())

	if _, err := svc.Cancel(context.Background(), "sub_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	update := provider.subUpdates["sub_1"]
	if update == nil || !stripe.BoolValue(update.CancelAtPeriodEnd) {
		t.Fatalf("cancel must set cancel_at_period_end")
	}
	if len(provider.priceCreates) != 0 {
		t.Fatalf("cancel must not create prices")
	}
}

func TestUnconfiguredProvider(t *testing.T) {
	svc := New(nil, testConfig())
	if _, err := svc.Checkout(context.Background(), "a@b.com", 25); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := svc.Cancel(context.Background(), "sub_1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
