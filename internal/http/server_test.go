package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vexaportal/internal/admin"
)

func authHeader(t *testing.T, srv *Server, userID int64, email string) string {
	t.Helper()
	token, err := srv.generateJWT(userID, email)
	if err != nil {
		t.Fatalf("failed to generate test JWT: %v", err)
	}
	return "Bearer " + token
}

func TestPricingQuote(t *testing.T) {
	srv := newTestServer(newFakeDirectory(), &fakeBillingProvider{})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pricing/quote?bots=25", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var quote struct {
		BotCount int    `json:"botCount"`
		PriceUSD int    `json:"priceUsd"`
		Tier     string `json:"tier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &quote); err != nil {
		t.Fatalf("failed to parse quote: %v", err)
	}
	if quote.BotCount != 25 || quote.PriceUSD != 497 || quote.Tier != "startup" {
		t.Fatalf("unexpected quote: %+v", quote)
	}
}

func TestPricingQuoteRejectsOutOfRange(t *testing.T) {
	srv := newTestServer(newFakeDirectory(), &fakeBillingProvider{})

	for _, q := range []string{"bots=4", "bots=1001", "bots=abc", ""} {
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pricing/quote?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestCheckoutRequiresAuth(t *testing.T) {
	provider := &fakeBillingProvider{}
	srv := newTestServer(newFakeDirectory(), provider)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"botCount":25}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if provider.sessionCalls != 0 {
		t.Fatalf("unauthenticated request should not reach the payment provider")
	}
}

func TestCheckoutRejectsInvalidBotCount(t *testing.T) {
	provider := &fakeBillingProvider{}
	srv := newTestServer(newFakeDirectory(), provider)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"botCount":4}`))
	req.Header.Set("Authorization", authHeader(t, srv, 1, "a@b.com"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for 4 bots, got %d: %s", rec.Code, rec.Body.String())
	}
	if provider.sessionCalls != 0 {
		t.Fatalf("invalid bot count should be rejected before calling the provider")
	}
}

func TestCheckoutCreatesSession(t *testing.T) {
	provider := &fakeBillingProvider{}
	srv := newTestServer(newFakeDirectory(), provider)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"botCount":25}`))
	req.Header.Set("Authorization", authHeader(t, srv, 1, "a@b.com"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID string `json:"sessionId"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.SessionID != "cs_test_1" || resp.URL == "" {
		t.Fatalf("unexpected checkout response: %+v", resp)
	}
	if provider.sessionCalls != 1 {
		t.Fatalf("expected one session call, got %d", provider.sessionCalls)
	}
}

func TestModifySubscriptionRequiresFields(t *testing.T) {
	srv := newTestServer(newFakeDirectory(), &fakeBillingProvider{})

	req := httptest.NewRequest(http.MethodPost, "/api/modify-subscription", strings.NewReader(`{"newBotCount":30}`))
	req.Header.Set("Authorization", authHeader(t, srv, 1, "a@b.com"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without subscriptionId, got %d", rec.Code)
	}
}

func TestCreateToken(t *testing.T) {
	directory := newFakeDirectory()
	srv := newTestServer(directory, &fakeBillingProvider{})

	req := httptest.NewRequest(http.MethodPost, "/api/tokens", nil)
	req.Header.Set("Authorization", authHeader(t, srv, 7, "a@b.com"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if directory.tokenCalls != 1 {
		t.Fatalf("expected one token creation call, got %d", directory.tokenCalls)
	}
	var token struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
		t.Fatalf("failed to parse token response: %v", err)
	}
	if token.Token == "" {
		t.Fatalf("token value should be returned to the caller")
	}
}

func TestDeleteTokenUnsupported(t *testing.T) {
	directory := newFakeDirectory()
	directory.deleteErr = admin.ErrTokenDeleteUnsupported
	srv := newTestServer(directory, &fakeBillingProvider{})

	req := httptest.NewRequest(http.MethodDelete, "/api/tokens/tok_1", nil)
	req.Header.Set("Authorization", authHeader(t, srv, 7, "a@b.com"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteToken(t *testing.T) {
	directory := newFakeDirectory()
	srv := newTestServer(directory, &fakeBillingProvider{})

	req := httptest.NewRequest(http.MethodDelete, "/api/tokens/tok_9", nil)
	req.Header.Set("Authorization", authHeader(t, srv, 7, "a@b.com"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(directory.deleteCalls) != 1 || directory.deleteCalls[0] != "tok_9" {
		t.Fatalf("unexpected delete calls: %v", directory.deleteCalls)
	}
}

func TestBetaSignupUnavailableWithoutEmailService(t *testing.T) {
	srv := newTestServer(newFakeDirectory(), &fakeBillingProvider{})

	req := httptest.NewRequest(http.MethodPost, "/api/beta-signup",
		strings.NewReader(`{"email":"a@b.com","company":"Acme"}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without email config, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(newFakeDirectory(), &fakeBillingProvider{})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
