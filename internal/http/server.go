package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"vexaportal/internal/admin"
	"vexaportal/internal/billing"
	"vexaportal/internal/config"
	"vexaportal/internal/email"
	"vexaportal/internal/models"
	"vexaportal/internal/pricing"
	"vexaportal/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
)

// Directory Admin Directory 的操作面。webhook 调和器是唯一的配额写入方，
// 测试里用 fake 替换真实客户端。
type Directory interface {
	FindOrCreateUser(ctx context.Context, email, name string) (admin.User, error)
	PatchEntitlement(ctx context.Context, userID int64, maxConcurrentBots int, data map[string]any) (admin.User, error)
	CreateToken(ctx context.Context, userID int64) (admin.Token, error)
	DeleteToken(ctx context.Context, tokenID string) error
	EnsureUser(ctx context.Context, email, name string) (admin.User, error)
}

type Server struct {
	cfg         config.Config
	billing     *billing.Service
	directory   Directory
	store       *store.Store
	emailClient *email.ResendClient
}

func NewServer(cfg config.Config, billingSvc *billing.Service, directory Directory, st *store.Store) *Server {
	return &Server{
		cfg:         cfg,
		billing:     billingSvc,
		directory:   directory,
		store:       st,
		emailClient: email.NewResendClient(cfg.ResendAPIKey),
	}
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					errMsg := fmt.Sprintf("internal server error: %v", rvr)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// 公开接口
		r.Get("/auth/google", s.handleGoogleLogin)
		r.Get("/auth/google/callback", s.handleGoogleCallback)
		r.Get("/pricing/quote", s.handlePricingQuote)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Post("/beta-signup", s.handleBetaSignup)
		r.Get("/beta-signup/verify/{token}", s.handleBetaVerify)

		// 需要认证的用户接口
		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Post("/checkout", s.handleCreateCheckout)
			r.Post("/modify-subscription", s.handleModifySubscription)
			r.Post("/cancel-subscription", s.handleCancelSubscription)
			r.Get("/subscriptions/{id}", s.handleGetSubscription)
			r.Post("/tokens", s.handleCreateToken)
			r.Delete("/tokens/{id}", s.handleDeleteToken)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Stripe-Signature")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePricingQuote(w http.ResponseWriter, r *http.Request) {
	bots, err := strconv.Atoi(r.URL.Query().Get("bots"))
	if err != nil || !pricing.ValidBotCount(bots) {
		respondError(w, http.StatusBadRequest, errors.New("invalid bot count, must be between 5 and 1000"))
		return
	}
	respondJSON(w, http.StatusOK, pricing.NewQuote(bots))
}

type createCheckoutRequest struct {
	BotCount int `json:"botCount"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	userEmail := emailFromContext(r.Context())
	if userEmail == "" {
		respondError(w, http.StatusUnauthorized, errors.New("authentication required, please sign in"))
		return
	}

	if s.cfg.StripeSecretKey == "" {
		log.Printf("[ERROR] [%s] Stripe not configured", reqID)
		respondError(w, http.StatusInternalServerError, errors.New("stripe configuration missing, please contact support"))
		return
	}

	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.billing.Checkout(r.Context(), userEmail, req.BotCount)
	if err != nil {
		s.respondBillingError(w, r, err, "checkout")
		return
	}

	log.Printf("[INFO] [%s] Created checkout session for %s: %d bots", reqID, userEmail, req.BotCount)
	respondJSON(w, http.StatusOK, result)
}

type modifySubscriptionRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	NewBotCount    int    `json:"newBotCount"`
}

func (s *Server) handleModifySubscription(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	userEmail := emailFromContext(r.Context())
	if userEmail == "" {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	var req modifySubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.SubscriptionID == "" || req.NewBotCount == 0 {
		respondError(w, http.StatusBadRequest, errors.New("subscriptionId and newBotCount are required"))
		return
	}

	sub, quote, err := s.billing.ChangeBotCount(r.Context(), userEmail, req.SubscriptionID, req.NewBotCount)
	if err != nil {
		s.respondBillingError(w, r, err, "modify_subscription")
		return
	}

	log.Printf("[INFO] [%s] Modified subscription %s for %s: %d bots (%s tier)",
		reqID, req.SubscriptionID, userEmail, req.NewBotCount, quote.Tier)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"subscription": sub,
		"newBotCount":  req.NewBotCount,
		"newPrice":     quote.PriceUSD,
		"tier":         quote.Tier,
		"message":      "Subscription updated successfully",
	})
}

type cancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	userEmail := emailFromContext(r.Context())
	if userEmail == "" {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	var req cancelSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.SubscriptionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("subscriptionId is required"))
		return
	}

	sub, err := s.billing.Cancel(r.Context(), req.SubscriptionID)
	if err != nil {
		s.respondBillingError(w, r, err, "cancel_subscription")
		return
	}

	log.Printf("[INFO] [%s] Canceled subscription %s for %s at period end", reqID, req.SubscriptionID, userEmail)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"subscription": sub,
		"message":      "Subscription will be canceled at the end of the current billing period",
	})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	subscriptionID := chi.URLParam(r, "id")
	if subscriptionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("subscription id is required"))
		return
	}
	sub, err := s.billing.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		s.respondBillingError(w, r, err, "get_subscription")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	token, err := s.directory.CreateToken(r.Context(), userID)
	if err != nil {
		s.respondDirectoryError(w, r, err, "create_token")
		return
	}
	// token 原文只出现这一次，本系统不保存
	respondJSON(w, http.StatusCreated, token)
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if userIDFromContext(r.Context()) == 0 {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	tokenID := chi.URLParam(r, "id")
	if tokenID == "" {
		respondError(w, http.StatusBadRequest, errors.New("token id is required"))
		return
	}

	if err := s.directory.DeleteToken(r.Context(), tokenID); err != nil {
		if errors.Is(err, admin.ErrTokenDeleteUnsupported) {
			respondError(w, http.StatusNotImplemented, err)
			return
		}
		s.respondDirectoryError(w, r, err, "delete_token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type betaSignupRequest struct {
	Email           string  `json:"email"`
	Company         string  `json:"company"`
	CompanyBusiness string  `json:"companyBusiness"`
	CompanySize     string  `json:"companySize"`
	LinkedIn        *string `json:"linkedIn,omitempty"`
	Twitter         *string `json:"twitter,omitempty"`
	MainPlatform    string  `json:"mainPlatform"`
	OtherPlatform   *string `json:"otherPlatform,omitempty"`
	UseCase         string  `json:"useCase"`
}

func (s *Server) handleBetaSignup(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	if !s.emailClient.IsConfigured() || s.cfg.BetaFromEmail == "" {
		respondError(w, http.StatusServiceUnavailable, email.ErrEmailNotConfigured)
		return
	}

	var req betaSignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Company == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and company name are required"))
		return
	}

	raw, hash, err := generateVerificationToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	signup := models.BetaSignup{
		Email:           req.Email,
		Company:         req.Company,
		CompanyBusiness: req.CompanyBusiness,
		CompanySize:     req.CompanySize,
		LinkedIn:        req.LinkedIn,
		Twitter:         req.Twitter,
		MainPlatform:    req.MainPlatform,
		OtherPlatform:   req.OtherPlatform,
		UseCase:         req.UseCase,
	}
	expiresAt := time.Now().UTC().Add(s.cfg.BetaTokenExpiry())
	if _, err := s.store.CreateBetaSignup(r.Context(), signup, hash, expiresAt); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			respondError(w, http.StatusConflict, err)
			return
		}
		log.Printf("[ERROR] [%s] Failed to store beta signup: %v", reqID, err)
		respondError(w, http.StatusInternalServerError, errors.New("failed to store signup"))
		return
	}

	link := s.cfg.SiteBaseURL + "/email-verification/" + raw
	if err := s.emailClient.SendBetaVerification(s.cfg.BetaFromEmail, req.Email, req.Company, link); err != nil {
		log.Printf("[ERROR] [%s] Failed to send verification email: %v", reqID, err)
		respondError(w, http.StatusInternalServerError, errors.New("failed to send verification email"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "verification email sent",
	})
}

func (s *Server) handleBetaVerify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		respondError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}

	signup, err := s.store.VerifyBetaSignup(r.Context(), hashToken(token))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, err)
		case errors.Is(err, store.ErrAlreadyVerified):
			respondError(w, http.StatusConflict, err)
		case errors.Is(err, store.ErrTokenExpired):
			respondError(w, http.StatusGone, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"email":  signup.Email,
	})
}

// respondBillingError 按 §错误分类返回：输入错误 400，
// 服务商的客户端可纠正错误带原始 message 返回 400，其余 500
func (s *Server) respondBillingError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	reqID := middleware.GetReqID(r.Context())
	switch {
	case errors.Is(err, billing.ErrInvalidBotCount),
		errors.Is(err, billing.ErrInvalidSubscription):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, billing.ErrNotConfigured):
		log.Printf("[ERROR] [%s] Stripe not configured | Context: %s", reqID, operation)
		respondError(w, http.StatusInternalServerError, errors.New("stripe configuration missing, please contact support"))
	default:
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			log.Printf("[ERROR] [%s] Stripe API error: type=%s, code=%s, message=%s | Context: %s",
				reqID, stripeErr.Type, stripeErr.Code, stripeErr.Msg, operation)
			respondError(w, http.StatusBadRequest, fmt.Errorf("stripe error: %s", stripeErr.Msg))
			return
		}
		log.Printf("[ERROR] [%s] Billing error: %v | Context: %s", reqID, err, operation)
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func (s *Server) respondDirectoryError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	reqID := middleware.GetReqID(r.Context())
	log.Printf("[ERROR] [%s] Admin directory error: %v | Context: %s", reqID, err, operation)
	switch {
	case errors.Is(err, admin.ErrNotConfigured):
		respondError(w, http.StatusInternalServerError, errors.New("admin API is not properly configured on the server"))
	default:
		respondError(w, http.StatusInternalServerError, errors.New("admin directory unavailable, please try again later"))
	}
}

// generateVerificationToken 生成一次性验证令牌，库里只存哈希
func generateVerificationToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = hex.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
