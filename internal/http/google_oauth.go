package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleUserInfo Google 用户信息结构
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// getGoogleOAuthConfig 获取 Google OAuth 配置
func (s *Server) getGoogleOAuthConfig() (*oauth2.Config, error) {
	if !s.cfg.GoogleOAuthConfigured() {
		return nil, errors.New("Google OAuth not configured")
	}
	return &oauth2.Config{
		ClientID:     s.cfg.GoogleClientID,
		ClientSecret: s.cfg.GoogleClientSecret,
		RedirectURL:  s.cfg.GoogleRedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}, nil
}

// generateCSRFToken 生成随机 CSRF 令牌
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// handleGoogleLogin 处理 Google OAuth 登录请求
// 重定向用户到 Google 授权页面
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	config, err := s.getGoogleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	state, err := generateCSRFToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	url := config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// handleGoogleCallback 处理 Google OAuth 回调。
// 签发 JWT 之前必须把用户同步进 Admin Directory，同步失败就拒绝登录
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	config, err := s.getGoogleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	frontendCallbackURL := s.cfg.FrontendCallbackURL

	// 辅助函数：重定向到前端并带上错误信息
	redirectWithError := func(errMsg string) {
		if frontendCallbackURL != "" {
			redirectURL := frontendCallbackURL + "?error=" + errMsg
			http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		} else {
			respondError(w, http.StatusBadRequest, errors.New(errMsg))
		}
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		redirectWithError("oauth_error")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		redirectWithError("missing_code")
		return
	}

	// 交换授权码获取访问令牌
	token, err := config.Exchange(r.Context(), code)
	if err != nil {
		redirectWithError("token_exchange_failed")
		return
	}

	// 获取用户信息
	userInfo, err := s.getGoogleUserInfo(r.Context(), config, token)
	if err != nil {
		redirectWithError("get_user_info_failed")
		return
	}

	if !userInfo.VerifiedEmail {
		redirectWithError("email_not_verified")
		return
	}

	// 登录时同步：在目录服务里 find-or-create，取回数字 id
	name := userInfo.Name
	if name == "" {
		name = localPart(userInfo.Email)
	}
	user, err := s.directory.EnsureUser(r.Context(), userInfo.Email, name)
	if err != nil {
		log.Printf("[ERROR] sign-in sync failed for %s: %v", userInfo.Email, err)
		redirectWithError("account_sync_failed")
		return
	}

	jwtToken, err := s.generateJWT(user.ID, user.Email)
	if err != nil {
		redirectWithError("token_generation_failed")
		return
	}

	// 如果配置了前端回调地址，重定向到前端
	if frontendCallbackURL != "" {
		http.Redirect(w, r, frontendCallbackURL+"?token="+jwtToken, http.StatusTemporaryRedirect)
		return
	}

	// 没有配置前端回调地址时返回 JSON（用于测试或 API 调用）
	respondJSON(w, http.StatusOK, map[string]any{
		"token": jwtToken,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

// getGoogleUserInfo 使用访问令牌获取 Google 用户信息
func (s *Server) getGoogleUserInfo(ctx context.Context, config *oauth2.Config, token *oauth2.Token) (*GoogleUserInfo, error) {
	client := config.Client(ctx, token)

	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, errors.New("failed to get user info: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("failed to get user info: unexpected status code")
	}

	var userInfo GoogleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, errors.New("failed to decode user info: " + err.Error())
	}

	return &userInfo, nil
}

func localPart(email string) string {
	if idx := strings.Index(email, "@"); idx > 0 {
		return email[:idx]
	}
	return email
}
