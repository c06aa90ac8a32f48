package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrNotConfigured 缺少共享密钥，所有调用直接短路，不发网络请求
	ErrNotConfigured = errors.New("admin API not configured")
	// ErrDirectoryUnavailable 网络错误、超时或响应体缺少合法用户 id
	ErrDirectoryUnavailable = errors.New("admin directory unavailable")
	// ErrTokenDeleteUnsupported 上游尚未实现 token 删除端点
	ErrTokenDeleteUnsupported = errors.New("token delete not implemented by admin API")
)

// StatusError 结构完整的非 2xx 响应，这类错误不重试
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Code, e.Body)
}

// User Admin Directory 中的用户记录
type User struct {
	ID                int64          `json:"id"`
	Email             string         `json:"email"`
	Name              string         `json:"name,omitempty"`
	MaxConcurrentBots int            `json:"max_concurrent_bots"`
	Data              map[string]any `json:"data,omitempty"`
}

// Token 新建的 API 令牌，原文只在创建响应里出现一次
type Token struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	if c.apiKey == "" {
		return 0, nil, ErrNotConfigured
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return resp.StatusCode, respBody, nil
}

// FindOrCreateUser 按邮箱 upsert 用户。201 新建和 409 已存在都算成功，
// 只要响应体里带合法的数字 id。
func (c *Client) FindOrCreateUser(ctx context.Context, email, name string) (User, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/admin/users", map[string]string{
		"email": email,
		"name":  name,
	})
	if err != nil {
		return User{}, err
	}
	if (status < 200 || status >= 300) && status != http.StatusConflict {
		return User{}, &StatusError{Code: status, Body: string(body)}
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return User{}, fmt.Errorf("%w: malformed user response: %v", ErrDirectoryUnavailable, err)
	}
	if user.ID == 0 {
		return User{}, fmt.Errorf("%w: user response missing numeric id", ErrDirectoryUnavailable)
	}
	return user, nil
}

// PatchEntitlement 覆写用户的并发机器人配额和订阅元数据
func (c *Client) PatchEntitlement(ctx context.Context, userID int64, maxConcurrentBots int, data map[string]any) (User, error) {
	status, body, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/admin/users/%d", userID), map[string]any{
		"max_concurrent_bots": maxConcurrentBots,
		"data":                data,
	})
	if err != nil {
		return User{}, err
	}
	if status < 200 || status >= 300 {
		return User{}, &StatusError{Code: status, Body: string(body)}
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return User{}, fmt.Errorf("%w: malformed user response: %v", ErrDirectoryUnavailable, err)
	}
	return user, nil
}

func (c *Client) CreateToken(ctx context.Context, userID int64) (Token, error) {
	status, body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/users/%d/tokens", userID), nil)
	if err != nil {
		return Token{}, err
	}
	if status < 200 || status >= 300 {
		return Token{}, &StatusError{Code: status, Body: string(body)}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return Token{}, fmt.Errorf("%w: malformed token response: %v", ErrDirectoryUnavailable, err)
	}
	return token, nil
}

// DeleteToken 撤销令牌。上游可能还没实现这个端点，
// 那种情况必须显式报错，不能装作删除成功。
func (c *Client) DeleteToken(ctx context.Context, tokenID string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/admin/tokens/"+tokenID, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNoContent || (status >= 200 && status < 300):
		return nil
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented:
		return ErrTokenDeleteUnsupported
	default:
		return &StatusError{Code: status, Body: string(body)}
	}
}

const (
	ensureAttempts = 3
	ensureBackoff  = 500 * time.Millisecond
	ensureTimeout  = 5 * time.Second
)

// EnsureUser 登录时的用户同步：最多 3 次尝试、固定 500ms 退避、
// 单次 5 秒超时。只有传输层失败才重试，结构完整的错误响应直接失败。
func (c *Client) EnsureUser(ctx context.Context, email, name string) (User, error) {
	var lastErr error
	for attempt := 1; attempt <= ensureAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, ensureTimeout)
		user, err := c.FindOrCreateUser(attemptCtx, email, name)
		cancel()
		if err == nil {
			return user, nil
		}
		lastErr = err
		if !errors.Is(err, ErrDirectoryUnavailable) {
			return User{}, err
		}
		if attempt < ensureAttempts {
			select {
			case <-ctx.Done():
				return User{}, ctx.Err()
			case <-time.After(ensureBackoff):
			}
		}
	}
	return User{}, lastErr
}
