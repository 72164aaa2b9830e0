// Package directory 是上游账号目录（邮件服务器管理 API）的客户端。
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailcode/backend/internal/config"
)

var (
	// ErrNotConfigured 缺少 API 地址或令牌，属于配置错误，不应重试
	ErrNotConfigured   = errors.New("directory api not configured")
	// ErrNullAccountList 账号列表响应体为 null
	ErrNullAccountList = errors.New("decode directory response: null account list")
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// APIError 表示非 2xx 响应
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("directory api %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsStatus 判断 err 是否为指定状态码的 APIError
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Account 是目录中的一个邮箱账号
type Account struct {
	Email          string `json:"email"`
	Comment        string `json:"comment,omitempty"`
	DisplayedName  string `json:"displayed_name,omitempty"`
	QuotaBytes     int64  `json:"quota_bytes,omitempty"`
	QuotaBytesUsed int64  `json:"quota_bytes_used,omitempty"`
	Enabled        bool   `json:"enabled"`
	EnableIMAP     bool   `json:"enable_imap"`
	EnablePOP      bool   `json:"enable_pop"`
}

// CreateAccountRequest 是创建账号的请求体
type CreateAccountRequest struct {
	Email       string `json:"email"`
	RawPassword string `json:"raw_password"`
	Comment     string `json:"comment,omitempty"`
	Enabled     bool   `json:"enabled"`
	EnableIMAP  bool   `json:"enable_imap"`
	EnablePOP   bool   `json:"enable_pop"`
}

// UpdateAccountRequest 只发送非 nil 字段
type UpdateAccountRequest struct {
	RawPassword *string `json:"raw_password,omitempty"`
	Comment     *string `json:"comment,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	QuotaBytes  *int64  `json:"quota_bytes,omitempty"`
}

// Client 访问账号目录 API，所有调用都受客户端限速约束
type Client struct {
	configured bool
	http       *resty.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// New 创建目录客户端；未配置时仍返回可用对象，每次调用都返回 ErrNotConfigured
func New(cfg config.DirectoryConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}
	httpClient := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.Token).
		SetHeader("Accept", "application/json")

	return &Client{
		configured: cfg.Configured(),
		http:       httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		log:        log.Named("directory"),
	}
}

// Configured 返回客户端是否具备地址与令牌
func (c *Client) Configured() bool {
	return c.configured
}

// CreateAccount 创建账号（POST user）
func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest) error {
	return c.do(ctx, http.MethodPost, "user", "", req, nil)
}

// GetAccount 查询账号（GET user/{email}）
func (c *Client) GetAccount(ctx context.Context, email string) (*Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, "user/{email}", email, nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateAccount 修改账号（PATCH user/{email}）
func (c *Client) UpdateAccount(ctx context.Context, email string, req UpdateAccountRequest) error {
	return c.do(ctx, http.MethodPatch, "user/{email}", email, req, nil)
}

// DeleteAccount 删除账号（DELETE user/{email}）
func (c *Client) DeleteAccount(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodDelete, "user/{email}", email, nil, nil)
}

// ListAccounts 列出所有账号（GET user）
//
// 响应体为 null 或为空时返回错误，不能当作空目录处理。
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, "user", "", nil, &accounts); err != nil {
		return nil, err
	}
	if accounts == nil {
		return nil, ErrNullAccountList
	}
	return accounts, nil
}

func (c *Client) do(ctx context.Context, method, path, email string, in, out any) error {
	if !c.configured {
		return ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("directory rate limit: %w", err)
	}

	req := c.http.R().SetContext(ctx)
	if email != "" {
		req.SetPathParam("email", email)
	}
	if in != nil {
		req.SetBody(in)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("directory request %s %s: %w", method, path, err)
	}

	if resp.IsError() {
		requestPath := path
		if resp.Request != nil && resp.Request.RawRequest != nil {
			requestPath = resp.Request.RawRequest.URL.Path
		}
		body := resp.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		c.log.Warn("directory api returned error",
			zap.String("method", method),
			zap.String("path", requestPath),
			zap.Int("status", resp.StatusCode()),
		)
		return &APIError{Method: method, Path: requestPath, StatusCode: resp.StatusCode(), Body: body}
	}
	return nil
}
