package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/jonboulle/clockwork"
)

// DefaultRefreshSkew 距离过期多久时自动刷新
const DefaultRefreshSkew = time.Minute

// APIError 认证服务返回的错误
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth error (%d): %s", e.Status, e.Message)
}

// Unwrap 401/400 视为未授权
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusBadRequest || e.Status == http.StatusForbidden {
		return errors.ErrUnauthorized
	}
	return nil
}

// AssuranceLevel 当前与可达到的认证等级
type AssuranceLevel struct {
	Current string
	Next    string
}

// NeedsVerification 已设置多因素认证但本次会话尚未验证
func (l AssuranceLevel) NeedsVerification() bool {
	return l.Current == AAL1 && l.Next == AAL2
}

// TOTPEnrollment 新注册的 TOTP 因子
type TOTPEnrollment struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	TOTP struct {
		QRCode string `json:"qr_code"`
		Secret string `json:"secret"`
		URI    string `json:"uri"`
	} `json:"totp"`
}

// Challenge 验证挑战
type Challenge struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithHTTPClient 指定 HTTP 客户端
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock 指定时钟
func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithLogger 指定日志
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRefreshSkew 指定提前刷新的时间
func WithRefreshSkew(d time.Duration) ClientOption {
	return func(c *Client) { c.refreshSkew = d }
}

// Client 认证服务客户端，持有当前会话
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	clock       clockwork.Clock
	logger      *slog.Logger
	refreshSkew time.Duration

	mu      sync.Mutex
	session *Session
}

var _ Provider = (*Client)(nil)

// NewClient 创建客户端，baseURL 形如 https://<project>.supabase.co/auth/v1
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		refreshSkew: DefaultRefreshSkew,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "auth")
	return c
}

// SignInWithPassword 邮箱密码登录
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &s); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	c.setSession(&s)
	c.logger.Info("signed in", "email", s.User.Email)
	return c.copySession(), nil
}

// Refresh 使用刷新令牌换取新会话
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur == nil || cur.RefreshToken == "" {
		return nil, errors.ErrNoSession
	}

	var s Session
	body := map[string]string{"refresh_token": cur.RefreshToken}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &s); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if s.User.ID == "" {
		s.User = cur.User
	}
	c.setSession(&s)
	c.logger.Debug("session refreshed", "expires_at", s.Expiry())
	return c.copySession(), nil
}

// Session 返回当前会话，临近过期时自动刷新
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur == nil {
		return nil, errors.ErrNoSession
	}
	if cur.ExpiresAt > 0 && c.clock.Now().Add(c.refreshSkew).After(cur.Expiry()) {
		return c.Refresh(ctx)
	}
	return c.copySession(), nil
}

// AccessToken 返回当前访问令牌
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// User 从服务端获取当前用户 (含多因素因子)
func (c *Client) User(ctx context.Context) (*User, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var u User
	if err := c.do(ctx, http.MethodGet, "/user", token, nil, &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	c.mu.Lock()
	if c.session != nil {
		c.session.User = u
	}
	c.mu.Unlock()
	return &u, nil
}

// ListFactors 已注册的 TOTP 因子
func (c *Client) ListFactors(ctx context.Context) ([]Factor, error) {
	u, err := c.User(ctx)
	if err != nil {
		return nil, err
	}
	var totp []Factor
	for _, f := range u.Factors {
		if f.FactorType == "totp" {
			totp = append(totp, f)
		}
	}
	return totp, nil
}

// AssuranceLevel 根据令牌的 aal 声明与已验证的因子计算认证等级
func (c *Client) AssuranceLevel(ctx context.Context) (AssuranceLevel, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return AssuranceLevel{}, err
	}
	claims, err := ParseClaims(s.AccessToken)
	if err != nil {
		return AssuranceLevel{}, err
	}

	level := AssuranceLevel{Current: claims.AAL, Next: AAL1}
	if level.Current == "" {
		level.Current = AAL1
	}
	for _, f := range s.User.Factors {
		if f.Status == "verified" {
			level.Next = AAL2
			break
		}
	}
	return level, nil
}

// EnrollTOTP 注册新的 TOTP 因子
func (c *Client) EnrollTOTP(ctx context.Context, friendlyName string) (*TOTPEnrollment, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var e TOTPEnrollment
	body := map[string]string{"factor_type": "totp", "friendly_name": friendlyName}
	if err := c.do(ctx, http.MethodPost, "/factors", token, body, &e); err != nil {
		return nil, fmt.Errorf("enroll totp: %w", err)
	}
	return &e, nil
}

// Challenge 为因子创建验证挑战
func (c *Client) Challenge(ctx context.Context, factorID string) (*Challenge, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var ch Challenge
	if err := c.do(ctx, http.MethodPost, "/factors/"+url.PathEscape(factorID)+"/challenge", token, struct{}{}, &ch); err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	return &ch, nil
}

// Verify 提交验证码，成功后会话升级为 aal2
func (c *Client) Verify(ctx context.Context, factorID, challengeID, code string) (*Session, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var s Session
	body := map[string]string{"challenge_id": challengeID, "code": code}
	if err := c.do(ctx, http.MethodPost, "/factors/"+url.PathEscape(factorID)+"/verify", token, body, &s); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	c.mu.Lock()
	if s.User.ID == "" && c.session != nil {
		s.User = c.session.User
	}
	c.mu.Unlock()
	c.setSession(&s)
	return c.copySession(), nil
}

// ChallengeAndVerify 创建挑战并立即验证
func (c *Client) ChallengeAndVerify(ctx context.Context, factorID, code string) (*Session, error) {
	ch, err := c.Challenge(ctx, factorID)
	if err != nil {
		return nil, err
	}
	return c.Verify(ctx, factorID, ch.ID, code)
}

// SignOut 注销并清除本地会话
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.session
	c.session = nil
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/logout", cur.AccessToken, nil, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (c *Client) setSession(s *Session) {
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = c.clock.Now().Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) copySession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// do 发送请求并解码响应
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func errorMessage(data []byte, fallback string) string {
	var e struct {
		Description string `json:"error_description"`
		Msg         string `json:"msg"`
		Message     string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		for _, m := range []string{e.Description, e.Msg, e.Message} {
			if m != "" {
				return m
			}
		}
	}
	return fallback
}
