package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// 认证保证等级
const (
	AAL1 = "aal1"
	AAL2 = "aal2"
)

// Provider 提供当前会话与访问令牌
type Provider interface {
	Session(ctx context.Context) (*Session, error)
	AccessToken(ctx context.Context) (string, error)
}

// Factor 多因素认证因子
type Factor struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name,omitempty"`
	FactorType   string `json:"factor_type"`
	Status       string `json:"status"` // verified / unverified
}

// User 登录用户
type User struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Factors []Factor `json:"factors,omitempty"`
}

// Session 登录会话
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expiry 访问令牌过期时间
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// Claims 访问令牌中的声明
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	AAL       string `json:"aal"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// ParseClaims 解析访问令牌，不校验签名 (由服务端校验)
func ParseClaims(token string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(token, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", errors.ErrUnauthorized)
	}
	return claims, nil
}

// StaticProvider 固定令牌，用于匿名访问或测试
type StaticProvider struct {
	Token string
	Email string
}

// Session 返回固定会话
func (p StaticProvider) Session(context.Context) (*Session, error) {
	return &Session{AccessToken: p.Token, User: User{Email: p.Email}}, nil
}

// AccessToken 返回固定令牌
func (p StaticProvider) AccessToken(context.Context) (string, error) {
	return p.Token, nil
}
