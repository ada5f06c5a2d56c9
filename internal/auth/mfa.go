package auth

import (
	"context"
	"fmt"

	"github.com/BetaCatPro/ws-relay/internal/errors"
)

// CodePrompt 向用户索取 6 位验证码；enrollment 非 nil 时表示正在注册新因子
type CodePrompt func(ctx context.Context, enrollment *TOTPEnrollment) (string, error)

// Login 登录并完成多因素认证。
// 已有验证过的因子时要求验证；没有因子且 requireMFA 为 true 时先注册 TOTP。
func (c *Client) Login(ctx context.Context, email, password string, requireMFA bool, prompt CodePrompt) (*Session, error) {
	if _, err := c.SignInWithPassword(ctx, email, password); err != nil {
		return nil, err
	}

	level, err := c.AssuranceLevel(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case level.Current == AAL2:
		return c.Session(ctx)
	case level.NeedsVerification():
		return c.verifyExisting(ctx, prompt)
	case requireMFA:
		return c.enrollAndVerify(ctx, prompt)
	default:
		return c.Session(ctx)
	}
}

func (c *Client) verifyExisting(ctx context.Context, prompt CodePrompt) (*Session, error) {
	factors, err := c.ListFactors(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range factors {
		if f.Status != "verified" {
			continue
		}
		if prompt == nil {
			return nil, errors.ErrMFARequired
		}
		code, err := prompt(ctx, nil)
		if err != nil {
			return nil, err
		}
		return c.ChallengeAndVerify(ctx, f.ID, code)
	}
	// 没有已验证的因子，需要重新注册
	return c.enrollAndVerify(ctx, prompt)
}

func (c *Client) enrollAndVerify(ctx context.Context, prompt CodePrompt) (*Session, error) {
	if prompt == nil {
		return nil, errors.ErrMFARequired
	}
	enrollment, err := c.EnrollTOTP(ctx, "Authenticator App")
	if err != nil {
		return nil, err
	}
	code, err := prompt(ctx, enrollment)
	if err != nil {
		return nil, err
	}
	s, err := c.ChallengeAndVerify(ctx, enrollment.ID, code)
	if err != nil {
		return nil, fmt.Errorf("confirm enrollment: %w", err)
	}
	return s, nil
}
