package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, email, aal string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: email,
		Role:  "authenticated",
		AAL:   aal,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

// fakeGoTrue 模拟认证服务
type fakeGoTrue struct {
	t       *testing.T
	mu      sync.Mutex
	factors []Factor
	refresh int
	logout  int
	apiKeys []string
}

func (f *fakeGoTrue) session(aal string) map[string]any {
	return map[string]any{
		"access_token":  signToken(f.t, "alice@example.com", aal),
		"refresh_token": "refresh-" + aal,
		"token_type":    "bearer",
		"expires_in":    3600,
		"user": map[string]any{
			"id":      "user-1",
			"email":   "alice@example.com",
			"factors": f.factors,
		},
	}
}

func (f *fakeGoTrue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("apikey"))

	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	reply := func(code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/token" && r.URL.Query().Get("grant_type") == "password":
		if body["password"] != "pw" {
			reply(http.StatusBadRequest, map[string]string{"error_description": "Invalid login credentials"})
			return
		}
		reply(http.StatusOK, f.session(AAL1))
	case r.URL.Path == "/token" && r.URL.Query().Get("grant_type") == "refresh_token":
		f.refresh++
		reply(http.StatusOK, f.session(AAL1))
	case r.URL.Path == "/user":
		reply(http.StatusOK, map[string]any{"id": "user-1", "email": "alice@example.com", "factors": f.factors})
	case r.URL.Path == "/factors":
		f.factors = append(f.factors, Factor{ID: "f-new", FactorType: "totp", Status: "unverified"})
		reply(http.StatusOK, map[string]any{"id": "f-new", "type": "totp",
			"totp": map[string]string{"qr_code": "data:image/svg+xml;...", "secret": "JBSWY3DP", "uri": "otpauth://totp/x"}})
	case strings.HasSuffix(r.URL.Path, "/challenge"):
		reply(http.StatusOK, map[string]any{"id": "challenge-1", "expires_at": 0})
	case strings.HasSuffix(r.URL.Path, "/verify"):
		if body["code"] != "123456" || body["challenge_id"] != "challenge-1" {
			reply(http.StatusBadRequest, map[string]string{"msg": "Invalid TOTP code entered"})
			return
		}
		for i := range f.factors {
			f.factors[i].Status = "verified"
		}
		reply(http.StatusOK, f.session(AAL2))
	case r.URL.Path == "/logout":
		f.logout++
		w.WriteHeader(http.StatusNoContent)
	default:
		reply(http.StatusNotFound, map[string]string{"message": "not found"})
	}
}

func newTestClient(t *testing.T, f *fakeGoTrue) (*Client, *clockwork.FakeClock) {
	t.Helper()
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	clock := clockwork.NewFakeClock()
	c := NewClient(ts.URL+"/", "anon-key",
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return c, clock
}

func TestParseClaims(t *testing.T) {
	claims, err := ParseClaims(signToken(t, "bob@example.com", AAL2))
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", claims.Email)
	assert.Equal(t, AAL2, claims.AAL)
	assert.Equal(t, "user-1", claims.Subject)

	_, err = ParseClaims("not-a-jwt")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestSignInWithPassword(t *testing.T) {
	f := &fakeGoTrue{t: t}
	c, clock := newTestClient(t, f)

	_, err := c.AccessToken(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNoSession))

	s, err := c.SignInWithPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", s.User.Email)
	assert.Equal(t, clock.Now().Add(time.Hour).Unix(), s.ExpiresAt)
	assert.Equal(t, "anon-key", f.apiKeys[0])

	tok, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.AccessToken, tok)
}

func TestSignInRejected(t *testing.T) {
	c, _ := newTestClient(t, &fakeGoTrue{t: t})

	_, err := c.SignInWithPassword(context.Background(), "alice@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	assert.Contains(t, err.Error(), "Invalid login credentials")
}

func TestRefreshNearExpiry(t *testing.T) {
	f := &fakeGoTrue{t: t}
	c, clock := newTestClient(t, f)
	_, err := c.SignInWithPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)

	_, err = c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.refresh)

	clock.Advance(time.Hour - 30*time.Second)
	s, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.refresh)
	assert.Equal(t, clock.Now().Add(time.Hour).Unix(), s.ExpiresAt)
}

func TestAssuranceLevel(t *testing.T) {
	f := &fakeGoTrue{t: t, factors: []Factor{{ID: "f1", FactorType: "totp", Status: "verified"}}}
	c, _ := newTestClient(t, f)
	_, err := c.SignInWithPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)

	level, err := c.AssuranceLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AssuranceLevel{Current: AAL1, Next: AAL2}, level)
	assert.True(t, level.NeedsVerification())
}

func TestLoginVerifiesExistingFactor(t *testing.T) {
	f := &fakeGoTrue{t: t, factors: []Factor{{ID: "f1", FactorType: "totp", Status: "verified"}}}
	c, _ := newTestClient(t, f)

	var prompted []*TOTPEnrollment
	s, err := c.Login(context.Background(), "alice@example.com", "pw", true,
		func(_ context.Context, e *TOTPEnrollment) (string, error) {
			prompted = append(prompted, e)
			return "123456", nil
		})
	require.NoError(t, err)
	require.Len(t, prompted, 1)
	assert.Nil(t, prompted[0])

	claims, err := ParseClaims(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, AAL2, claims.AAL)
}

func TestLoginEnrollsWhenRequired(t *testing.T) {
	f := &fakeGoTrue{t: t}
	c, _ := newTestClient(t, f)

	var enrollment *TOTPEnrollment
	s, err := c.Login(context.Background(), "alice@example.com", "pw", true,
		func(_ context.Context, e *TOTPEnrollment) (string, error) {
			enrollment = e
			return "123456", nil
		})
	require.NoError(t, err)
	require.NotNil(t, enrollment)
	assert.Equal(t, "JBSWY3DP", enrollment.TOTP.Secret)

	level, err := c.AssuranceLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AAL2, level.Current)
	assert.NotEmpty(t, s.AccessToken)
}

func TestLoginWithoutMFA(t *testing.T) {
	c, _ := newTestClient(t, &fakeGoTrue{t: t})
	s, err := c.Login(context.Background(), "alice@example.com", "pw", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", s.User.Email)
}

func TestLoginNeedsPrompt(t *testing.T) {
	f := &fakeGoTrue{t: t, factors: []Factor{{ID: "f1", FactorType: "totp", Status: "verified"}}}
	c, _ := newTestClient(t, f)
	_, err := c.Login(context.Background(), "alice@example.com", "pw", false, nil)
	assert.True(t, errors.Is(err, errors.ErrMFARequired))
}

func TestVerifyWrongCode(t *testing.T) {
	f := &fakeGoTrue{t: t, factors: []Factor{{ID: "f1", FactorType: "totp", Status: "verified"}}}
	c, _ := newTestClient(t, f)
	_, err := c.SignInWithPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)

	_, err = c.ChallengeAndVerify(context.Background(), "f1", "000000")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid TOTP code entered", apiErr.Message)
}

func TestSignOut(t *testing.T) {
	f := &fakeGoTrue{t: t}
	c, _ := newTestClient(t, f)
	_, err := c.SignInWithPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, 1, f.logout)
	_, err = c.Session(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNoSession))
}

func TestStaticProvider(t *testing.T) {
	var p Provider = StaticProvider{Token: "tok", Email: "anon"}
	tok, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}
