package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
)

func testConfig() config.Config {
	return config.Config{
		Environment:     "test",
		Issuer:          "https://bridge.example.com",
		SigningSecret:   "0123456789abcdef0123456789abcdef",
		MerchantID:      "merchant-123",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		AuthCodeTTL:     10 * time.Minute,
		ConsentTTL:      90 * 24 * time.Hour,
	}
}

type tokenHarness struct {
	manager *TokenManager
	kv      *kvstore.MemoryStore
	now     time.Time
}

func newTokenHarness(t *testing.T) *tokenHarness {
	t.Helper()
	h := &tokenHarness{
		kv:  kvstore.NewMemoryStore(),
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.manager = NewTokenManager(h.kv, testConfig(), zap.NewNop())
	h.manager.SetClock(func() time.Time { return h.now })
	h.kv.SetClock(func() time.Time { return h.now })
	return h
}

func (h *tokenHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestIssueAndValidateTokenPair(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	pair, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid", "email"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)
	require.Equal(t, 3600, pair.ExpiresIn)
	require.Equal(t, "openid email", pair.Scope)

	std, custom, err := h.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "mem_1", std.Subject)
	require.Equal(t, "https://bridge.example.com", std.Issuer)
	require.Equal(t, "openid email", custom.Scope)
	require.Equal(t, "merchant-123", custom.PlatformID)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	pair, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)

	_, _, err = h.manager.ValidateAccessToken(ctx, pair.AccessToken+"x")
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))

	_, _, err = h.manager.ValidateAccessToken(ctx, "not-a-jwt")
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	pair, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	_, _, err = h.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestAuthorizationCodeRoundTrip(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	verifier := "correct-horse-battery-staple-verifier"
	code, err := h.manager.CreateAuthorizationCode(ctx, "client-1", "mem_1", "https://app/cb", []string{"openid"}, challengeFor(verifier), "S256")
	require.NoError(t, err)

	pair, err := h.manager.ExchangeAuthorizationCode(ctx, code, "client-1", "https://app/cb", verifier)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	verifier := "correct-horse-battery-staple-verifier"
	code, err := h.manager.CreateAuthorizationCode(ctx, "client-1", "mem_1", "https://app/cb", []string{"openid"}, challengeFor(verifier), "S256")
	require.NoError(t, err)

	_, err = h.manager.ExchangeAuthorizationCode(ctx, code, "client-1", "https://app/cb", verifier)
	require.NoError(t, err)

	_, err = h.manager.ExchangeAuthorizationCode(ctx, code, "client-1", "https://app/cb", verifier)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestAuthorizationCodeBurnsOnFailedAttempt(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	verifier := "correct-horse-battery-staple-verifier"
	code, err := h.manager.CreateAuthorizationCode(ctx, "client-1", "mem_1", "https://app/cb", []string{"openid"}, challengeFor(verifier), "S256")
	require.NoError(t, err)

	// Wrong verifier fails and consumes the code.
	_, err = h.manager.ExchangeAuthorizationCode(ctx, code, "client-1", "https://app/cb", "wrong-verifier")
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))

	_, err = h.manager.ExchangeAuthorizationCode(ctx, code, "client-1", "https://app/cb", verifier)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestAuthorizationCodeRejections(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()
	verifier := "correct-horse-battery-staple-verifier"

	newCode := func() string {
		code, err := h.manager.CreateAuthorizationCode(ctx, "client-1", "mem_1", "https://app/cb", []string{"openid"}, challengeFor(verifier), "S256")
		require.NoError(t, err)
		return code
	}

	_, err := h.manager.ExchangeAuthorizationCode(ctx, newCode(), "client-2", "https://app/cb", verifier)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized), "wrong client")

	_, err = h.manager.ExchangeAuthorizationCode(ctx, newCode(), "client-1", "https://evil/cb", verifier)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized), "wrong redirect")

	_, err = h.manager.ExchangeAuthorizationCode(ctx, newCode(), "client-1", "https://app/cb", "")
	require.True(t, domain.IsKind(err, domain.KindUnauthorized), "missing verifier")

	_, err = h.manager.ExchangeAuthorizationCode(ctx, "ac_unknown", "client-1", "https://app/cb", verifier)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized), "unknown code")
}

func TestAuthorizationCodeWithoutChallengeSkipsPKCE(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	code, err := h.manager.CreateAuthorizationCode(ctx, "client-1", "mem_1", "https://app/cb", []string{"openid"}, "", "")
	require.NoError(t, err)

	pair, err := h.manager.ExchangeAuthorizationCode(ctx, code, "client-1", "https://app/cb", "")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
}

func TestRefreshTokenRotation(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	first, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)

	second, err := h.manager.RedeemRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEmpty(t, second.AccessToken)

	// The old refresh token is consumed; replaying it is rejected.
	_, err = h.manager.RedeemRefreshToken(ctx, first.RefreshToken)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))

	// The rotated token still works.
	third, err := h.manager.RedeemRefreshToken(ctx, second.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, third.AccessToken)
}

func TestRefreshTokenExpiry(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	pair, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)

	h.advance(31 * 24 * time.Hour)
	_, err = h.manager.RedeemRefreshToken(ctx, pair.RefreshToken)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestRevokeAccessToken(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	first, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)
	second, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)

	require.NoError(t, h.manager.RevokeAccessToken(ctx, first.AccessToken))

	_, _, err = h.manager.ValidateAccessToken(ctx, first.AccessToken)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))

	// Revocation is per token, not per member.
	_, _, err = h.manager.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)

	// Garbage input is a silent no-op.
	require.NoError(t, h.manager.RevokeAccessToken(ctx, "garbage"))
}

func TestRevokeRefreshToken(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	pair, err := h.manager.IssueTokenPair(ctx, "mem_1", "client-1", []string{"openid"})
	require.NoError(t, err)

	require.NoError(t, h.manager.RevokeRefreshToken(ctx, pair.RefreshToken))
	_, err = h.manager.RedeemRefreshToken(ctx, pair.RefreshToken)
	require.True(t, domain.IsKind(err, domain.KindUnauthorized))

	// The access token issued alongside remains valid until revoked itself.
	_, _, err = h.manager.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	require.True(t, verifyPKCE(challengeFor(verifier), verifier))
	require.False(t, verifyPKCE(challengeFor(verifier), verifier+"x"))
	require.False(t, verifyPKCE("", verifier))
}
