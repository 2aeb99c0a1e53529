package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
)

const (
	codeKeyPrefix    = "identity:code:"
	refreshKeyPrefix = "identity:refresh:"
	jtiKeyPrefix     = "identity:jti:"

	codePrefix    = "ac_"
	refreshPrefix = "rt_"
)

// AccessClaims are the custom claims carried by access tokens alongside
// the standard set.
type AccessClaims struct {
	Scope      string `json:"scope"`
	PlatformID string `json:"platform_id"`
}

// TokenResponse is the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// TokenManager issues and validates authorization codes, access tokens,
// and rotating refresh tokens. All short-lived state lives in the
// ephemeral store; the signing secret is the only long-lived secret.
type TokenManager struct {
	store      kvstore.Store
	secret     []byte
	issuer     string
	platformID string
	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewTokenManager wires the manager from config.
func NewTokenManager(store kvstore.Store, cfg config.Config, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		store:      store,
		secret:     []byte(cfg.SigningSecret),
		issuer:     cfg.Issuer,
		platformID: cfg.MerchantID,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		codeTTL:    cfg.AuthCodeTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the manager clock. Test helper.
func (m *TokenManager) SetClock(now func() time.Time) { m.now = now }

// CreateAuthorizationCode persists a single-use code for later redemption.
func (m *TokenManager) CreateAuthorizationCode(ctx context.Context, clientID, memberID, redirectURI string, scope []string, codeChallenge, codeChallengeMethod string) (string, error) {
	now := m.now().UTC()
	record := domain.AuthorizationCode{
		Code:                codePrefix + randomHex(16),
		ClientID:            clientID,
		MemberID:            memberID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ExpiresAt:           now.Add(m.codeTTL),
		CreatedAt:           now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode authorization code: %w", err)
	}
	if err := m.store.SetWithTTL(ctx, codeKeyPrefix+record.Code, payload, m.codeTTL); err != nil {
		return "", domain.Unavailable("identity store unavailable")
	}
	return record.Code, nil
}

// ExchangeAuthorizationCode redeems a code. The stored record is deleted on
// every redemption attempt, successful or not, so a code presented with a
// bad verifier cannot be retried.
func (m *TokenManager) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*TokenResponse, error) {
	raw, err := m.store.Get(ctx, codeKeyPrefix+code)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, domain.Unauthorized("authorization code is invalid or expired")
		}
		return nil, domain.Unavailable("identity store unavailable")
	}

	// Single use: whoever deletes the key owns this redemption.
	existed, err := m.store.Delete(ctx, codeKeyPrefix+code)
	if err != nil {
		return nil, domain.Unavailable("identity store unavailable")
	}
	if !existed {
		return nil, domain.Unauthorized("authorization code is invalid or expired")
	}

	var record domain.AuthorizationCode
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode authorization code: %w", err)
	}
	if m.now().After(record.ExpiresAt) {
		return nil, domain.Unauthorized("authorization code has expired")
	}
	if record.ClientID != clientID {
		return nil, domain.Unauthorized("authorization code was issued to another client")
	}
	if record.RedirectURI != redirectURI {
		return nil, domain.Unauthorized("redirect_uri does not match the authorization request")
	}
	if record.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, domain.Unauthorized("code_verifier is required")
		}
		if !verifyPKCE(record.CodeChallenge, codeVerifier) {
			return nil, domain.Unauthorized("code_verifier does not match the challenge")
		}
	}

	return m.IssueTokenPair(ctx, record.MemberID, record.ClientID, record.Scope)
}

// RedeemRefreshToken rotates a refresh token. The stored record is deleted
// atomically on lookup; losing the delete race is indistinguishable from
// an unknown token and should be treated as a possible compromise.
func (m *TokenManager) RedeemRefreshToken(ctx context.Context, token string) (*TokenResponse, error) {
	raw, err := m.store.Get(ctx, refreshKeyPrefix+token)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, domain.Unauthorized("refresh token is invalid or already used")
		}
		return nil, domain.Unavailable("identity store unavailable")
	}

	existed, err := m.store.Delete(ctx, refreshKeyPrefix+token)
	if err != nil {
		return nil, domain.Unavailable("identity store unavailable")
	}
	if !existed {
		m.logger.Warn("refresh token replay detected", zap.String("token_prefix", shortPrefix(token)))
		return nil, domain.Unauthorized("refresh token is invalid or already used")
	}

	var record domain.RefreshTokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}
	if m.now().After(record.ExpiresAt) {
		return nil, domain.Unauthorized("refresh token has expired")
	}

	return m.IssueTokenPair(ctx, record.MemberID, record.ClientID, record.Scope)
}

// IssueTokenPair produces a fresh signed access token and refresh token.
func (m *TokenManager) IssueTokenPair(ctx context.Context, memberID, clientID string, scope []string) (*TokenResponse, error) {
	access, err := m.issueAccessToken(ctx, memberID, clientID, scope)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	refresh := domain.RefreshTokenRecord{
		Token:      refreshPrefix + randomHex(24),
		MemberID:   memberID,
		ClientID:   clientID,
		PlatformID: m.platformID,
		Scope:      scope,
		ExpiresAt:  now.Add(m.refreshTTL),
		CreatedAt:  now,
	}
	payload, err := json.Marshal(refresh)
	if err != nil {
		return nil, fmt.Errorf("encode refresh token: %w", err)
	}
	if err := m.store.SetWithTTL(ctx, refreshKeyPrefix+refresh.Token, payload, m.refreshTTL); err != nil {
		return nil, domain.Unavailable("identity store unavailable")
	}

	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(m.accessTTL.Seconds()),
		Scope:        strings.Join(scope, " "),
	}, nil
}

func (m *TokenManager) issueAccessToken(ctx context.Context, memberID, clientID string, scope []string) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: m.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := m.now().UTC()
	jti := randomHex(16)
	std := gojwt.Claims{
		Subject:   memberID,
		Issuer:    m.issuer,
		Audience:  gojwt.Audience{clientID},
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(m.accessTTL)),
		NotBefore: gojwt.NewNumericDate(now),
		ID:        jti,
	}
	custom := AccessClaims{
		Scope:      strings.Join(scope, " "),
		PlatformID: m.platformID,
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}

	validity, err := json.Marshal(domain.TokenValidity{Valid: true})
	if err != nil {
		return "", fmt.Errorf("encode validity: %w", err)
	}
	if err := m.store.SetWithTTL(ctx, jtiKeyPrefix+jti, validity, m.accessTTL); err != nil {
		return "", domain.Unavailable("identity store unavailable")
	}
	return token, nil
}

// ValidateAccessToken verifies signature, issuer, expiry, and the jti
// revocation entry, returning the standard and custom claims.
func (m *TokenManager) ValidateAccessToken(ctx context.Context, token string) (*gojwt.Claims, *AccessClaims, error) {
	std, custom, err := m.parseAndVerify(token)
	if err != nil {
		return nil, nil, err
	}
	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: m.issuer, Time: m.now()}, 0); err != nil {
		return nil, nil, domain.Unauthorized("access token is expired or not yet valid")
	}

	raw, err := m.store.Get(ctx, jtiKeyPrefix+std.ID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil, domain.Unauthorized("access token is revoked or expired")
		}
		return nil, nil, domain.Unavailable("identity store unavailable")
	}
	var validity domain.TokenValidity
	if err := json.Unmarshal(raw, &validity); err != nil {
		return nil, nil, fmt.Errorf("decode validity: %w", err)
	}
	if !validity.Valid {
		return nil, nil, domain.Unauthorized("access token has been revoked")
	}
	return std, custom, nil
}

// RevokeAccessToken marks the token's jti invalid for its remaining
// lifetime. An unparseable or expired token is a no-op; RFC 7009 callers
// always get success.
func (m *TokenManager) RevokeAccessToken(ctx context.Context, token string) error {
	std, _, err := m.parseAndVerify(token)
	if err != nil {
		return nil
	}
	remaining := time.Duration(0)
	if std.Expiry != nil {
		remaining = std.Expiry.Time().Sub(m.now())
	}
	if remaining <= 0 {
		return nil
	}
	validity, err := json.Marshal(domain.TokenValidity{Valid: false})
	if err != nil {
		return fmt.Errorf("encode validity: %w", err)
	}
	// The blacklist entry expires with the token it blocks.
	if err := m.store.SetWithTTL(ctx, jtiKeyPrefix+std.ID, validity, remaining); err != nil {
		return domain.Unavailable("identity store unavailable")
	}
	m.logger.Info("audit", zap.String("event", "access_token.revoked"), zap.String("jti", std.ID))
	return nil
}

// RevokeRefreshToken deletes the refresh token record outright.
func (m *TokenManager) RevokeRefreshToken(ctx context.Context, token string) error {
	if _, err := m.store.Delete(ctx, refreshKeyPrefix+token); err != nil {
		return domain.Unavailable("identity store unavailable")
	}
	return nil
}

func (m *TokenManager) parseAndVerify(token string) (*gojwt.Claims, *AccessClaims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, nil, domain.Unauthorized("access token is malformed")
	}
	var std gojwt.Claims
	var custom AccessClaims
	if err := parsed.Claims(m.secret, &std, &custom); err != nil {
		return nil, nil, domain.Unauthorized("access token signature is invalid")
	}
	return &std, &custom, nil
}

// verifyPKCE checks an S256 verifier against the stored challenge.
func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func shortPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
