// Package identity implements the OAuth2 authorization and token service:
// PKCE-protected code issuance, rotating refresh tokens, and revocable
// signed access tokens.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
	"github.com/agentcommerce/checkout-bridge/internal/password"
)

const consentKeyPrefix = "identity:consent:"

// scopeCatalog is the fixed set of scopes this deployment recognizes.
var scopeCatalog = []string{"openid", "profile", "email", "orders:read"}

// ScopeCatalog returns a copy of the recognized scope set.
func ScopeCatalog() []string {
	return append([]string(nil), scopeCatalog...)
}

// OAuthError is an RFC 6749 error surfaced by the authorize and token
// endpoints. Redirectable marks errors raised after the redirect URI was
// validated against the client registration; only those may be delivered
// back to the client via redirect.
type OAuthError struct {
	Code         string
	Description  string
	Status       int
	Redirectable bool
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// redirectableError flags an OAuth error as safe to redirect. Callers must
// only use it once redirectAllowed has accepted the request's redirect URI.
func redirectableError(err error) error {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		oauthErr.Redirectable = true
	}
	return err
}

// Service orchestrates the authorization flow and delegates token
// operations to the TokenManager.
type Service struct {
	resolver   *ClientResolver
	registry   Registry
	tokens     *TokenManager
	store      kvstore.Store
	consentTTL time.Duration
	platformID string
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewService wires dependencies.
func NewService(resolver *ClientResolver, registry Registry, tokens *TokenManager, store kvstore.Store, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		resolver:   resolver,
		registry:   registry,
		tokens:     tokens,
		store:      store,
		consentTTL: cfg.ConsentTTL,
		platformID: cfg.MerchantID,
		logger:     logger,
		tracer:     otel.Tracer("github.com/agentcommerce/checkout-bridge/internal/identity"),
		now:        time.Now,
	}
}

// AuthorizeRequest carries the query parameters of GET /identity/authorize
// plus the member credentials collected alongside.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	MemberEmail         string
	MemberPassword      string
}

// AuthorizeResult points the caller back at the client with a fresh code.
type AuthorizeResult struct {
	RedirectURI string
	Code        string
	State       string
}

// Authorize validates the request, authenticates the member, records
// consent, and issues an authorization code. Validation failures before
// the redirect URI is trusted must not redirect.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "identity.Authorize")
	defer span.End()

	if req.ResponseType != "code" {
		return nil, newOAuthError("unsupported_response_type", "Only response_type=code is supported.", 400)
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, newOAuthError("invalid_request", "client_id is required.", 400)
	}
	if len(req.State) < 8 {
		return nil, newOAuthError("invalid_request", "state must be at least 8 characters.", 400)
	}

	client, err := s.resolver.Resolve(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return nil, newOAuthError("invalid_client", "Unknown client.", 400)
		}
		span.RecordError(err)
		return nil, err
	}

	if !redirectAllowed(client, req.RedirectURI) {
		return nil, newOAuthError("invalid_request", "redirect_uri is not registered for this client.", 400)
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	if err := validateScopes(client, scopes); err != nil {
		return nil, redirectableError(err)
	}

	if client.IsPublic() {
		if req.CodeChallenge == "" {
			return nil, redirectableError(newOAuthError("invalid_request", "code_challenge is required for public clients.", 400))
		}
		if req.CodeChallengeMethod != "S256" {
			return nil, redirectableError(newOAuthError("invalid_request", "code_challenge_method must be S256.", 400))
		}
	}

	member, err := s.authenticateMember(ctx, req.MemberEmail, req.MemberPassword)
	if err != nil {
		span.RecordError(err)
		return nil, redirectableError(err)
	}

	if err := s.recordConsent(ctx, member.ID, client.ClientID, scopes); err != nil {
		span.RecordError(err)
		return nil, err
	}

	code, err := s.tokens.CreateAuthorizationCode(ctx, client.ClientID, member.ID, req.RedirectURI, scopes, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit("authorization_code.issued", "client_id", client.ClientID, "member_id", member.ID, "scope", strings.Join(scopes, " "))
	return &AuthorizeResult{RedirectURI: req.RedirectURI, Code: code, State: req.State}, nil
}

// TokenRequest carries POST /identity/token form fields.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
}

// Token dispatches the supported grants.
func (s *Service) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "identity.Token")
	defer span.End()

	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" || req.RedirectURI == "" {
			return nil, newOAuthError("invalid_request", "code and redirect_uri are required.", 400)
		}
		resp, err := s.tokens.ExchangeAuthorizationCode(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
		if err != nil {
			span.RecordError(err)
			return nil, asGrantError(err)
		}
		s.audit("token.exchanged", "client_id", req.ClientID, "grant", req.GrantType)
		return resp, nil
	case "refresh_token":
		if req.RefreshToken == "" {
			return nil, newOAuthError("invalid_request", "refresh_token is required.", 400)
		}
		resp, err := s.tokens.RedeemRefreshToken(ctx, req.RefreshToken)
		if err != nil {
			span.RecordError(err)
			return nil, asGrantError(err)
		}
		s.audit("token.refreshed", "client_id", req.ClientID)
		return resp, nil
	default:
		return nil, newOAuthError("unsupported_grant_type", "Unsupported grant type.", 400)
	}
}

// UserInfo returns scope-gated claims for a validated bearer token.
func (s *Service) UserInfo(ctx context.Context, token string) (map[string]any, error) {
	std, custom, err := s.tokens.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	member, err := s.registry.GetMemberByID(ctx, std.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrMemberNotFound) {
			return nil, domain.Unauthorized("member no longer exists")
		}
		return nil, domain.Unavailable("member registry unavailable")
	}

	scopes := strings.Fields(custom.Scope)
	claims := map[string]any{"sub": member.ID}
	for _, scope := range scopes {
		switch scope {
		case "email":
			claims["email"] = member.Email
		case "profile":
			claims["name"] = member.Name
		}
	}
	return claims, nil
}

// Revoke invalidates a token of either kind. Always succeeds per RFC 7009.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if strings.HasPrefix(token, refreshPrefix) {
		return s.tokens.RevokeRefreshToken(ctx, token)
	}
	return s.tokens.RevokeAccessToken(ctx, token)
}

func (s *Service) authenticateMember(ctx context.Context, email, pass string) (domain.Member, error) {
	if strings.TrimSpace(email) == "" || pass == "" {
		return domain.Member{}, newOAuthError("invalid_request", "Member credentials are required.", 400)
	}
	member, err := s.registry.GetMemberByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrMemberNotFound) {
			return domain.Member{}, newOAuthError("access_denied", "Wrong email or password.", 403)
		}
		return domain.Member{}, domain.Unavailable("member registry unavailable")
	}
	valid, err := password.Verify(pass, member.PasswordHash)
	if err != nil || !valid {
		return domain.Member{}, newOAuthError("access_denied", "Wrong email or password.", 403)
	}
	return member, nil
}

// recordConsent upserts the consent record keyed by member+client, merging
// newly requested scopes into any existing grant.
func (s *Service) recordConsent(ctx context.Context, memberID, clientID string, scopes []string) error {
	key := consentKeyPrefix + memberID + ":" + clientID
	record := domain.ConsentRecord{
		MemberID:   memberID,
		ClientID:   clientID,
		PlatformID: s.platformID,
		Scope:      scopes,
		GrantedAt:  s.now().UTC(),
	}

	if raw, err := s.store.Get(ctx, key); err == nil {
		var existing domain.ConsentRecord
		if err := json.Unmarshal(raw, &existing); err == nil {
			if existing.Covers(scopes) {
				return nil
			}
			record.Scope = mergeScopes(existing.Scope, scopes)
		}
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode consent: %w", err)
	}
	if err := s.store.SetWithTTL(ctx, key, payload, s.consentTTL); err != nil {
		return domain.Unavailable("identity store unavailable")
	}
	return nil
}

// Consent returns the stored consent record for member+client, if any.
func (s *Service) Consent(ctx context.Context, memberID, clientID string) (*domain.ConsentRecord, error) {
	raw, err := s.store.Get(ctx, consentKeyPrefix+memberID+":"+clientID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, domain.NotFound("no consent recorded")
		}
		return nil, domain.Unavailable("identity store unavailable")
	}
	var record domain.ConsentRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode consent: %w", err)
	}
	return &record, nil
}

func (s *Service) audit(event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.logger.Info("audit", fields...)
}

func redirectAllowed(client domain.OAuthClient, redirectURI string) bool {
	cleaned := strings.TrimSpace(redirectURI)
	if cleaned == "" {
		return false
	}
	for _, allowed := range client.RedirectURIs {
		if strings.TrimSpace(allowed) == cleaned {
			return true
		}
	}
	return false
}

func validateScopes(client domain.OAuthClient, scopes []string) error {
	catalog := make(map[string]struct{}, len(scopeCatalog))
	for _, s := range scopeCatalog {
		catalog[s] = struct{}{}
	}
	allowed := make(map[string]struct{}, len(client.AllowedScopes))
	for _, s := range client.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, scope := range scopes {
		if _, ok := catalog[scope]; !ok {
			return newOAuthError("invalid_scope", fmt.Sprintf("Scope %q is not recognized.", scope), 400)
		}
		if _, ok := allowed[scope]; !ok {
			return newOAuthError("invalid_scope", fmt.Sprintf("Scope %q is not allowed for this client.", scope), 400)
		}
	}
	return nil
}

func mergeScopes(existing, requested []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(requested))
	merged := make([]string, 0, len(existing)+len(requested))
	for _, s := range append(append([]string(nil), existing...), requested...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}

// asGrantError maps internal failures onto OAuth error codes, leaving
// transient store failures retryable.
func asGrantError(err error) error {
	if appErr, ok := domain.AsError(err); ok {
		switch appErr.Kind {
		case domain.KindUnauthorized:
			return newOAuthError("invalid_grant", appErr.Message, 400)
		case domain.KindServiceUnavailable:
			return err
		}
	}
	return err
}
