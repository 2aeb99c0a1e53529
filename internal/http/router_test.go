package http_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/checkout"
	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	httptransport "github.com/agentcommerce/checkout-bridge/internal/http"
	"github.com/agentcommerce/checkout-bridge/internal/http/handler"
	"github.com/agentcommerce/checkout-bridge/internal/http/middleware"
	"github.com/agentcommerce/checkout-bridge/internal/idempotency"
	"github.com/agentcommerce/checkout-bridge/internal/identity"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
	"github.com/agentcommerce/checkout-bridge/internal/merchant"
	"github.com/agentcommerce/checkout-bridge/internal/password"
	"github.com/agentcommerce/checkout-bridge/internal/payment"
)

// memoryRegistry backs the identity service in API tests.
type memoryRegistry struct {
	clients map[string]domain.OAuthClient
	members map[string]domain.Member
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{
		clients: make(map[string]domain.OAuthClient),
		members: make(map[string]domain.Member),
	}
}

func (r *memoryRegistry) GetClient(ctx context.Context, clientID string) (domain.OAuthClient, error) {
	client, ok := r.clients[clientID]
	if !ok {
		return domain.OAuthClient{}, domain.ErrClientNotFound
	}
	return client, nil
}

func (r *memoryRegistry) CreateClient(ctx context.Context, client domain.OAuthClient) error {
	r.clients[client.ClientID] = client
	return nil
}

func (r *memoryRegistry) GetMemberByEmail(ctx context.Context, email string) (domain.Member, error) {
	for _, member := range r.members {
		if member.Email == email {
			return member, nil
		}
	}
	return domain.Member{}, domain.ErrMemberNotFound
}

func (r *memoryRegistry) GetMemberByID(ctx context.Context, memberID string) (domain.Member, error) {
	member, ok := r.members[memberID]
	if !ok {
		return domain.Member{}, domain.ErrMemberNotFound
	}
	return member, nil
}

func (r *memoryRegistry) CreateMember(ctx context.Context, member domain.Member) error {
	r.members[member.ID] = member
	return nil
}

type apiHarness struct {
	router   *gin.Engine
	registry *memoryRegistry
	cfg      config.Config
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Environment:           "test",
		ServiceName:           "checkout-bridge",
		Issuer:                "https://bridge.example.com",
		SigningSecret:         "0123456789abcdef0123456789abcdef",
		MerchantID:            "merchant-123",
		AccessTokenTTL:        time.Hour,
		RefreshTokenTTL:       24 * time.Hour,
		AuthCodeTTL:           10 * time.Minute,
		ConsentTTL:            24 * time.Hour,
		PaymentTokenTTL:       15 * time.Minute,
		PaymentHandlerMode:    config.HandlerModeIndirect,
		SessionTTL:            time.Hour,
		CompletedRetentionTTL: 10 * time.Minute,
		IdempotencyWindow:     24 * time.Hour,
	}

	kv := kvstore.NewMemoryStore()
	logger := zap.NewNop()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	tokens := identity.NewTokenManager(kv, cfg, logger)
	registry := newMemoryRegistry()
	resolver := identity.NewClientResolver(registry, cfg, logger)
	identityService := identity.NewService(resolver, registry, tokens, kv, cfg, logger)

	payments := payment.NewService(kv, payment.NewMockProvider(), cfg, logger)
	sessions := checkout.NewSessionStore(kv, cfg.SessionTTL, cfg.CompletedRetentionTTL)
	guard := idempotency.NewGuard(kv, cfg.IdempotencyWindow, logger)
	checkoutService := checkout.NewService(sessions, payments, merchant.NewMockAdapter(node), guard, cfg, logger)

	router := httptransport.NewRouter(
		cfg,
		handler.NewCheckoutHandler(checkoutService, cfg),
		handler.NewPaymentHandler(payments, cfg),
		handler.NewIdentityHandler(identityService, cfg),
		&middleware.Auth{Tokens: tokens},
		nil,
	)

	return &apiHarness{router: router, registry: registry, cfg: cfg}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) seedMember(t *testing.T) {
	t.Helper()
	hash, err := password.Hash("hunter2!")
	require.NoError(t, err)
	require.NoError(t, h.registry.CreateMember(context.Background(), domain.Member{
		ID:           "mem_1",
		Email:        "shopper@example.com",
		Name:         "Pat Shopper",
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func queryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	return parsed.Query().Get(key)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCheckoutAPIFlow(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/checkout-sessions", map[string]any{
		"currency": "USD",
		"items":    []map[string]any{{"productId": "prod_ebook", "quantity": 1}},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	session := created["session"].(map[string]any)
	checkoutID := session["id"].(string)
	require.Equal(t, "incomplete", session["status"])

	w = h.do(t, http.MethodPatch, "/checkout-sessions/"+checkoutID, map[string]any{
		"buyer": map[string]any{"email": "shopper@example.com"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode(t, w)
	require.Equal(t, "ready_for_payment", updated["session"].(map[string]any)["status"])

	w = h.do(t, http.MethodPost, "/payment/tokenize", map[string]any{
		"sourceCredential": map[string]any{"number": "4242424242424242", "expiryMonth": 12, "expiryYear": 2030, "cvc": "123"},
		"binding": map[string]any{
			"checkoutId":       checkoutID,
			"businessIdentity": map[string]any{"type": "wix_merchant_id", "value": h.cfg.MerchantID},
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := decode(t, w)["token"].(string)

	complete := func(key string) *httptest.ResponseRecorder {
		return h.do(t, http.MethodPost, "/checkout-sessions/"+checkoutID+"/complete",
			map[string]any{"paymentToken": token},
			map[string]string{"Idempotency-Key": key},
		)
	}

	w = complete("key-1")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode(t, w)
	require.Equal(t, "completed", first["status"])
	orderID := first["orderId"].(string)
	require.NotEmpty(t, orderID)

	// Retrying with the same key replays the stored order.
	w = complete("key-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, orderID, decode(t, w)["orderId"])

	// A new key finds the session already completed.
	w = complete("key-2")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "CONFLICT", decode(t, w)["code"])
}

func TestCheckoutAPIErrors(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/checkout-sessions/chk_000000000000000000000000", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", decode(t, w)["code"])

	w = h.do(t, http.MethodGet, "/checkout-sessions/garbage", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/checkout-sessions", map[string]any{"currency": "USD"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "MISSING_FIELD", decode(t, w)["code"])
}

func TestCheckoutAPIDiscountNullClears(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/checkout-sessions", map[string]any{
		"currency": "USD",
		"items":    []map[string]any{{"productId": "prod_mug", "quantity": 1}},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	checkoutID := decode(t, w)["session"].(map[string]any)["id"].(string)

	w = h.do(t, http.MethodPatch, "/checkout-sessions/"+checkoutID, map[string]any{
		"discount": map[string]any{"code": "SAVE10", "type": "percentage", "value": 10},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, decode(t, w)["session"].(map[string]any)["discount"])

	w = h.do(t, http.MethodPatch, "/checkout-sessions/"+checkoutID, map[string]any{
		"discount": nil,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, decode(t, w)["session"].(map[string]any)["discount"])
}

func TestPaymentAPISingleUse(t *testing.T) {
	h := newAPIHarness(t)

	binding := map[string]any{
		"checkoutId":       "chk_aaaaaaaaaaaaaaaaaaaaaaaa",
		"businessIdentity": map[string]any{"type": "wix_merchant_id", "value": h.cfg.MerchantID},
	}
	w := h.do(t, http.MethodPost, "/payment/tokenize", map[string]any{
		"sourceCredential": map[string]any{"number": "4242424242424242", "expiryMonth": 12, "expiryYear": 2030, "cvc": "123"},
		"binding":          binding,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := decode(t, w)["token"].(string)

	w = h.do(t, http.MethodPost, "/payment/detokenize", map[string]any{"token": token, "binding": binding}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "network_token", decode(t, w)["credential"].(map[string]any)["type"])

	w = h.do(t, http.MethodPost, "/payment/detokenize", map[string]any{"token": token, "binding": binding}, nil)
	require.Equal(t, http.StatusGone, w.Code)
	require.Equal(t, "GONE", decode(t, w)["code"])
}

func TestIdentityAPIAuthorizeAndUserInfo(t *testing.T) {
	h := newAPIHarness(t)
	h.seedMember(t)

	// The registry has no client "agent-app"; outside production the
	// resolver supplies the development client with the localhost redirect.
	verifier := "correct-horse-battery-staple-verifier"
	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {"agent-app"},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"scope":                 {"openid email"},
		"state":                 {"opaque-state-1"},
		"code_challenge":        {challengeFor(verifier)},
		"code_challenge_method": {"S256"},
		"member_email":          {"shopper@example.com"},
		"member_password":       {"hunter2!"},
	}

	w := h.do(t, http.MethodGet, "/identity/authorize?"+query.Encode(), nil, nil)
	require.Equal(t, http.StatusFound, w.Code)

	location := w.Header().Get("Location")
	require.Equal(t, "opaque-state-1", queryParam(t, location, "state"))
	code := queryParam(t, location, "code")
	require.NotEmpty(t, code)

	w = h.postForm(t, "/identity/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost:3000/callback"},
		"code_verifier": {verifier},
		"client_id":     {"agent-app"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	tokenBody := decode(t, w)
	accessToken := tokenBody["access_token"].(string)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, tokenBody["refresh_token"])

	w = h.do(t, http.MethodGet, "/identity/userinfo", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "mem_1", body["sub"])
	require.Equal(t, "shopper@example.com", body["email"])

	w = h.do(t, http.MethodGet, "/identity/userinfo", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Revoking the access token locks userinfo out.
	w = h.postForm(t, "/identity/revoke", url.Values{"token": {accessToken}})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/identity/userinfo", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityAPIAuthorizeWrongPasswordRedirects(t *testing.T) {
	h := newAPIHarness(t)
	h.seedMember(t)

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {"agent-app"},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"scope":                 {"openid"},
		"state":                 {"opaque-state-1"},
		"code_challenge":        {challengeFor("some-verifier-value-long-enough")},
		"code_challenge_method": {"S256"},
		"member_email":          {"shopper@example.com"},
		"member_password":       {"wrong"},
	}
	w := h.do(t, http.MethodGet, "/identity/authorize?"+query.Encode(), nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	require.Equal(t, "access_denied", queryParam(t, location, "error"))
	require.Equal(t, "opaque-state-1", queryParam(t, location, "state"))
}

func TestIdentityAPIAuthorizeScopeErrorRedirects(t *testing.T) {
	h := newAPIHarness(t)
	h.seedMember(t)

	// The redirect URI is registered, so a bad scope goes back to the
	// client with error, description, and state intact.
	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {"agent-app"},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"scope":                 {"openid banking"},
		"state":                 {"opaque-state-1"},
		"code_challenge":        {challengeFor("some-verifier-value-long-enough")},
		"code_challenge_method": {"S256"},
		"member_email":          {"shopper@example.com"},
		"member_password":       {"hunter2!"},
	}
	w := h.do(t, http.MethodGet, "/identity/authorize?"+query.Encode(), nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	require.Equal(t, "invalid_scope", queryParam(t, location, "error"))
	require.NotEmpty(t, queryParam(t, location, "error_description"))
	require.Equal(t, "opaque-state-1", queryParam(t, location, "state"))
}

func TestIdentityAPIAuthorizeMissingChallengeRedirects(t *testing.T) {
	h := newAPIHarness(t)
	h.seedMember(t)

	query := url.Values{
		"response_type":   {"code"},
		"client_id":       {"agent-app"},
		"redirect_uri":    {"http://localhost:3000/callback"},
		"scope":           {"openid"},
		"state":           {"opaque-state-1"},
		"member_email":    {"shopper@example.com"},
		"member_password": {"hunter2!"},
	}
	w := h.do(t, http.MethodGet, "/identity/authorize?"+query.Encode(), nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	require.Equal(t, "invalid_request", queryParam(t, location, "error"))
	require.Equal(t, "opaque-state-1", queryParam(t, location, "state"))
}

func TestIdentityAPIAuthorizeValidationIsJSON(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/identity/authorize?response_type=token", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "unsupported_response_type", decode(t, w)["error"])
}

func TestOpenIDConfiguration(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/identity/.well-known/openid-configuration", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, h.cfg.Issuer, body["issuer"])
	require.Equal(t, h.cfg.Issuer+"/identity/token", body["token_endpoint"])
	require.Contains(t, body["code_challenge_methods_supported"], "S256")
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
