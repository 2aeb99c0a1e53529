package handler

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/http/middleware"
	"github.com/agentcommerce/checkout-bridge/internal/identity"
)

// IdentityHandler serves the OAuth endpoints.
type IdentityHandler struct {
	Service *identity.Service
	Cfg     config.Config
}

// NewIdentityHandler creates the handler.
func NewIdentityHandler(service *identity.Service, cfg config.Config) *IdentityHandler {
	return &IdentityHandler{Service: service, Cfg: cfg}
}

// Authorize handles GET /identity/authorize. Errors redirect back to the
// client with error/error_description/state when the redirect URI has been
// validated; earlier failures answer JSON 400.
func (h *IdentityHandler) Authorize(c *gin.Context) {
	req := identity.AuthorizeRequest{
		ResponseType:        c.Query("response_type"),
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		Scope:               c.Query("scope"),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
		MemberEmail:         c.Query("member_email"),
		MemberPassword:      c.Query("member_password"),
	}

	result, err := h.Service.Authorize(c.Request.Context(), req)
	if err != nil {
		if oauthErr, ok := err.(*identity.OAuthError); ok {
			// Failures after redirect_uri validation go back to the
			// client; anything earlier must not redirect.
			if oauthErr.Redirectable && req.RedirectURI != "" {
				redirectWithParams(c, req.RedirectURI, url.Values{
					"error":             {oauthErr.Code},
					"error_description": {oauthErr.Description},
					"state":             {req.State},
				})
				return
			}
			c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
			return
		}
		respondError(c, err, h.Cfg.IsProduction())
		return
	}

	redirectWithParams(c, result.RedirectURI, url.Values{
		"code":  {result.Code},
		"state": {result.State},
	})
}

// Token handles POST /identity/token.
func (h *IdentityHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		Code         string `form:"code"`
		RedirectURI  string `form:"redirect_uri"`
		CodeVerifier string `form:"code_verifier"`
		RefreshToken string `form:"refresh_token"`
		ClientID     string `form:"client_id"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid token request."})
		return
	}

	resp, err := h.Service.Token(c.Request.Context(), identity.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
	})
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UserInfo handles GET /identity/userinfo behind bearer auth.
func (h *IdentityHandler) UserInfo(c *gin.Context) {
	token, ok := middleware.GetBearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	claims, err := h.Service.UserInfo(c.Request.Context(), token)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, claims)
}

// Revoke handles POST /identity/revoke. Always 200 per RFC 7009.
func (h *IdentityHandler) Revoke(c *gin.Context) {
	var req struct {
		Token string `form:"token"`
	}
	_ = c.ShouldBind(&req)
	if req.Token != "" {
		_ = h.Service.Revoke(c.Request.Context(), req.Token)
	}
	c.Status(http.StatusOK)
}

// OpenIDConfiguration serves the static discovery document.
func (h *IdentityHandler) OpenIDConfiguration(c *gin.Context) {
	issuer := h.Cfg.Issuer
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/identity/authorize",
		"token_endpoint":                        issuer + "/identity/token",
		"userinfo_endpoint":                     issuer + "/identity/userinfo",
		"revocation_endpoint":                   issuer + "/identity/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"HS256"},
		"scopes_supported":                      identity.ScopeCatalog(),
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "none"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func redirectWithParams(c *gin.Context, redirectURI string, params url.Values) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "redirect_uri is malformed."})
		return
	}
	query := target.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	target.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, target.String())
}
