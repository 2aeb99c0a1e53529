package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/agentcommerce/checkout-bridge/internal/identity"
)

const (
	stdClaimsKey    = "stdClaims"
	accessClaimsKey = "accessClaims"
	bearerTokenKey  = "bearerToken"
)

// Auth validates Authorization headers and attaches token claims.
type Auth struct {
	Tokens *identity.TokenManager
}

// RequireBearer ensures the request carries a valid, unrevoked access token.
func (m *Auth) RequireBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	std, custom, err := m.Tokens.ValidateAccessToken(c.Request.Context(), parts[1])
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid access token."})
		return
	}
	c.Set(stdClaimsKey, std)
	c.Set(accessClaimsKey, custom)
	c.Set(bearerTokenKey, parts[1])
	c.Next()
}

// GetStdClaims returns the standard JWT claims attached by RequireBearer.
func GetStdClaims(c *gin.Context) (*gojwt.Claims, bool) {
	value, ok := c.Get(stdClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*gojwt.Claims)
	return claims, ok
}

// GetAccessClaims returns the custom access token claims.
func GetAccessClaims(c *gin.Context) (*identity.AccessClaims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*identity.AccessClaims)
	return claims, ok
}

// GetBearerToken returns the raw validated bearer token.
func GetBearerToken(c *gin.Context) (string, bool) {
	value, ok := c.Get(bearerTokenKey)
	if !ok {
		return "", false
	}
	token, ok := value.(string)
	return token, ok
}
