package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/identity"
)

// respondError maps service failures onto the wire error shape. Internal
// detail is redacted outside development.
func respondError(c *gin.Context, err error, production bool) {
	if oauthErr, ok := err.(*identity.OAuthError); ok {
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}
	if appErr, ok := domain.AsError(err); ok {
		body := gin.H{
			"code":      string(appErr.Kind),
			"message":   appErr.Message,
			"retryable": appErr.Retryable,
		}
		if len(appErr.Fields) > 0 {
			body["fields"] = appErr.Fields
		}
		if appErr.RetryAfter > 0 {
			body["retryAfter"] = appErr.RetryAfter
		}
		c.JSON(appErr.Status(), body)
		return
	}

	message := "internal server error"
	if !production {
		message = err.Error()
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":      "INTERNAL",
		"message":   message,
		"retryable": false,
	})
}
