// Package http wires Gin routes and middleware for the bridge.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/http/handler"
	"github.com/agentcommerce/checkout-bridge/internal/http/middleware"
)

// NewRouter wires routes and middleware.
func NewRouter(
	cfg config.Config,
	checkoutHandler *handler.CheckoutHandler,
	paymentHandler *handler.PaymentHandler,
	identityHandler *handler.IdentityHandler,
	authMiddleware *middleware.Auth,
	rateLimiter *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sessions := r.Group("/checkout-sessions")
	{
		sessions.POST("", checkoutHandler.Create)
		sessions.GET("/:id", checkoutHandler.Get)
		sessions.PATCH("/:id", checkoutHandler.Update)
		sessions.GET("/:id/fulfillment-options", checkoutHandler.FulfillmentOptions)
		sessions.POST("/:id/complete", checkoutHandler.Complete)
		sessions.POST("/:id/cancel", checkoutHandler.Cancel)
	}

	paymentGroup := r.Group("/payment")
	{
		paymentGroup.POST("/tokenize", paymentHandler.Tokenize)
		paymentGroup.POST("/detokenize", paymentHandler.Detokenize)
		paymentGroup.POST("/invalidate", paymentHandler.Invalidate)
	}

	identityGroup := r.Group("/identity")
	{
		identityGroup.GET("/authorize", identityHandler.Authorize)
		identityGroup.POST("/token", identityHandler.Token)
		identityGroup.GET("/userinfo", authMiddleware.RequireBearer, identityHandler.UserInfo)
		identityGroup.POST("/revoke", identityHandler.Revoke)
		identityGroup.GET("/.well-known/openid-configuration", identityHandler.OpenIDConfiguration)
	}

	return r
}
