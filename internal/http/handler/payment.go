package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/payment"
)

// PaymentHandler serves the payment handler API.
type PaymentHandler struct {
	Service *payment.Service
	Cfg     config.Config
}

// NewPaymentHandler creates the handler.
func NewPaymentHandler(service *payment.Service, cfg config.Config) *PaymentHandler {
	return &PaymentHandler{Service: service, Cfg: cfg}
}

type tokenizeRequest struct {
	SourceCredential domain.CardCredential `json:"sourceCredential"`
	Binding          domain.TokenBinding   `json:"binding"`
}

// Tokenize issues a single-use checkout-bound payment token.
func (h *PaymentHandler) Tokenize(c *gin.Context) {
	var req tokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.InvalidRequest("invalid tokenize payload"), h.Cfg.IsProduction())
		return
	}
	result, err := h.Service.Tokenize(c.Request.Context(), req.SourceCredential, req.Binding)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, result)
}

type detokenizeRequest struct {
	Token   string              `json:"token"`
	Binding domain.TokenBinding `json:"binding"`
}

// Detokenize redeems a token exactly once.
func (h *PaymentHandler) Detokenize(c *gin.Context) {
	var req detokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.InvalidRequest("invalid detokenize payload"), h.Cfg.IsProduction())
		return
	}
	result, err := h.Service.Detokenize(c.Request.Context(), req.Token, req.Binding)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, result)
}

type invalidateRequest struct {
	CheckoutID string `json:"checkoutId"`
	Token      string `json:"token"`
}

// Invalidate deletes a token for explicit cleanup.
func (h *PaymentHandler) Invalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.InvalidRequest("invalid invalidate payload"), h.Cfg.IsProduction())
		return
	}
	existed, err := h.Service.InvalidateToken(c.Request.Context(), req.CheckoutID, req.Token)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": existed})
}
