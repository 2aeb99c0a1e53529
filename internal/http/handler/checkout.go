package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentcommerce/checkout-bridge/internal/checkout"
	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// CheckoutHandler serves the agent-facing Checkout API.
type CheckoutHandler struct {
	Service *checkout.Service
	Cfg     config.Config
}

// NewCheckoutHandler creates the handler.
func NewCheckoutHandler(service *checkout.Service, cfg config.Config) *CheckoutHandler {
	return &CheckoutHandler{Service: service, Cfg: cfg}
}

// Create opens a new checkout session.
func (h *CheckoutHandler) Create(c *gin.Context) {
	var req checkout.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.InvalidRequest("invalid checkout creation payload"), h.Cfg.IsProduction())
		return
	}
	view, err := h.Service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Get returns a session with fresh status and totals.
func (h *CheckoutHandler) Get(c *gin.Context) {
	view, err := h.Service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, view)
}

// updateRequest distinguishes omitted fields from explicit values; a JSON
// null discountCode clears the discount.
type updateRequest struct {
	Buyer               *domain.Buyer             `json:"buyer"`
	LineItems           *[]domain.LineItem        `json:"lineItems"`
	SelectedFulfillment *domain.FulfillmentOption `json:"selectedFulfillment"`
	ShippingAddress     *domain.Address           `json:"shippingAddress"`
	BillingAddress      *domain.Address           `json:"billingAddress"`
	Discount            *domain.Discount          `json:"discount"`
}

// Update patches a modifiable session.
func (h *CheckoutHandler) Update(c *gin.Context) {
	raw := map[string]any{}
	if err := c.ShouldBindBodyWithJSON(&raw); err != nil {
		respondError(c, domain.InvalidRequest("invalid checkout update payload"), h.Cfg.IsProduction())
		return
	}
	var req updateRequest
	if err := c.ShouldBindBodyWithJSON(&req); err != nil {
		respondError(c, domain.InvalidRequest("invalid checkout update payload"), h.Cfg.IsProduction())
		return
	}

	patch := checkout.Patch{
		Buyer:               req.Buyer,
		LineItems:           req.LineItems,
		SelectedFulfillment: req.SelectedFulfillment,
		ShippingAddress:     req.ShippingAddress,
		BillingAddress:      req.BillingAddress,
		Discount:            req.Discount,
	}
	if value, present := raw["discount"]; present && value == nil {
		patch.ClearDiscount = true
	}

	view, missing, err := h.Service.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	body := gin.H{"session": view.Session, "totals": view.Totals}
	if len(missing) > 0 {
		body["missingFields"] = missing
	}
	c.JSON(http.StatusOK, body)
}

// FulfillmentOptions lists priced shipping choices.
func (h *CheckoutHandler) FulfillmentOptions(c *gin.Context) {
	options, err := h.Service.FulfillmentOptions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, gin.H{"fulfillmentOptions": options})
}

type completeRequest struct {
	PaymentToken string `json:"paymentToken"`
}

// Complete performs idempotent checkout completion. The idempotency key
// comes from the Idempotency-Key header.
func (h *CheckoutHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.InvalidRequest("invalid completion payload"), h.Cfg.IsProduction())
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	result, err := h.Service.Complete(c.Request.Context(), c.Param("id"), req.PaymentToken, key)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	PaymentToken string `json:"paymentToken"`
}

// Cancel moves a session to cancelled.
func (h *CheckoutHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	view, err := h.Service.Cancel(c.Request.Context(), c.Param("id"), req.PaymentToken)
	if err != nil {
		respondError(c, err, h.Cfg.IsProduction())
		return
	}
	c.JSON(http.StatusOK, view)
}
