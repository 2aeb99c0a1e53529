package checkout

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/idempotency"
	"github.com/agentcommerce/checkout-bridge/internal/merchant"
	"github.com/agentcommerce/checkout-bridge/internal/payment"
)

// Service orchestrates the checkout lifecycle against the session store,
// the payment service, and the merchant backend.
type Service struct {
	sessions *SessionStore
	payments *payment.Service
	backend  merchant.Adapter
	guard    *idempotency.Guard
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService wires dependencies.
func NewService(sessions *SessionStore, payments *payment.Service, backend merchant.Adapter, guard *idempotency.Guard, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		sessions: sessions,
		payments: payments,
		backend:  backend,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/agentcommerce/checkout-bridge/internal/checkout"),
	}
}

// CreateItem references a catalog product at creation time.
type CreateItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// CreateRequest carries checkout creation inputs.
type CreateRequest struct {
	Currency string        `json:"currency"`
	Items    []CreateItem  `json:"items"`
	Buyer    *domain.Buyer `json:"buyer,omitempty"`
	TaxRate  float64       `json:"taxRate"`
}

// SessionView is a session plus its recomputed totals breakdown.
type SessionView struct {
	Session *domain.CheckoutSession `json:"session"`
	Totals  []domain.TotalLine      `json:"totals"`
}

// Create resolves catalog products into line items and opens a session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Create")
	defer span.End()

	if len(req.Items) == 0 {
		return nil, domain.MissingFields("at least one item is required", "items")
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, domain.InvalidRequest(fmt.Sprintf("quantity for %s must be positive", item.ProductID))
		}
		product, err := s.backend.GetProduct(ctx, item.ProductID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		items = append(items, domain.LineItem{
			ID:        product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
			Type:      product.Type,
		})
	}

	session, err := s.sessions.Create(ctx, CreateParams{
		Currency:  req.Currency,
		LineItems: items,
		Buyer:     req.Buyer,
		TaxRate:   req.TaxRate,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit("checkout.created", "checkout_id", session.ID, "currency", session.Currency)
	return s.view(session), nil
}

// Get returns the session with lazily evaluated status and fresh totals.
func (s *Service) Get(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(session), nil
}

// Update applies a patch and reports missing readiness fields when the
// session remains incomplete.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*SessionView, []string, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Update")
	defer span.End()

	session, err := s.sessions.Update(ctx, id, patch)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	_, missing := IsReadyForPayment(session)
	return s.view(session), missing, nil
}

// FulfillmentOptions delegates rate lookup to the merchant backend.
func (s *Service) FulfillmentOptions(ctx context.Context, id string) ([]domain.FulfillmentOption, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	options, err := s.backend.GetShippingRates(ctx, session)
	if err != nil {
		return nil, domain.Unprocessable("shipping rates unavailable")
	}
	return options, nil
}

// CompleteResult is the terminal outcome of a checkout.
type CompleteResult struct {
	CheckoutID         string                `json:"checkoutId"`
	OrderID            string                `json:"orderId"`
	ConfirmationNumber string                `json:"confirmationNumber"`
	Status             domain.CheckoutStatus `json:"status"`
	Total              int64                 `json:"total"`
}

// Complete performs the at-most-once completion: the idempotency guard
// admits one execution per (checkoutId, key); inside it the payment token
// is redeemed (single-use, binding-checked), the order is created on the
// merchant backend, and the session transitions to completed.
func (s *Service) Complete(ctx context.Context, id, paymentToken, idempotencyKey string) (*CompleteResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Complete")
	defer span.End()

	if paymentToken == "" {
		return nil, domain.MissingFields("payment token is required", "paymentToken")
	}

	var result CompleteResult
	err := s.guard.Run(ctx, "checkout:complete:"+id, idempotencyKey, &result, func(ctx context.Context) (any, error) {
		return s.completeOnce(ctx, id, paymentToken)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &result, nil
}

func (s *Service) completeOnce(ctx context.Context, id, paymentToken string) (*CompleteResult, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case domain.StatusReadyForPayment, domain.StatusReadyForComplete:
	case domain.StatusExpired:
		return nil, domain.Gone("checkout session has expired")
	default:
		if _, missing := IsReadyForPayment(session); len(missing) > 0 {
			return nil, domain.MissingFields("checkout is not ready for completion", missing...)
		}
		return nil, domain.Conflict(fmt.Sprintf("checkout session in status %s cannot be completed", session.Status))
	}

	binding := domain.TokenBinding{
		CheckoutID: session.ID,
		BusinessIdentity: domain.BusinessIdentity{
			Type:  "wix_merchant_id",
			Value: s.cfg.MerchantID,
		},
	}
	redemption, err := s.payments.Detokenize(ctx, paymentToken, binding)
	if err != nil {
		return nil, err
	}

	// Record the provider-level reference, not the spent token ID.
	session, err = s.sessions.SetPaymentTransaction(ctx, session.ID, redemption.Reference)
	if err != nil {
		return nil, err
	}

	shipping := int64(0)
	if session.SelectedFulfillment != nil {
		shipping = session.SelectedFulfillment.Price
	}
	totals := ComputeTotals(session.LineItems, shipping, session.Discount, session.TaxRate)

	order, err := s.backend.CreateOrder(ctx, session, totals.Total)
	if err != nil {
		return nil, domain.Unprocessable("order creation failed")
	}

	session, err = s.sessions.Complete(ctx, session.ID, order.ID, order.ConfirmationNumber)
	if err != nil {
		return nil, err
	}

	s.audit("checkout.completed",
		"checkout_id", session.ID,
		"order_id", order.ID,
		"credential_type", redemption.Credential.Type,
		"total", totals.Total,
	)
	return &CompleteResult{
		CheckoutID:         session.ID,
		OrderID:            order.ID,
		ConfirmationNumber: order.ConfirmationNumber,
		Status:             session.Status,
		Total:              totals.Total,
	}, nil
}

// Cancel transitions the session to cancelled and invalidates the bound
// payment token when one was supplied.
func (s *Service) Cancel(ctx context.Context, id, paymentToken string) (*SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Cancel")
	defer span.End()

	session, err := s.sessions.Cancel(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if paymentToken != "" {
		if _, err := s.payments.InvalidateToken(ctx, id, paymentToken); err != nil {
			s.logger.Warn("invalidate payment token on cancel", zap.String("checkout_id", id), zap.Error(err))
		}
	}
	s.audit("checkout.cancelled", "checkout_id", session.ID)
	return s.view(session), nil
}

func (s *Service) view(session *domain.CheckoutSession) *SessionView {
	shipping := int64(0)
	if session.SelectedFulfillment != nil {
		shipping = session.SelectedFulfillment.Price
	}
	totals := ComputeTotals(session.LineItems, shipping, session.Discount, session.TaxRate)
	return &SessionView{Session: session, Totals: TotalsLines(totals)}
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
