package checkout

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/idempotency"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
	"github.com/agentcommerce/checkout-bridge/internal/merchant"
	"github.com/agentcommerce/checkout-bridge/internal/payment"
)

type serviceHarness struct {
	service  *Service
	payments *payment.Service
	backend  *merchant.MockAdapter
	cfg      config.Config
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()

	cfg := config.Config{
		MerchantID:         "merchant-123",
		PaymentTokenTTL:    15 * time.Minute,
		PaymentHandlerMode: config.HandlerModeIndirect,
	}

	kv := kvstore.NewMemoryStore()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logger := zap.NewNop()
	payments := payment.NewService(kv, payment.NewMockProvider(), cfg, logger)
	backend := merchant.NewMockAdapter(node)
	sessions := NewSessionStore(kv, time.Hour, 10*time.Minute)
	guard := idempotency.NewGuard(kv, 24*time.Hour, logger)

	return &serviceHarness{
		service:  NewService(sessions, payments, backend, guard, cfg, logger),
		payments: payments,
		backend:  backend,
		cfg:      cfg,
	}
}

func (h *serviceHarness) binding(checkoutID string) domain.TokenBinding {
	return domain.TokenBinding{
		CheckoutID:       checkoutID,
		BusinessIdentity: domain.BusinessIdentity{Type: "wix_merchant_id", Value: h.cfg.MerchantID},
	}
}

func (h *serviceHarness) tokenize(t *testing.T, checkoutID string) string {
	t.Helper()
	result, err := h.payments.Tokenize(context.Background(), domain.CardCredential{
		Number:      "4242424242424242",
		ExpiryMonth: 12,
		ExpiryYear:  2030,
		CVC:         "123",
	}, h.binding(checkoutID))
	require.NoError(t, err)
	return result.Token
}

func TestServiceCreateResolvesCatalog(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items: []CreateItem{
			{ProductID: "prod_tshirt", Quantity: 2},
			{ProductID: "prod_mug", Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, view.Session.LineItems, 2)
	require.Equal(t, int64(6500), view.Session.Subtotal())
	require.Equal(t, domain.StatusIncomplete, view.Session.Status)
	require.Equal(t, domain.TotalSubtotal, view.Totals[0].Type)
	require.Equal(t, int64(6500), view.Totals[0].Amount)
}

func TestServiceCreateUnknownProduct(t *testing.T) {
	h := newServiceHarness(t)
	_, err := h.service.Create(context.Background(), CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_nope", Quantity: 1}},
	})
	require.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestServiceCreateRejectsBadQuantity(t *testing.T) {
	h := newServiceHarness(t)
	_, err := h.service.Create(context.Background(), CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_tshirt", Quantity: 0}},
	})
	require.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = h.service.Create(context.Background(), CreateRequest{Currency: "USD"})
	require.True(t, domain.IsKind(err, domain.KindMissingField))
}

func TestServiceUpdateReportsMissingFields(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_tshirt", Quantity: 1}},
	})
	require.NoError(t, err)

	_, missing, err := h.service.Update(ctx, view.Session.ID, Patch{Buyer: &domain.Buyer{Email: "shopper@example.com"}})
	require.NoError(t, err)
	require.Equal(t, []string{"fulfillment.selectedId", "shippingAddress"}, missing)
}

func TestServiceFulfillmentOptions(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	physical, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_tshirt", Quantity: 1}},
	})
	require.NoError(t, err)

	options, err := h.service.FulfillmentOptions(ctx, physical.Session.ID)
	require.NoError(t, err)
	require.Len(t, options, 2)
	require.Equal(t, "ship_standard", options[0].ID)

	digital, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_ebook", Quantity: 1}},
	})
	require.NoError(t, err)

	options, err = h.service.FulfillmentOptions(ctx, digital.Session.ID)
	require.NoError(t, err)
	require.Empty(t, options)
}

func TestServiceCompleteIsIdempotent(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_ebook", Quantity: 1}},
		Buyer:    &domain.Buyer{Email: "shopper@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusReadyForPayment, view.Session.Status)

	token := h.tokenize(t, view.Session.ID)

	first, err := h.service.Complete(ctx, view.Session.ID, token, "key-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, first.Status)
	require.NotEmpty(t, first.OrderID)
	require.NotEmpty(t, first.ConfirmationNumber)
	require.Equal(t, int64(900), first.Total)

	// The session records the provider's credential reference, not the
	// spent token ID.
	completed, err := h.service.Get(ctx, view.Session.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(completed.Session.PaymentTransactionID, "cref_"))
	require.NotEqual(t, token, completed.Session.PaymentTransactionID)

	// Same idempotency key replays the stored outcome without a second order.
	second, err := h.service.Complete(ctx, view.Session.ID, token, "key-1")
	require.NoError(t, err)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, first.ConfirmationNumber, second.ConfirmationNumber)
	require.Equal(t, 1, h.backend.OrderCount())

	// A fresh key re-executes and finds the session already completed.
	_, err = h.service.Complete(ctx, view.Session.ID, token, "key-2")
	require.True(t, domain.IsKind(err, domain.KindConflict))
	require.Equal(t, 1, h.backend.OrderCount())
}

func TestServiceCompleteRequiresIdempotencyKey(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_ebook", Quantity: 1}},
		Buyer:    &domain.Buyer{Email: "shopper@example.com"},
	})
	require.NoError(t, err)

	_, err = h.service.Complete(ctx, view.Session.ID, h.tokenize(t, view.Session.ID), "")
	require.True(t, domain.IsKind(err, domain.KindMissingField))

	_, err = h.service.Complete(ctx, view.Session.ID, "", "key-1")
	require.True(t, domain.IsKind(err, domain.KindMissingField))
}

func TestServiceCompleteRejectsForeignTokenBinding(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_ebook", Quantity: 1}},
		Buyer:    &domain.Buyer{Email: "shopper@example.com"},
	})
	require.NoError(t, err)

	// Token bound to a different checkout must not complete this one.
	foreign := h.tokenize(t, "chk_ffffffffffffffffffffffff")
	_, err = h.service.Complete(ctx, view.Session.ID, foreign, "key-1")
	require.True(t, domain.IsKind(err, domain.KindForbidden))
	require.Equal(t, 0, h.backend.OrderCount())
}

func TestServiceCompleteNotReady(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_tshirt", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = h.service.Complete(ctx, view.Session.ID, h.tokenize(t, view.Session.ID), "key-1")
	require.True(t, domain.IsKind(err, domain.KindMissingField))
	appErr, ok := domain.AsError(err)
	require.True(t, ok)
	names := make([]string, 0, len(appErr.Fields))
	for _, f := range appErr.Fields {
		names = append(names, f.Field)
	}
	require.Contains(t, names, "buyer.email")
}

func TestServiceCancelInvalidatesToken(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	view, err := h.service.Create(ctx, CreateRequest{
		Currency: "USD",
		Items:    []CreateItem{{ProductID: "prod_ebook", Quantity: 1}},
		Buyer:    &domain.Buyer{Email: "shopper@example.com"},
	})
	require.NoError(t, err)
	token := h.tokenize(t, view.Session.ID)

	cancelled, err := h.service.Cancel(ctx, view.Session.ID, token)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Session.Status)

	// The token is gone; a later redemption attempt cannot find it.
	_, err = h.payments.Detokenize(ctx, token, h.binding(view.Session.ID))
	require.True(t, domain.IsKind(err, domain.KindNotFound))
}
