// Package merchant defines the backend adapter the bridge translates
// checkouts onto. Catalog, shipping rates, and order persistence live on
// the merchant side of this boundary.
package merchant

import (
	"context"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// Product is a catalog entry resolved for a line item.
type Product struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Price    int64               `json:"price"`
	Currency string              `json:"currency"`
	Type     domain.LineItemType `json:"type"`
}

// Adapter is the merchant backend contract consumed by the checkout
// service. Implementations may be live integrations or the in-process mock.
type Adapter interface {
	// GetProduct resolves a catalog product by ID.
	GetProduct(ctx context.Context, productID string) (Product, error)
	// GetShippingRates returns fulfillment options priced for the session.
	GetShippingRates(ctx context.Context, session *domain.CheckoutSession) ([]domain.FulfillmentOption, error)
	// CreateOrder persists the order for a completed checkout and returns
	// the created record.
	CreateOrder(ctx context.Context, session *domain.CheckoutSession, total int64) (domain.Order, error)
}
