package merchant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// MockAdapter is the in-process merchant backend used for development and
// tests. Orders are held in memory.
type MockAdapter struct {
	node    *snowflake.Node
	mu      sync.Mutex
	catalog map[string]Product
	orders  map[string]domain.Order
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter seeds a small static catalog.
func NewMockAdapter(node *snowflake.Node) *MockAdapter {
	catalog := map[string]Product{
		"prod_tshirt":  {ID: "prod_tshirt", Name: "Logo T-Shirt", Price: 2500, Currency: "USD", Type: domain.LineItemPhysical},
		"prod_mug":     {ID: "prod_mug", Name: "Ceramic Mug", Price: 1500, Currency: "USD", Type: domain.LineItemPhysical},
		"prod_poster":  {ID: "prod_poster", Name: "Art Print", Price: 3500, Currency: "USD", Type: domain.LineItemPhysical},
		"prod_ebook":   {ID: "prod_ebook", Name: "Field Guide (eBook)", Price: 900, Currency: "USD", Type: domain.LineItemDigital},
		"prod_giftcrd": {ID: "prod_giftcrd", Name: "Gift Card", Price: 5000, Currency: "USD", Type: domain.LineItemDigital},
	}
	return &MockAdapter{node: node, catalog: catalog, orders: make(map[string]domain.Order)}
}

func (m *MockAdapter) GetProduct(ctx context.Context, productID string) (Product, error) {
	m.mu.Lock()
	product, ok := m.catalog[productID]
	m.mu.Unlock()
	if !ok {
		return Product{}, domain.NotFound(fmt.Sprintf("product %s not found", productID))
	}
	return product, nil
}

func (m *MockAdapter) GetShippingRates(ctx context.Context, session *domain.CheckoutSession) ([]domain.FulfillmentOption, error) {
	if !session.RequiresShipping() {
		return nil, nil
	}
	return []domain.FulfillmentOption{
		{ID: "ship_standard", Label: "Standard Shipping", Price: 599, ETADays: 5},
		{ID: "ship_express", Label: "Express Shipping", Price: 1499, ETADays: 1},
	}, nil
}

func (m *MockAdapter) CreateOrder(ctx context.Context, session *domain.CheckoutSession, total int64) (domain.Order, error) {
	id := m.node.Generate()
	order := domain.Order{
		ID:                 "ord_" + id.String(),
		CheckoutID:         session.ID,
		ConfirmationNumber: fmt.Sprintf("CNF-%s", id.Base36()),
		Total:              total,
		Currency:           session.Currency,
		CreatedAt:          time.Now().UTC(),
	}
	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()
	return order, nil
}

// Order returns a previously created order. Test helper.
func (m *MockAdapter) Order(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	return order, ok
}

// OrderCount reports how many orders were created. Test helper.
func (m *MockAdapter) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}
