package domain

import "time"

// CheckoutStatus enumerates the checkout session lifecycle.
type CheckoutStatus string

const (
	StatusIncomplete       CheckoutStatus = "incomplete"
	StatusReadyForPayment  CheckoutStatus = "ready_for_payment"
	StatusReadyForComplete CheckoutStatus = "ready_for_complete"
	StatusRequiresAction   CheckoutStatus = "requires_action"
	StatusCompleted        CheckoutStatus = "completed"
	StatusCancelled        CheckoutStatus = "cancelled"
	StatusExpired          CheckoutStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions.
func (s CheckoutStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CheckoutEvent enumerates state machine inputs.
type CheckoutEvent string

const (
	EventBuyerInfoAdded   CheckoutEvent = "BUYER_INFO_ADDED"
	EventShippingSelected CheckoutEvent = "SHIPPING_SELECTED"
	EventAllInfoProvided  CheckoutEvent = "ALL_INFO_PROVIDED"
	EventPaymentSubmitted CheckoutEvent = "PAYMENT_SUBMITTED"
	EventActionRequired   CheckoutEvent = "ACTION_REQUIRED"
	EventActionCompleted  CheckoutEvent = "ACTION_COMPLETED"
	EventCompleteCalled   CheckoutEvent = "COMPLETE_CALLED"
	EventCancelCalled     CheckoutEvent = "CANCEL_CALLED"
	EventExpired          CheckoutEvent = "EXPIRED"
)

// LineItemType distinguishes items that need fulfillment from digital goods.
type LineItemType string

const (
	LineItemPhysical LineItemType = "physical"
	LineItemDigital  LineItemType = "digital"
)

// LineItem is a priced entry in a checkout session. Prices are integer
// minor currency units.
type LineItem struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Quantity  int64        `json:"quantity"`
	UnitPrice int64        `json:"unitPrice"`
	Type      LineItemType `json:"type"`
}

// Subtotal returns quantity times unit price.
func (li LineItem) Subtotal() int64 {
	return li.Quantity * li.UnitPrice
}

// Buyer identifies the purchasing party. Email is required once present.
type Buyer struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Address is a postal address for shipping or billing.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Discount applies either a percentage or a fixed amount off the subtotal.
type Discount struct {
	Code  string `json:"code"`
	Type  string `json:"type"` // "percentage" | "fixed"
	Value int64  `json:"value"`
}

// FulfillmentOption is a priced shipping choice offered for a session.
type FulfillmentOption struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Price   int64  `json:"price"`
	ETADays int    `json:"etaDays,omitempty"`
}

// CheckoutSession is one checkout attempt, persisted in the ephemeral store.
type CheckoutSession struct {
	ID                    string             `json:"id"`
	Status                CheckoutStatus     `json:"status"`
	Currency              string             `json:"currency"`
	Buyer                 *Buyer             `json:"buyer,omitempty"`
	LineItems             []LineItem         `json:"lineItems"`
	SelectedFulfillmentID string             `json:"selectedFulfillmentId,omitempty"`
	SelectedFulfillment   *FulfillmentOption `json:"selectedFulfillment,omitempty"`
	ShippingAddress       *Address           `json:"shippingAddress,omitempty"`
	BillingAddress        *Address           `json:"billingAddress,omitempty"`
	Discount              *Discount          `json:"discount,omitempty"`
	TaxRate               float64            `json:"taxRate"`
	PaymentTransactionID  string             `json:"paymentTransactionId,omitempty"`
	OrderID               string             `json:"orderId,omitempty"`
	ConfirmationNumber    string             `json:"confirmationNumber,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
	ExpiresAt             time.Time          `json:"expiresAt"`
}

// Subtotal sums line item subtotals.
func (s *CheckoutSession) Subtotal() int64 {
	var total int64
	for _, li := range s.LineItems {
		total += li.Subtotal()
	}
	return total
}

// RequiresShipping reports whether any line item needs physical fulfillment.
func (s *CheckoutSession) RequiresShipping() bool {
	for _, li := range s.LineItems {
		if li.Type != LineItemDigital {
			return true
		}
	}
	return false
}

// TotalType labels an entry in the ordered totals breakdown.
type TotalType string

const (
	TotalSubtotal TotalType = "SUBTOTAL"
	TotalDiscount TotalType = "DISCOUNT"
	TotalShipping TotalType = "SHIPPING"
	TotalTax      TotalType = "TAX"
	TotalTotal    TotalType = "TOTAL"
)

// TotalLine is one row of the client-facing totals breakdown.
type TotalLine struct {
	Type   TotalType `json:"type"`
	Amount int64     `json:"amount"`
}

// Order is the persisted outcome of a completed checkout.
type Order struct {
	ID                 string    `json:"id"`
	CheckoutID         string    `json:"checkoutId"`
	ConfirmationNumber string    `json:"confirmationNumber"`
	Total              int64     `json:"total"`
	Currency           string    `json:"currency"`
	CreatedAt          time.Time `json:"createdAt"`
}
