package checkout

import (
	"fmt"
	"time"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// transitions is the authoritative (state, event) -> state table. CANCEL and
// EXPIRED from any non-terminal state are handled in Transition directly.
var transitions = map[domain.CheckoutStatus]map[domain.CheckoutEvent]domain.CheckoutStatus{
	domain.StatusIncomplete: {
		domain.EventAllInfoProvided: domain.StatusReadyForPayment,
	},
	domain.StatusReadyForPayment: {
		domain.EventPaymentSubmitted: domain.StatusReadyForComplete,
		domain.EventActionRequired:   domain.StatusRequiresAction,
	},
	domain.StatusReadyForComplete: {
		domain.EventActionRequired: domain.StatusRequiresAction,
		domain.EventCompleteCalled: domain.StatusCompleted,
	},
	domain.StatusRequiresAction: {
		domain.EventActionCompleted: domain.StatusReadyForComplete,
	},
}

// Transition returns the next status for the given event, or an error when
// the pair is not in the table. The input status is never mutated; terminal
// states reject every event.
func Transition(status domain.CheckoutStatus, event domain.CheckoutEvent) (domain.CheckoutStatus, error) {
	if status.IsTerminal() {
		return status, domain.Conflict(fmt.Sprintf("invalid transition: %s is terminal", status))
	}
	switch event {
	case domain.EventCancelCalled:
		return domain.StatusCancelled, nil
	case domain.EventExpired:
		return domain.StatusExpired, nil
	}
	if next, ok := transitions[status][event]; ok {
		return next, nil
	}
	return status, domain.Conflict(fmt.Sprintf("invalid transition: %s does not accept %s", status, event))
}

// IsReadyForPayment checks buyer, line items, and fulfillment requirements.
// The second return value lists missing fields in reporting order; it is
// used for actionable validation errors, not branching.
func IsReadyForPayment(session *domain.CheckoutSession) (bool, []string) {
	var missing []string
	if session.Buyer == nil || session.Buyer.Email == "" {
		missing = append(missing, "buyer.email")
	}
	if len(session.LineItems) == 0 {
		missing = append(missing, "lineItems")
	}
	if session.RequiresShipping() {
		if session.SelectedFulfillmentID == "" {
			missing = append(missing, "fulfillment.selectedId")
		}
		if session.ShippingAddress == nil {
			missing = append(missing, "shippingAddress")
		}
	}
	return len(missing) == 0, missing
}

// DetermineStatus derives the current status from session fields. Terminal
// statuses are sticky. The expiry comparison here is mandatory even though
// the backing store also evicts by TTL; the two must agree on reads that
// race eviction.
func DetermineStatus(session *domain.CheckoutSession, now time.Time) domain.CheckoutStatus {
	if session.Status.IsTerminal() {
		return session.Status
	}
	if now.After(session.ExpiresAt) {
		return domain.StatusExpired
	}
	if session.Status == domain.StatusRequiresAction {
		return domain.StatusRequiresAction
	}
	if ready, _ := IsReadyForPayment(session); ready {
		if session.PaymentTransactionID != "" {
			return domain.StatusReadyForComplete
		}
		return domain.StatusReadyForPayment
	}
	return domain.StatusIncomplete
}

// IsModifiable reports whether field updates are allowed in this status.
func IsModifiable(status domain.CheckoutStatus) bool {
	return status == domain.StatusIncomplete || status == domain.StatusReadyForPayment
}
