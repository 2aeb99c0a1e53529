package checkout

import (
	"math"

	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// Totals is the computed price breakdown, all values in minor units.
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

// ComputeTotals deterministically recomputes order totals. A percentage
// discount is rounded half-up at the cent; a fixed discount is capped at
// the subtotal. Tax applies to subtotal - discount + shipping. Total is
// clamped to zero.
func ComputeTotals(items []domain.LineItem, shipping int64, discount *domain.Discount, taxRate float64) Totals {
	var subtotal int64
	for _, item := range items {
		subtotal += item.Subtotal()
	}

	var discountAmount int64
	if discount != nil {
		switch discount.Type {
		case "percentage":
			discountAmount = roundHalfUp(float64(subtotal) * float64(discount.Value) / 100.0)
		case "fixed":
			discountAmount = discount.Value
		}
		if discountAmount > subtotal {
			discountAmount = subtotal
		}
		if discountAmount < 0 {
			discountAmount = 0
		}
	}

	taxable := subtotal - discountAmount + shipping
	var tax int64
	if taxRate > 0 && taxable > 0 {
		tax = roundHalfUp(float64(taxable) * taxRate)
	}

	total := subtotal - discountAmount + shipping + tax
	if total < 0 {
		total = 0
	}

	return Totals{
		Subtotal: subtotal,
		Discount: discountAmount,
		Shipping: shipping,
		Tax:      tax,
		Total:    total,
	}
}

// TotalsLines translates totals into the ordered client-facing breakdown.
// SUBTOTAL and TOTAL always appear; zero-valued DISCOUNT, SHIPPING, and TAX
// lines are omitted. DISCOUNT is reported as a negative amount.
func TotalsLines(t Totals) []domain.TotalLine {
	lines := []domain.TotalLine{{Type: domain.TotalSubtotal, Amount: t.Subtotal}}
	if t.Discount != 0 {
		lines = append(lines, domain.TotalLine{Type: domain.TotalDiscount, Amount: -t.Discount})
	}
	if t.Shipping != 0 {
		lines = append(lines, domain.TotalLine{Type: domain.TotalShipping, Amount: t.Shipping})
	}
	if t.Tax != 0 {
		lines = append(lines, domain.TotalLine{Type: domain.TotalTax, Amount: t.Tax})
	}
	return append(lines, domain.TotalLine{Type: domain.TotalTotal, Amount: t.Total})
}

func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
