package pricing

import (
	"time"

	"bagcart/backend/internal/domain"
)

// BuildOrderSummary derives the current-state totals of an order from
// its item statuses. It never mutates the order and can be called any
// number of times; the result supersedes the frozen Order.TotalAmount
// as the source of truth for what is currently owed.
//
// Items in return-requested or return-rejected count as active: no
// money has moved for them yet.
func BuildOrderSummary(order *domain.Order) domain.OrderSummary {
	summary := domain.OrderSummary{
		OrderID:     order.ID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	totalItems := len(order.Items)
	if totalItems == 0 {
		return summary
	}

	var (
		activeSubtotal  float64
		legacyActive    int
		activeItemsSub  float64
		activeOriginal  float64
		activeTax       float64
		activeShipping  float64
		currentTotal    float64
	)

	for i := range order.Items {
		item := &order.Items[i]
		switch item.Status {
		case domain.ItemCancelled:
			summary.CancelledCount++
			if item.RefundAmount != nil {
				summary.CancelledTotal += *item.RefundAmount
			}
		case domain.ItemReturned:
			summary.ReturnedCount++
			if item.RefundAmount != nil {
				summary.ReturnedTotal += *item.RefundAmount
			}
		default:
			summary.ActiveCount++
			activeItemsSub += item.ItemSubtotal
			activeOriginal += item.RegularPrice * float64(item.Quantity)
			if HasBreakdown(item) {
				activeSubtotal += item.AfterCoupon
				activeTax += item.TaxShare
				activeShipping += item.ShippingShare
				currentTotal += item.FinalPayable
			} else {
				legacyActive++
			}
		}
	}

	// Legacy items carry no breakdown, so their contribution is the
	// documented proportional estimate over the order's stored
	// aggregates. Approximate for historical data; kept as-is for
	// backward compatibility.
	if legacyActive > 0 {
		ratio := float64(legacyActive) / float64(totalItems)
		activeSubtotal += order.Subtotal * ratio
		activeTax += order.Tax * ratio
		activeShipping += order.ShippingFee * ratio
		currentTotal += order.TotalAmount * ratio
	}

	var activeCoupon float64
	if order.Coupon != nil && summary.ActiveCount > 0 {
		activeRatio := float64(summary.ActiveCount) / float64(totalItems)
		activeCoupon = Round2(order.Coupon.DiscountAmount * activeRatio)
	}

	summary.ActiveSubtotal = Round2(activeSubtotal)
	summary.ActiveTax = Round2(activeTax)
	summary.ActiveShipping = Round2(activeShipping)
	summary.CurrentTotal = Round2(currentTotal)
	summary.CancelledTotal = Round2(summary.CancelledTotal)
	summary.ReturnedTotal = Round2(summary.ReturnedTotal)
	summary.ActiveCouponDiscount = activeCoupon
	summary.ActiveOriginalPrice = Round2(activeOriginal)
	summary.ProductDiscounts = Round2(activeOriginal - activeItemsSub)
	summary.TotalSavings = Round2(summary.ProductDiscounts + activeCoupon)

	return summary
}
