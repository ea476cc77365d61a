package pricing

import "bagcart/backend/internal/domain"

// RefundStrategy computes the refund owed for a single order item and
// the breakdown behind it. Two variants exist: orders written with a
// per-item cost breakdown refund the frozen figure exactly, while
// legacy orders created before breakdowns existed derive the amount
// proportionally from order-level aggregates.
type RefundStrategy interface {
	Refund(order *domain.Order, item *domain.OrderItem) domain.RefundBreakdown
}

// HasBreakdown reports whether the item carries a frozen cost
// breakdown from order creation.
func HasBreakdown(item *domain.OrderItem) bool {
	return item.FinalPayable > 0
}

// StrategyFor selects the refund path by capability, so call sites
// never branch on breakdown presence themselves.
func StrategyFor(item *domain.OrderItem) RefundStrategy {
	if HasBreakdown(item) {
		return BreakdownRefund{}
	}
	return ProportionalRefund{}
}

// BreakdownRefund refunds exactly what the item was charged at order
// creation. No recomputation, so cumulative refunds can never drift
// from the original order total.
type BreakdownRefund struct{}

func (BreakdownRefund) Refund(_ *domain.Order, item *domain.OrderItem) domain.RefundBreakdown {
	return domain.RefundBreakdown{
		ItemSubtotal:  item.ItemSubtotal,
		CouponShare:   item.CouponShare,
		AfterCoupon:   item.AfterCoupon,
		TaxShare:      item.TaxShare,
		ShippingShare: item.ShippingShare,
		TotalRefund:   item.FinalPayable,
	}
}

// ProportionalRefund is the legacy path for orders persisted before
// itemized breakdowns existed. It reconstructs the item's share of the
// coupon, tax and shipping from order-level aggregates. The result is
// an estimate; callers must pair it with the RemainingRefundable cap.
type ProportionalRefund struct{}

func (ProportionalRefund) Refund(order *domain.Order, item *domain.OrderItem) domain.RefundBreakdown {
	itemTotal := Round2(item.Price * float64(item.Quantity))

	var couponDiscount float64
	baseSubtotal := order.Subtotal
	if order.Coupon != nil {
		couponDiscount = order.Coupon.DiscountAmount
		if order.Coupon.SubtotalBeforeCoupon > 0 {
			baseSubtotal = order.Coupon.SubtotalBeforeCoupon
		}
	}

	var couponShare float64
	if baseSubtotal > 0 {
		couponShare = Round2(itemTotal / baseSubtotal * couponDiscount)
	}

	afterCoupon := Round2(itemTotal - couponShare)
	if afterCoupon < 0 {
		afterCoupon = 0
	}

	var taxShare float64
	if denom := order.Subtotal - couponDiscount; denom > 0 {
		taxShare = Round2(afterCoupon / denom * order.Tax)
	}

	// Shipping follows the distribution engine's last-item policy: the
	// fee is refunded only when this item is the last one standing.
	var shippingShare float64
	if lastUnsettled(order, item) {
		shippingShare = order.ShippingFee
	}

	return domain.RefundBreakdown{
		ItemSubtotal:  itemTotal,
		CouponShare:   couponShare,
		AfterCoupon:   afterCoupon,
		TaxShare:      taxShare,
		ShippingShare: shippingShare,
		TotalRefund:   Round2(afterCoupon + taxShare + shippingShare),
	}
}

// lastUnsettled reports whether the item is the sole item of the order
// or every sibling has already been cancelled or returned.
func lastUnsettled(order *domain.Order, item *domain.OrderItem) bool {
	for i := range order.Items {
		sibling := &order.Items[i]
		if sibling.ID == item.ID {
			continue
		}
		if !domain.SettledItem(sibling.Status) {
			return false
		}
	}
	return true
}

// RemainingRefundable is the safety cap every refund must be clamped
// to: the original order total minus everything already refunded.
// Cumulative refunds can therefore never exceed what was paid.
func RemainingRefundable(order *domain.Order) float64 {
	refunded := 0.0
	for i := range order.Items {
		if order.Items[i].RefundAmount != nil {
			refunded += *order.Items[i].RefundAmount
		}
	}
	remaining := Round2(order.TotalAmount - refunded)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CapRefund clamps a computed refund to what is still refundable on
// the order.
func CapRefund(order *domain.Order, amount float64) float64 {
	if remaining := RemainingRefundable(order); amount > remaining {
		return remaining
	}
	return Round2(amount)
}
