package pricing

import (
	"errors"
	"fmt"

	"bagcart/backend/internal/domain"
)

// ErrDistributionMismatch means the distributed per-item totals differ
// from the order total by more than one cent. One cent of drift is
// expected chained-rounding noise and is absorbed by the last item;
// anything larger indicates an upstream pricing bug and must abort the
// operation rather than be silently corrected.
var ErrDistributionMismatch = errors.New("item totals do not reconcile with order total")

var errNoItems = errors.New("cannot distribute costs over an empty item list")

// DistributeOrderCosts apportions an order-level coupon discount, tax
// total and shipping fee across the order's items, annotating each item
// with its share and final payable. The item slice is mutated in place
// and its order must be stable: the last item is special, receiving the
// exact remainders (and the whole shipping fee) so that the shares sum
// exactly to the order-level figures despite per-item rounding.
func DistributeOrderCosts(items []domain.OrderItem, subtotalBeforeCoupon, couponDiscount, totalTax, shippingFee float64) error {
	n := len(items)
	if n == 0 {
		return errNoItems
	}

	last := n - 1

	// Coupon shares: proportional for all but the last item, exact
	// remainder for the last so the shares sum to couponDiscount.
	assigned := 0.0
	for i := range items {
		var share float64
		switch {
		case i == last:
			share = Round2(couponDiscount - assigned)
		case subtotalBeforeCoupon > 0:
			share = Round2(couponDiscount * items[i].ItemSubtotal / subtotalBeforeCoupon)
		}
		items[i].CouponShare = share
		items[i].AfterCoupon = Round2(items[i].ItemSubtotal - share)
		// A near-full coupon can leave the last item a remainder share
		// larger than its own subtotal; the share stands but the item
		// never goes below zero, and the slack lands in the drift check.
		if items[i].AfterCoupon < 0 {
			items[i].AfterCoupon = 0
		}
		assigned += share
	}

	subtotalAfterCoupon := 0.0
	for i := range items {
		subtotalAfterCoupon += items[i].AfterCoupon
	}
	subtotalAfterCoupon = Round2(subtotalAfterCoupon)

	// Tax shares follow the same last-item-remainder scheme, weighted
	// by each item's post-coupon amount.
	assignedTax := 0.0
	for i := range items {
		var share float64
		switch {
		case i == last:
			share = Round2(totalTax - assignedTax)
		case subtotalAfterCoupon > 0:
			share = Round2(totalTax * items[i].AfterCoupon / subtotalAfterCoupon)
		}
		items[i].TaxShare = share
		assignedTax += share
	}

	// Shipping is not split: the last item carries the whole fee.
	for i := range items {
		items[i].ShippingShare = 0
	}
	items[last].ShippingShare = Round2(shippingFee)

	itemsTotal := 0.0
	for i := range items {
		items[i].FinalPayable = Round2(items[i].AfterCoupon + items[i].TaxShare + items[i].ShippingShare)
		itemsTotal += items[i].FinalPayable
	}
	itemsTotal = Round2(itemsTotal)

	orderTotal := Round2(subtotalBeforeCoupon - couponDiscount + totalTax + shippingFee)

	switch driftCents := Cents(orderTotal) - Cents(itemsTotal); {
	case driftCents == 0:
	case driftCents == 1 || driftCents == -1:
		items[last].FinalPayable = Round2(items[last].FinalPayable + float64(driftCents)/100)
	default:
		return fmt.Errorf("%w: order total %.2f, item totals %.2f", ErrDistributionMismatch, orderTotal, itemsTotal)
	}

	return nil
}
