package pricing

import (
	"errors"
	"testing"

	"bagcart/backend/internal/domain"
)

func makeItems(prices ...float64) []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(prices))
	for _, price := range prices {
		items = append(items, domain.OrderItem{
			Quantity:     1,
			Price:        price,
			ItemSubtotal: Round2(price),
		})
	}
	return items
}

func TestDistributeTwoItems(t *testing.T) {
	items := makeItems(300, 700)

	if err := DistributeOrderCosts(items, 1000, 100, 60, 50); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	first := items[0]
	if first.CouponShare != 30 || first.AfterCoupon != 270 || first.TaxShare != 18 || first.ShippingShare != 0 {
		t.Fatalf("unexpected first item shares: %+v", first)
	}
	if first.FinalPayable != 288 {
		t.Fatalf("expected first payable 288, got %v", first.FinalPayable)
	}

	last := items[1]
	if last.CouponShare != 70 || last.AfterCoupon != 630 || last.TaxShare != 42 || last.ShippingShare != 50 {
		t.Fatalf("unexpected last item shares: %+v", last)
	}
	if last.FinalPayable != 722 {
		t.Fatalf("expected last payable 722, got %v", last.FinalPayable)
	}

	if total := Round2(first.FinalPayable + last.FinalPayable); total != 1010 {
		t.Fatalf("expected payables to sum to 1010, got %v", total)
	}
}

func TestDistributeSingleItemCarriesEverything(t *testing.T) {
	items := makeItems(499.99)

	if err := DistributeOrderCosts(items, 499.99, 50, 27, 50); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	item := items[0]
	if item.CouponShare != 50 {
		t.Fatalf("expected full coupon on sole item, got %v", item.CouponShare)
	}
	if item.TaxShare != 27 {
		t.Fatalf("expected full tax on sole item, got %v", item.TaxShare)
	}
	if item.ShippingShare != 50 {
		t.Fatalf("expected full shipping on sole item, got %v", item.ShippingShare)
	}
	if item.FinalPayable != Round2(499.99-50+27+50) {
		t.Fatalf("unexpected payable %v", item.FinalPayable)
	}
}

func TestDistributeLastItemAbsorbsRoundingRemainder(t *testing.T) {
	items := makeItems(100, 100, 100)

	if err := DistributeOrderCosts(items, 300, 10, 0, 0); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	if items[0].CouponShare != 3.33 || items[1].CouponShare != 3.33 {
		t.Fatalf("expected proportional shares 3.33, got %v and %v", items[0].CouponShare, items[1].CouponShare)
	}
	if items[2].CouponShare != 3.34 {
		t.Fatalf("expected last item remainder 3.34, got %v", items[2].CouponShare)
	}
}

func TestDistributeShippingOnLastItemOnly(t *testing.T) {
	items := makeItems(150, 450, 700)

	if err := DistributeOrderCosts(items, 1300, 0, 0, 50); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if items[i].ShippingShare != 0 {
			t.Fatalf("item %d should carry no shipping, got %v", i, items[i].ShippingShare)
		}
	}
	if items[2].ShippingShare != 50 {
		t.Fatalf("last item should carry shipping 50, got %v", items[2].ShippingShare)
	}
}

func TestDistributeEmptyItems(t *testing.T) {
	if err := DistributeOrderCosts(nil, 0, 0, 0, 0); err == nil {
		t.Fatal("expected error for empty item list")
	}
}

// Awkward fractional prices chain cent-level rounding through every
// stage; the payables must still reconcile with the order total to the
// cent.
func TestDistributePayablesAlwaysSumToOrderTotal(t *testing.T) {
	cases := []struct {
		name     string
		prices   []float64
		coupon   float64
		tax      float64
		shipping float64
	}{
		{"three way split", []float64{33.33, 33.33, 33.34}, 10, 5.5, 40},
		{"uneven pair", []float64{199.99, 649.5}, 84.95, 46.77, 50},
		{"five items", []float64{10.01, 20.02, 30.03, 40.04, 50.05}, 15.07, 8.11, 49.99},
		{"no coupon", []float64{123.45, 678.9}, 0, 48.14, 0},
		{"free shipping", []float64{500, 500}, 100, 54, 0},
		{"tiny amounts", []float64{0.99, 1.01, 2.5}, 0.45, 0.27, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items := makeItems(tc.prices...)
			subtotal := 0.0
			for _, item := range items {
				subtotal += item.ItemSubtotal
			}
			subtotal = Round2(subtotal)

			if err := DistributeOrderCosts(items, subtotal, tc.coupon, tc.tax, tc.shipping); err != nil {
				t.Fatalf("distribute failed: %v", err)
			}

			itemsTotal := 0.0
			couponTotal := 0.0
			for _, item := range items {
				if item.CouponShare < 0 || item.TaxShare < 0 || item.FinalPayable < 0 {
					t.Fatalf("negative share on item: %+v", item)
				}
				itemsTotal += item.FinalPayable
				couponTotal += item.CouponShare
			}

			orderTotal := Round2(subtotal - tc.coupon + tc.tax + tc.shipping)
			if Cents(Round2(itemsTotal)) != Cents(orderTotal) {
				t.Fatalf("payables %v do not reconcile with order total %v", Round2(itemsTotal), orderTotal)
			}
			if Cents(Round2(couponTotal)) != Cents(Round2(tc.coupon)) {
				t.Fatalf("coupon shares %v do not sum to %v", Round2(couponTotal), tc.coupon)
			}
		})
	}
}

func TestDistributeNearFullCouponKeepsSharesNonNegative(t *testing.T) {
	// 2.99/3.01 rounds three 0.99-ish shares down, so the last item's
	// remainder (0.02) exceeds its own 0.01 subtotal.
	items := makeItems(1.00, 1.00, 1.00, 0.01)

	if err := DistributeOrderCosts(items, 3.01, 2.99, 0, 5.00); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	last := items[len(items)-1]
	if last.CouponShare != 0.02 {
		t.Fatalf("expected last coupon share 0.02, got %v", last.CouponShare)
	}
	if last.AfterCoupon != 0 {
		t.Fatalf("expected last after-coupon clamped to 0, got %v", last.AfterCoupon)
	}

	total := 0.0
	for _, item := range items {
		if item.AfterCoupon < 0 || item.CouponShare < 0 || item.TaxShare < 0 || item.FinalPayable < 0 {
			t.Fatalf("negative share on %+v", item)
		}
		total += item.FinalPayable
	}
	want := Round2(3.01 - 2.99 + 5.00)
	if Cents(Round2(total)) != Cents(want) {
		t.Fatalf("payables sum %v, want %v", total, want)
	}
}

func TestDistributeRejectsLargeDrift(t *testing.T) {
	items := makeItems(300, 700)

	// A subtotal that disagrees with the items by whole currency units
	// cannot be reconciled by the one-cent rule.
	err := DistributeOrderCosts(items, 2000, 0, 0, 0)
	if !errors.Is(err, ErrDistributionMismatch) {
		t.Fatalf("expected ErrDistributionMismatch, got %v", err)
	}
}
