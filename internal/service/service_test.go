package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"bagcart/backend/internal/cache"
	"bagcart/backend/internal/domain"
	"bagcart/backend/internal/store"
	"bagcart/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopSummaryCache{}, 10, 50, 2000, 5*time.Second)
	return svc, repo
}

func userCtx(userID string) context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: userID, Role: "customer"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "admin-1", Role: "admin"})
}

func stockOf(t *testing.T, repo *memory.Store, productID, variantID string) int {
	t.Helper()
	ref := domain.VariantRef{ProductID: productID, VariantID: variantID}
	variants, err := repo.GetVariants(context.Background(), []domain.VariantRef{ref})
	if err != nil {
		t.Fatalf("get variants: %v", err)
	}
	return variants[ref].Stock
}

func walletBalance(t *testing.T, svc *Service, userID string) float64 {
	t.Helper()
	resp, err := svc.GetWallet(userCtx(userID))
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return resp.Wallet.Balance
}

func walletCheckout(t *testing.T, svc *Service) domain.Order {
	t.Helper()
	resp, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "wallet",
		CouponCode:    "SAVE10",
		Items: []domain.CheckoutItem{
			{ProductID: "prod-tote-01", VariantID: "var-tote-natural", Qty: 1},
			{ProductID: "prod-duffel-01", VariantID: "var-duffel-olive", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	return resp.Order
}

func TestCheckoutWalletAppliesCouponAndBreakdown(t *testing.T) {
	svc, repo := newTestService()

	order := walletCheckout(t, svc)

	if order.Subtotal != 1000 || order.Tax != 90 || order.ShippingFee != 50 || order.TotalAmount != 1040 {
		t.Fatalf("unexpected order totals: %+v", order)
	}
	if order.Coupon == nil || order.Coupon.DiscountAmount != 100 {
		t.Fatalf("expected coupon discount 100, got %+v", order.Coupon)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("wallet orders should be paid, got %s", order.PaymentStatus)
	}

	first, last := order.Items[0], order.Items[1]
	if first.FinalPayable != 297 {
		t.Fatalf("expected first payable 297, got %v", first.FinalPayable)
	}
	if last.FinalPayable != 743 || last.ShippingShare != 50 {
		t.Fatalf("expected last payable 743 with shipping, got %+v", last)
	}

	if balance := walletBalance(t, svc, "user-1"); balance != 3960 {
		t.Fatalf("expected wallet balance 3960, got %v", balance)
	}
	if stock := stockOf(t, repo, "prod-tote-01", "var-tote-natural"); stock != 39 {
		t.Fatalf("expected tote stock 39, got %d", stock)
	}
	if stock := stockOf(t, repo, "prod-duffel-01", "var-duffel-olive"); stock != 29 {
		t.Fatalf("expected duffel stock 29, got %d", stock)
	}
}

func TestCheckoutExpectedTotalMismatch(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "wallet",
		ExpectedTotal: 999.99,
		Items: []domain.CheckoutItem{
			{ProductID: "prod-tote-01", VariantID: "var-tote-natural", Qty: 1},
		},
	})
	if !errors.Is(err, ErrTotalMismatch) {
		t.Fatalf("expected ErrTotalMismatch, got %v", err)
	}
}

func TestCheckoutCouponBelowMinimum(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "cod",
		CouponCode:    "SAVE10",
		Items: []domain.CheckoutItem{
			{ProductID: "prod-pouch-01", VariantID: "var-pouch-3pc", Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected invalid order for coupon below min subtotal, got %v", err)
	}
}

func TestCheckoutInsufficientStock(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "cod",
		Items: []domain.CheckoutItem{
			{ProductID: "prod-sling-01", VariantID: "var-sling-tan", Qty: 100},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestCheckoutCODReservesWithoutDeducting(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "cod",
		Items: []domain.CheckoutItem{
			{ProductID: "prod-sling-01", VariantID: "var-sling-tan", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("cod orders start pending, got %s", resp.Order.PaymentStatus)
	}
	if stock := stockOf(t, repo, "prod-sling-01", "var-sling-tan"); stock != 18 {
		t.Fatalf("cod checkout must not deduct stock, got %d", stock)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 5000 {
		t.Fatalf("cod checkout must not touch the wallet, got %v", balance)
	}
}

func TestCancelItemRefundsWalletExactlyOnce(t *testing.T) {
	svc, repo := newTestService()
	order := walletCheckout(t, svc)
	itemID := order.Items[0].ID

	resp, err := svc.CancelItem(userCtx("user-1"), order.ID, itemID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !resp.Refunded || resp.Refund == nil || resp.Refund.TotalRefund != 297 {
		t.Fatalf("expected refund 297, got %+v", resp.Refund)
	}
	if resp.Order.PaymentStatus != domain.PaymentStatusPartialRefunded {
		t.Fatalf("expected partial_refunded, got %s", resp.Order.PaymentStatus)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 4257 {
		t.Fatalf("expected wallet 4257 after refund, got %v", balance)
	}
	if stock := stockOf(t, repo, "prod-tote-01", "var-tote-natural"); stock != 40 {
		t.Fatalf("expected stock restored to 40, got %d", stock)
	}

	// Second cancel of the same item must not pay out again.
	_, err = svc.CancelItem(userCtx("user-1"), order.ID, itemID, "again")
	var transition *domain.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error on repeated cancel, got %v", err)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 4257 {
		t.Fatalf("repeated cancel must not move money, balance %v", balance)
	}
}

func TestCancellingEveryItemCancelsOrder(t *testing.T) {
	svc, _ := newTestService()
	order := walletCheckout(t, svc)

	if _, err := svc.CancelItem(userCtx("user-1"), order.ID, order.Items[0].ID, "first"); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	resp, err := svc.CancelItem(userCtx("user-1"), order.ID, order.Items[1].ID, "second")
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}

	if resp.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected order cancelled, got %s", resp.Order.Status)
	}
	if resp.Order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", resp.Order.PaymentStatus)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 5000 {
		t.Fatalf("expected full refund back to 5000, got %v", balance)
	}
}

func TestCancelRejectedOnceOutForDelivery(t *testing.T) {
	svc, repo := newTestService()
	order := walletCheckout(t, svc)
	itemID := order.Items[0].ID

	for _, status := range []domain.ItemStatus{domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery} {
		if _, err := svc.UpdateItemStatus(adminCtx(), order.ID, itemID, status); err != nil {
			t.Fatalf("advance to %s failed: %v", status, err)
		}
	}

	_, err := svc.CancelItem(userCtx("user-1"), order.ID, itemID, "too late")
	var transition *domain.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 3960 {
		t.Fatalf("rejected cancel must not refund, balance %v", balance)
	}
	if stock := stockOf(t, repo, "prod-tote-01", "var-tote-natural"); stock != 39 {
		t.Fatalf("rejected cancel must not restore stock, got %d", stock)
	}
}

func TestCODDeliveryDeductsStockAndMarksPaid(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "cod",
		Items: []domain.CheckoutItem{
			{ProductID: "prod-sling-01", VariantID: "var-sling-tan", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	orderID, itemID := resp.Order.ID, resp.Order.Items[0].ID

	var last domain.SettlementResponse
	for _, status := range []domain.ItemStatus{domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery, domain.ItemDelivered} {
		last, err = svc.UpdateItemStatus(adminCtx(), orderID, itemID, status)
		if err != nil {
			t.Fatalf("advance to %s failed: %v", status, err)
		}
	}

	if stock := stockOf(t, repo, "prod-sling-01", "var-sling-tan"); stock != 16 {
		t.Fatalf("expected stock 16 after cod delivery, got %d", stock)
	}
	if last.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid after cod delivery, got %s", last.Order.PaymentStatus)
	}
}

func TestReturnFlowRefundsAndRestocks(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.Checkout(userCtx("user-1"), domain.CheckoutRequest{
		PaymentMethod: "cod",
		Items: []domain.CheckoutItem{
			{ProductID: "prod-sling-01", VariantID: "var-sling-tan", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	orderID, itemID := resp.Order.ID, resp.Order.Items[0].ID

	for _, status := range []domain.ItemStatus{domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery, domain.ItemDelivered} {
		if _, err := svc.UpdateItemStatus(adminCtx(), orderID, itemID, status); err != nil {
			t.Fatalf("advance to %s failed: %v", status, err)
		}
	}

	if _, err := svc.RequestReturn(userCtx("user-1"), orderID, itemID, "wrong colour"); err != nil {
		t.Fatalf("return request failed: %v", err)
	}

	approved, err := svc.ApproveReturn(adminCtx(), orderID, itemID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if !approved.Refunded || approved.Refund == nil || approved.Refund.TotalRefund != 1040 {
		t.Fatalf("expected refund 1040, got %+v", approved.Refund)
	}
	if approved.Order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", approved.Order.PaymentStatus)
	}
	if approved.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("fully returned order should be cancelled, got %s", approved.Order.Status)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 6040 {
		t.Fatalf("expected wallet 6040 after return refund, got %v", balance)
	}
	if stock := stockOf(t, repo, "prod-sling-01", "var-sling-tan"); stock != 18 {
		t.Fatalf("expected stock restored to 18, got %d", stock)
	}

	item := approved.Order.Items[0]
	if item.RefundAmount == nil || *item.RefundAmount != 1040 {
		t.Fatalf("refund amount not frozen on item: %+v", item)
	}
	if item.RefundMethod != domain.RefundMethodWallet || item.RefundStatus != domain.RefundStatusCredited {
		t.Fatalf("unexpected refund fields: %+v", item)
	}
}

func TestMixedCancelAndReturnSettlesOrder(t *testing.T) {
	svc, _ := newTestService()
	order := walletCheckout(t, svc)
	cancelledID, returnedID := order.Items[0].ID, order.Items[1].ID

	cancelled, err := svc.CancelItem(userCtx("user-1"), order.ID, cancelledID, "first out")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Order.Status != domain.OrderStatusPlaced {
		t.Fatalf("order must stay placed while an item is live, got %s", cancelled.Order.Status)
	}

	for _, status := range []domain.ItemStatus{domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery, domain.ItemDelivered} {
		if _, err := svc.UpdateItemStatus(adminCtx(), order.ID, returnedID, status); err != nil {
			t.Fatalf("advance to %s failed: %v", status, err)
		}
	}
	if _, err := svc.RequestReturn(userCtx("user-1"), order.ID, returnedID, "did not fit"); err != nil {
		t.Fatalf("return request failed: %v", err)
	}

	approved, err := svc.ApproveReturn(adminCtx(), order.ID, returnedID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded once every item settled, got %s", approved.Order.PaymentStatus)
	}
	if approved.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("cancel+return settling every item should cancel the order, got %s", approved.Order.Status)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 5000 {
		t.Fatalf("expected full amount back, got %v", balance)
	}
}

func TestRejectReturnMovesNothing(t *testing.T) {
	svc, repo := newTestService()
	order := walletCheckout(t, svc)
	itemID := order.Items[0].ID

	for _, status := range []domain.ItemStatus{domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery, domain.ItemDelivered} {
		if _, err := svc.UpdateItemStatus(adminCtx(), order.ID, itemID, status); err != nil {
			t.Fatalf("advance to %s failed: %v", status, err)
		}
	}
	if _, err := svc.RequestReturn(userCtx("user-1"), order.ID, itemID, "scuffed"); err != nil {
		t.Fatalf("return request failed: %v", err)
	}

	rejected, err := svc.RejectReturn(adminCtx(), order.ID, itemID)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Refunded {
		t.Fatal("rejection must not refund")
	}
	if rejected.Status != domain.ItemReturnRejected {
		t.Fatalf("expected return-rejected, got %s", rejected.Status)
	}
	if balance := walletBalance(t, svc, "user-1"); balance != 3960 {
		t.Fatalf("rejection must not move money, balance %v", balance)
	}
	if stock := stockOf(t, repo, "prod-tote-01", "var-tote-natural"); stock != 39 {
		t.Fatalf("rejection must not restock, got %d", stock)
	}
}

func TestReturnRequestRequiresReason(t *testing.T) {
	svc, _ := newTestService()
	order := walletCheckout(t, svc)
	itemID := order.Items[0].ID

	for _, status := range []domain.ItemStatus{domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery, domain.ItemDelivered} {
		if _, err := svc.UpdateItemStatus(adminCtx(), order.ID, itemID, status); err != nil {
			t.Fatalf("advance to %s failed: %v", status, err)
		}
	}

	if _, err := svc.RequestReturn(userCtx("user-1"), order.ID, itemID, "  "); !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected invalid order for empty reason, got %v", err)
	}
}

// Legacy orders persisted before per-item breakdowns carry aggregate
// figures that may not sum exactly; the cap keeps cumulative refunds
// inside what was actually paid.
func TestRefundCapOnLegacyOrder(t *testing.T) {
	svc, repo := newTestService()

	_, err := repo.CreateOrder(context.Background(), domain.Order{
		ID:            "ORD-LEGACY-CAP",
		UserID:        "user-2",
		PaymentMethod: domain.PaymentRazorpay,
		PaymentStatus: domain.PaymentStatusPaid,
		Status:        domain.OrderStatusPlaced,
		Subtotal:      1000,
		Tax:           90,
		ShippingFee:   50,
		TotalAmount:   1000,
		Coupon: &domain.CouponSnapshot{
			Code:                 "SAVE10",
			DiscountAmount:       100,
			SubtotalBeforeCoupon: 1000,
		},
		Items: []domain.OrderItem{
			{ID: "item-a", ProductID: "prod-tote-01", VariantID: "var-tote-natural", Name: "Canvas Tote", Quantity: 1, Price: 300, ItemSubtotal: 300, Status: domain.ItemPending},
			{ID: "item-b", ProductID: "prod-duffel-01", VariantID: "var-duffel-olive", Name: "Weekend Duffel", Quantity: 1, Price: 700, ItemSubtotal: 700, Status: domain.ItemPending},
		},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed legacy order: %v", err)
	}

	first, err := svc.CancelItem(userCtx("user-2"), "ORD-LEGACY-CAP", "item-a", "legacy first")
	if err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if first.Refund == nil || first.Refund.TotalRefund != 297 {
		t.Fatalf("expected proportional refund 297, got %+v", first.Refund)
	}

	// The second item's proportional figure (743) exceeds the 703 still
	// refundable against the recorded total of 1000.
	second, err := svc.CancelItem(userCtx("user-2"), "ORD-LEGACY-CAP", "item-b", "legacy second")
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	if second.Refund == nil || second.Refund.TotalRefund != 703 {
		t.Fatalf("expected capped refund 703, got %+v", second.Refund)
	}

	if balance := walletBalance(t, svc, "user-2"); balance != 6000 {
		t.Fatalf("expected cumulative refunds of 1000 on top of 5000, got %v", balance)
	}
}

func TestUpdateItemStatusRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()
	order := walletCheckout(t, svc)

	_, err := svc.UpdateItemStatus(userCtx("user-1"), order.ID, order.Items[0].ID, domain.ItemProcessing)
	if err == nil || err.Error() != "admin role required" {
		t.Fatalf("expected admin role required, got %v", err)
	}
}

func TestOrderAccessIsScopedToOwner(t *testing.T) {
	svc, _ := newTestService()
	order := walletCheckout(t, svc)

	if _, err := svc.GetOrder(userCtx("user-2"), order.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for foreign order, got %v", err)
	}
	if _, err := svc.GetOrder(adminCtx(), order.ID); err != nil {
		t.Fatalf("admin should see any order: %v", err)
	}
	if _, err := svc.CancelItem(userCtx("user-2"), order.ID, order.Items[0].ID, "not mine"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found cancelling foreign item, got %v", err)
	}
}

func TestListMyOrders(t *testing.T) {
	svc, _ := newTestService()
	walletCheckout(t, svc)

	mine, err := svc.ListMyOrders(userCtx("user-1"), 10)
	if err != nil {
		t.Fatalf("list my orders: %v", err)
	}
	if len(mine.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(mine.Orders))
	}

	other, err := svc.ListMyOrders(userCtx("user-2"), 10)
	if err != nil {
		t.Fatalf("list other orders: %v", err)
	}
	if len(other.Orders) != 0 {
		t.Fatalf("expected no orders for user-2, got %d", len(other.Orders))
	}
}

type fakeSummaryCache struct {
	entries       map[string]domain.OrderSummary
	hits          int
	sets          int
	invalidations int
}

func newFakeSummaryCache() *fakeSummaryCache {
	return &fakeSummaryCache{entries: make(map[string]domain.OrderSummary)}
}

func (c *fakeSummaryCache) Get(_ context.Context, key string) (*domain.OrderSummary, bool, error) {
	if entry, ok := c.entries[key]; ok {
		c.hits++
		copied := entry
		return &copied, true, nil
	}
	return nil, false, nil
}

func (c *fakeSummaryCache) Set(_ context.Context, key string, value *domain.OrderSummary, _ time.Duration) error {
	c.sets++
	c.entries[key] = *value
	return nil
}

func (c *fakeSummaryCache) Invalidate(_ context.Context, key string) error {
	c.invalidations++
	delete(c.entries, key)
	return nil
}

func TestOrderSummaryCachedAndInvalidatedOnSettlement(t *testing.T) {
	repo := memory.NewSeeded()
	summaries := newFakeSummaryCache()
	svc := New(repo, summaries, 10, 50, 2000, 5*time.Second)

	order := walletCheckout(t, svc)

	first, err := svc.OrderSummary(userCtx("user-1"), order.ID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if first.CurrentTotal != 1040 {
		t.Fatalf("expected current total 1040, got %v", first.CurrentTotal)
	}
	if summaries.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", summaries.sets)
	}

	// Backdate the cached stamp: a hit must restamp to serve time, not
	// report when the cache filled.
	stale := summaries.entries[summaryKey(order.ID)]
	stale.GeneratedAt = "2000-01-01T00:00:00Z"
	summaries.entries[summaryKey(order.ID)] = stale

	second, err := svc.OrderSummary(userCtx("user-1"), order.ID)
	if err != nil {
		t.Fatalf("second summary failed: %v", err)
	}
	if summaries.hits != 1 {
		t.Fatalf("expected a cache hit, got %d", summaries.hits)
	}
	if second.GeneratedAt == "2000-01-01T00:00:00Z" {
		t.Fatal("cache hit served the fill-time stamp")
	}

	if _, err := svc.CancelItem(userCtx("user-1"), order.ID, order.Items[0].ID, "resize"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if summaries.invalidations == 0 {
		t.Fatal("settlement must invalidate the cached summary")
	}

	after, err := svc.OrderSummary(userCtx("user-1"), order.ID)
	if err != nil {
		t.Fatalf("summary after cancel failed: %v", err)
	}
	if after.CurrentTotal != 743 {
		t.Fatalf("expected current total 743 after cancel, got %v", after.CurrentTotal)
	}
	if after.CancelledTotal != 297 {
		t.Fatalf("expected cancelled total 297, got %v", after.CancelledTotal)
	}
}

func TestAuditLogWrittenOnCheckout(t *testing.T) {
	svc, _ := newTestService()
	walletCheckout(t, svc)

	logs, err := svc.ListAuditLogs(adminCtx(), "", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "checkout" && entry.ActorID == "user-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("checkout audit entry missing: %+v", logs)
	}
}
