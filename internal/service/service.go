package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"bagcart/backend/internal/cache"
	"bagcart/backend/internal/domain"
	"bagcart/backend/internal/pricing"
	"bagcart/backend/internal/store"
	"bagcart/backend/internal/xid"
)

// ErrTotalMismatch means the total the client displayed no longer
// matches what the server computes, usually after a price or coupon
// change mid-session.
var ErrTotalMismatch = errors.New("order total changed, please review your cart")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	summaries      cache.SummaryCache
	taxRatePercent float64
	shippingFee    float64
	freeShipMin    float64
	summaryTTL     time.Duration
}

func New(repo store.Repository, summaries cache.SummaryCache, taxRatePercent, shippingFee, freeShipMin float64, summaryTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL < time.Second {
		summaryTTL = 30 * time.Second
	}

	return &Service{
		repo:           repo,
		summaries:      summaries,
		taxRatePercent: taxRatePercent,
		shippingFee:    shippingFee,
		freeShipMin:    freeShipMin,
		summaryTTL:     summaryTTL,
	}
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.CheckoutResponse{}, fmt.Errorf("authenticated user required")
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidOrder, req.PaymentMethod)
	}

	normalized := normalizeItems(req.Items)
	if len(normalized) == 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidOrder
	}

	refs := make([]domain.VariantRef, 0, len(normalized))
	for _, item := range normalized {
		refs = append(refs, domain.VariantRef{ProductID: item.ProductID, VariantID: item.VariantID})
	}
	variants, err := s.repo.GetVariants(ctx, refs)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	items := make([]domain.OrderItem, 0, len(normalized))
	subtotal := 0.0
	for _, line := range normalized {
		info, exists := variants[domain.VariantRef{ProductID: line.ProductID, VariantID: line.VariantID}]
		if !exists {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: variant %s unavailable", store.ErrInvalidOrder, line.VariantID)
		}
		// Advisory stock check; the store repeats it authoritatively
		// inside the create transaction.
		if info.Stock < line.Qty {
			return domain.CheckoutResponse{}, store.ErrInsufficientStock
		}

		itemSubtotal := pricing.Round2(info.Price * float64(line.Qty))
		items = append(items, domain.OrderItem{
			ID:           xid.New("item"),
			ProductID:    line.ProductID,
			VariantID:    line.VariantID,
			Name:         info.Name,
			Quantity:     line.Qty,
			Price:        info.Price,
			RegularPrice: info.RegularPrice,
			ItemSubtotal: itemSubtotal,
			Status:       domain.ItemPending,
		})
		subtotal += itemSubtotal
	}
	subtotal = pricing.Round2(subtotal)

	var coupon *domain.CouponSnapshot
	couponDiscount := 0.0
	if code := strings.ToUpper(strings.TrimSpace(req.CouponCode)); code != "" {
		found, err := s.repo.GetCouponByCode(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CheckoutResponse{}, fmt.Errorf("%w: unknown coupon %s", store.ErrInvalidOrder, code)
			}
			return domain.CheckoutResponse{}, err
		}
		if !found.Active {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: coupon %s is not active", store.ErrInvalidOrder, code)
		}
		if subtotal < found.MinSubtotal {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: coupon %s requires a minimum subtotal of %.2f", store.ErrInvalidOrder, code, found.MinSubtotal)
		}

		couponDiscount = pricing.Round2(subtotal * found.DiscountPercent / 100)
		if found.MaxDiscount > 0 && couponDiscount > found.MaxDiscount {
			couponDiscount = found.MaxDiscount
		}
		coupon = &domain.CouponSnapshot{
			Code:                 code,
			DiscountAmount:       couponDiscount,
			SubtotalBeforeCoupon: subtotal,
		}
	}

	taxBase := pricing.Round2(subtotal - couponDiscount)
	tax := pricing.Round2(taxBase * s.taxRatePercent / 100)

	shipping := s.shippingFee
	if s.freeShipMin > 0 && taxBase >= s.freeShipMin {
		shipping = 0
	}

	total := pricing.Round2(taxBase + tax + shipping)
	if req.ExpectedTotal > 0 && pricing.Cents(req.ExpectedTotal) != pricing.Cents(total) {
		return domain.CheckoutResponse{}, ErrTotalMismatch
	}

	if err := pricing.DistributeOrderCosts(items, subtotal, couponDiscount, tax, shipping); err != nil {
		return domain.CheckoutResponse{}, err
	}

	paymentStatus := domain.PaymentStatusPending
	if req.PaymentMethod != domain.PaymentCOD {
		paymentStatus = domain.PaymentStatusPaid
	}

	order := domain.Order{
		ID:            xid.Order(),
		UserID:        actor.UserID,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: paymentStatus,
		Status:        domain.OrderStatusPlaced,
		Subtotal:      subtotal,
		Tax:           tax,
		ShippingFee:   shipping,
		TotalAmount:   total,
		Coupon:        coupon,
		CreatedAt:     time.Now().UTC(),
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logAudit(ctx, "checkout", "order", created.ID,
		fmt.Sprintf("total=%.2f,payment=%s,items=%d,coupon=%s", created.TotalAmount, created.PaymentMethod, len(created.Items), req.CouponCode))

	return domain.CheckoutResponse{Order: *created}, nil
}

// UpdateItemStatus moves an item along the admin fulfilment path
// (processing, shipped, out_for_delivery, delivered). COD orders
// deduct stock and flip to paid on delivery, since that is when the
// sale actually happens.
func (s *Service) UpdateItemStatus(ctx context.Context, orderID string, itemID string, target domain.ItemStatus) (domain.SettlementResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SettlementResponse{}, fmt.Errorf("admin role required")
	}
	if !isFulfilmentStatus(target) {
		return domain.SettlementResponse{}, fmt.Errorf("%w: %s is not a fulfilment status", store.ErrInvalidOrder, target)
	}

	order, item, err := s.findItem(ctx, orderID, itemID)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	if !domain.CanTransitionItem(item.Status, target) {
		return domain.SettlementResponse{}, &domain.TransitionError{From: item.Status, To: target}
	}

	params := store.SettleItemParams{
		OrderID:    orderID,
		ItemID:     itemID,
		FromStatus: item.Status,
		ToStatus:   target,
	}
	if target == domain.ItemDelivered && order.PaymentMethod == domain.PaymentCOD {
		params.StockDelta = -item.Quantity
		params.PaymentStatus = domain.PaymentStatusPaid
	}

	updated, err := s.repo.SettleItem(ctx, params)
	if err != nil {
		return domain.SettlementResponse{}, err
	}

	s.invalidateSummary(ctx, orderID)
	s.logAudit(ctx, "item_status_update", "order_item", itemID, fmt.Sprintf("order=%s,from=%s,to=%s", orderID, item.Status, target))

	return domain.SettlementResponse{Order: *updated, ItemID: itemID, Status: target}, nil
}

// CancelItem cancels one item on behalf of its owner. Prepaid orders
// refund the item's payable to the wallet and restore stock; COD
// orders release the reservation with no money movement.
func (s *Service) CancelItem(ctx context.Context, orderID string, itemID string, reason string) (domain.SettlementResponse, error) {
	order, item, err := s.ownedItem(ctx, orderID, itemID)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	if !domain.CanTransitionItem(item.Status, domain.ItemCancelled) {
		return domain.SettlementResponse{}, &domain.TransitionError{From: item.Status, To: domain.ItemCancelled}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	params := store.SettleItemParams{
		OrderID:      orderID,
		ItemID:       itemID,
		FromStatus:   item.Status,
		ToStatus:     domain.ItemCancelled,
		CancelReason: reason,
	}
	if order.PaymentMethod != domain.PaymentCOD {
		params.StockDelta = item.Quantity
	}

	var breakdown *domain.RefundBreakdown
	if order.Prepaid() {
		computed := pricing.StrategyFor(item).Refund(order, item)
		computed.TotalRefund = pricing.CapRefund(order, computed.TotalRefund)
		breakdown = &computed
		if computed.TotalRefund > 0 {
			params.Refund = &store.WalletCredit{
				UserID:      order.UserID,
				Amount:      computed.TotalRefund,
				Description: fmt.Sprintf("refund for cancelled item %s (order %s)", item.Name, orderID),
			}
		}
		params.PaymentStatus, params.OrderStatus = settlementStatuses(order, itemID, domain.ItemCancelled)
	} else {
		_, params.OrderStatus = settlementStatuses(order, itemID, domain.ItemCancelled)
	}

	updated, err := s.repo.SettleItem(ctx, params)
	if err != nil {
		return domain.SettlementResponse{}, err
	}

	s.invalidateSummary(ctx, orderID)
	refunded := params.Refund != nil
	s.logAudit(ctx, "item_cancel", "order_item", itemID, fmt.Sprintf("order=%s,refunded=%t,reason=%s", orderID, refunded, reason))

	return domain.SettlementResponse{
		Order:    *updated,
		ItemID:   itemID,
		Status:   domain.ItemCancelled,
		Refunded: refunded,
		Refund:   breakdown,
	}, nil
}

// RequestReturn flags a delivered item for return. No money or stock
// moves until an admin approves.
func (s *Service) RequestReturn(ctx context.Context, orderID string, itemID string, reason string) (domain.SettlementResponse, error) {
	_, item, err := s.ownedItem(ctx, orderID, itemID)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	if !domain.CanTransitionItem(item.Status, domain.ItemReturnRequested) {
		return domain.SettlementResponse{}, &domain.TransitionError{From: item.Status, To: domain.ItemReturnRequested}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.SettlementResponse{}, fmt.Errorf("%w: return reason required", store.ErrInvalidOrder)
	}

	updated, err := s.repo.SettleItem(ctx, store.SettleItemParams{
		OrderID:      orderID,
		ItemID:       itemID,
		FromStatus:   item.Status,
		ToStatus:     domain.ItemReturnRequested,
		ReturnReason: reason,
	})
	if err != nil {
		return domain.SettlementResponse{}, err
	}

	s.invalidateSummary(ctx, orderID)
	s.logAudit(ctx, "return_request", "order_item", itemID, fmt.Sprintf("order=%s,reason=%s", orderID, reason))

	return domain.SettlementResponse{Order: *updated, ItemID: itemID, Status: domain.ItemReturnRequested}, nil
}

// ApproveReturn settles a requested return: stock comes back, and paid
// orders refund the item's payable to the wallet.
func (s *Service) ApproveReturn(ctx context.Context, orderID string, itemID string) (domain.SettlementResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SettlementResponse{}, fmt.Errorf("admin role required")
	}

	order, item, err := s.findItem(ctx, orderID, itemID)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	if !domain.CanTransitionItem(item.Status, domain.ItemReturned) {
		return domain.SettlementResponse{}, &domain.TransitionError{From: item.Status, To: domain.ItemReturned}
	}

	params := store.SettleItemParams{
		OrderID:    orderID,
		ItemID:     itemID,
		FromStatus: item.Status,
		ToStatus:   domain.ItemReturned,
		StockDelta: item.Quantity,
	}

	var breakdown *domain.RefundBreakdown
	// By return time even COD is paid (collected on delivery), so the
	// refund path applies to every payment method.
	computed := pricing.StrategyFor(item).Refund(order, item)
	computed.TotalRefund = pricing.CapRefund(order, computed.TotalRefund)
	breakdown = &computed
	if computed.TotalRefund > 0 {
		params.Refund = &store.WalletCredit{
			UserID:      order.UserID,
			Amount:      computed.TotalRefund,
			Description: fmt.Sprintf("refund for returned item %s (order %s)", item.Name, orderID),
		}
	}
	params.PaymentStatus, params.OrderStatus = settlementStatuses(order, itemID, domain.ItemReturned)

	updated, err := s.repo.SettleItem(ctx, params)
	if err != nil {
		return domain.SettlementResponse{}, err
	}

	s.invalidateSummary(ctx, orderID)
	s.logAudit(ctx, "return_approve", "order_item", itemID, fmt.Sprintf("order=%s,refund=%.2f", orderID, computed.TotalRefund))

	return domain.SettlementResponse{
		Order:    *updated,
		ItemID:   itemID,
		Status:   domain.ItemReturned,
		Refunded: params.Refund != nil,
		Refund:   breakdown,
	}, nil
}

// RejectReturn closes a return request with no refund and no stock
// movement. The item stays with the customer.
func (s *Service) RejectReturn(ctx context.Context, orderID string, itemID string) (domain.SettlementResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SettlementResponse{}, fmt.Errorf("admin role required")
	}

	_, item, err := s.findItem(ctx, orderID, itemID)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	if !domain.CanTransitionItem(item.Status, domain.ItemReturnRejected) {
		return domain.SettlementResponse{}, &domain.TransitionError{From: item.Status, To: domain.ItemReturnRejected}
	}

	updated, err := s.repo.SettleItem(ctx, store.SettleItemParams{
		OrderID:    orderID,
		ItemID:     itemID,
		FromStatus: item.Status,
		ToStatus:   domain.ItemReturnRejected,
	})
	if err != nil {
		return domain.SettlementResponse{}, err
	}

	s.invalidateSummary(ctx, orderID)
	s.logAudit(ctx, "return_reject", "order_item", itemID, "order="+orderID)

	return domain.SettlementResponse{Order: *updated, ItemID: itemID, Status: domain.ItemReturnRejected}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeOrderAccess(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// OrderSummary returns the current-state view of an order, served from
// cache when fresh.
func (s *Service) OrderSummary(ctx context.Context, orderID string) (domain.OrderSummary, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.OrderSummary{}, err
	}
	if err := s.authorizeOrderAccess(ctx, order); err != nil {
		return domain.OrderSummary{}, err
	}

	key := summaryKey(orderID)
	if cached, found, err := s.summaries.Get(ctx, key); err == nil && found {
		// The cached figures stay valid for the TTL; the stamp reflects
		// when this response was produced, not when the cache filled.
		cached.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
		return *cached, nil
	} else if err != nil {
		log.Printf("[cache] WARN: summary get failed order=%s: %v", orderID, err)
	}

	summary := pricing.BuildOrderSummary(order)
	if err := s.summaries.Set(ctx, key, &summary, s.summaryTTL); err != nil {
		log.Printf("[cache] WARN: summary set failed order=%s: %v", orderID, err)
	}
	return summary, nil
}

func (s *Service) ListMyOrders(ctx context.Context, limit int) (domain.OrderListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.OrderListResponse{}, fmt.Errorf("authenticated user required")
	}
	if limit < 1 {
		limit = 100
	}

	orders, err := s.repo.ListOrdersByUser(ctx, actor.UserID, limit)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: orders}, nil
}

func (s *Service) ListOrders(ctx context.Context, status string, limit int) (domain.OrderListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.OrderListResponse{}, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}

	orders, err := s.repo.ListOrders(ctx, strings.ToLower(strings.TrimSpace(status)), limit)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: orders}, nil
}

func (s *Service) GetWallet(ctx context.Context) (domain.WalletResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.WalletResponse{}, fmt.Errorf("authenticated user required")
	}

	wallet, err := s.repo.GetWallet(ctx, actor.UserID)
	if err != nil {
		return domain.WalletResponse{}, err
	}
	return domain.WalletResponse{Wallet: *wallet}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidOrder
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) findItem(ctx context.Context, orderID string, itemID string) (*domain.Order, *domain.OrderItem, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			return order, &order.Items[i], nil
		}
	}
	return nil, nil, store.ErrNotFound
}

// ownedItem is findItem plus an ownership check for customer-facing
// flows. Admins pass through; everyone else must own the order.
func (s *Service) ownedItem(ctx context.Context, orderID string, itemID string) (*domain.Order, *domain.OrderItem, error) {
	order, item, err := s.findItem(ctx, orderID, itemID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorizeOrderAccess(ctx, order); err != nil {
		return nil, nil, err
	}
	return order, item, nil
}

func (s *Service) authorizeOrderAccess(ctx context.Context, order *domain.Order) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return store.ErrNotFound
	}
	if actor.Role == "admin" || actor.UserID == order.UserID {
		return nil
	}
	// Hide existence from non-owners.
	return store.ErrNotFound
}

func (s *Service) invalidateSummary(ctx context.Context, orderID string) {
	if err := s.summaries.Invalidate(ctx, summaryKey(orderID)); err != nil {
		log.Printf("[cache] WARN: summary invalidate failed order=%s: %v", orderID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func summaryKey(orderID string) string {
	return "order-summary:" + orderID
}

// settlementStatuses derives the order-level payment and order status
// that should hold after the given item lands in its new status.
// Payment goes to refunded when nothing purchasable remains,
// partial_refunded otherwise; the order itself flips to cancelled once
// every item has settled into cancelled or returned.
func settlementStatuses(order *domain.Order, itemID string, to domain.ItemStatus) (paymentStatus string, orderStatus string) {
	allSettled := true
	for i := range order.Items {
		status := order.Items[i].Status
		if order.Items[i].ID == itemID {
			status = to
		}
		if !domain.SettledItem(status) {
			allSettled = false
		}
	}

	if allSettled {
		paymentStatus = domain.PaymentStatusRefunded
		orderStatus = domain.OrderStatusCancelled
	} else {
		paymentStatus = domain.PaymentStatusPartialRefunded
	}
	return paymentStatus, orderStatus
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCOD, domain.PaymentWallet, domain.PaymentRazorpay:
		return true
	}
	return false
}

func isFulfilmentStatus(status domain.ItemStatus) bool {
	switch status {
	case domain.ItemProcessing, domain.ItemShipped, domain.ItemOutForDelivery, domain.ItemDelivered:
		return true
	}
	return false
}

func normalizeItems(items []domain.CheckoutItem) []domain.CheckoutItem {
	agg := make(map[domain.VariantRef]int, len(items))
	order := make([]domain.VariantRef, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.VariantID == "" || item.Qty < 1 {
			continue
		}
		ref := domain.VariantRef{ProductID: item.ProductID, VariantID: item.VariantID}
		if _, seen := agg[ref]; !seen {
			order = append(order, ref)
		}
		agg[ref] += item.Qty
	}

	normalized := make([]domain.CheckoutItem, 0, len(agg))
	for _, ref := range order {
		normalized = append(normalized, domain.CheckoutItem{ProductID: ref.ProductID, VariantID: ref.VariantID, Qty: agg[ref]})
	}
	return normalized
}
