// Package memory implements store.Repository with in-process state. It
// backs the unit tests and dev mode; the mutex gives every operation
// the same all-or-nothing visibility the postgres store gets from
// serializable transactions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bagcart/backend/internal/domain"
	"bagcart/backend/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	stock      map[domain.VariantRef]int
	coupons    map[string]domain.Coupon
	ordersByID map[string]*domain.Order
	orderIDs   []string
	wallets    map[string]*domain.Wallet
	auditLogs  []domain.AuditLog
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.Product),
		stock:      make(map[domain.VariantRef]int),
		coupons:    make(map[string]domain.Coupon),
		ordersByID: make(map[string]*domain.Order),
		wallets:    make(map[string]*domain.Wallet),
	}
}

// NewSeeded returns a store pre-loaded with a small catalog, a
// percentage coupon and funded wallets for dev/demo mode and tests.
func NewSeeded() *Store {
	s := New()

	products := []domain.Product{
		{ID: "prod-tote-01", Name: "Canvas Tote", Category: "bags", Active: true, Variants: []domain.Variant{
			{ID: "var-tote-natural", Label: "Natural", Price: 300, RegularPrice: 350, Stock: 40},
			{ID: "var-tote-black", Label: "Black", Price: 320, RegularPrice: 350, Stock: 25},
		}},
		{ID: "prod-duffel-01", Name: "Weekend Duffel", Category: "bags", Active: true, Variants: []domain.Variant{
			{ID: "var-duffel-olive", Label: "Olive", Price: 700, RegularPrice: 800, Stock: 30},
		}},
		{ID: "prod-sling-01", Name: "Crossbody Sling", Category: "bags", Active: true, Variants: []domain.Variant{
			{ID: "var-sling-tan", Label: "Tan", Price: 450, RegularPrice: 500, Stock: 18},
		}},
		{ID: "prod-pouch-01", Name: "Travel Pouch Set", Category: "accessories", Active: true, Variants: []domain.Variant{
			{ID: "var-pouch-3pc", Label: "3 piece", Price: 150, RegularPrice: 180, Stock: 60},
		}},
	}
	for _, p := range products {
		s.products[p.ID] = p
		for _, v := range p.Variants {
			s.stock[domain.VariantRef{ProductID: p.ID, VariantID: v.ID}] = v.Stock
		}
	}

	s.coupons["SAVE10"] = domain.Coupon{Code: "SAVE10", DiscountPercent: 10, MinSubtotal: 500, Active: true}
	s.coupons["FLAT5"] = domain.Coupon{Code: "FLAT5", DiscountPercent: 5, MaxDiscount: 200, Active: true}

	for _, userID := range []string{"user-1", "user-2"} {
		s.wallets[userID] = &domain.Wallet{UserID: userID, Balance: 5000, Transactions: []domain.WalletTransaction{{
			ID:          uuid.NewString(),
			Type:        domain.WalletCredit,
			Amount:      5000,
			Description: "seed balance",
			CreatedAt:   time.Now().UTC(),
		}}}
	}

	return s
}

func (s *Store) GetVariants(_ context.Context, refs []domain.VariantRef) (map[domain.VariantRef]domain.VariantInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[domain.VariantRef]domain.VariantInfo, len(refs))
	for _, ref := range refs {
		product, ok := s.products[ref.ProductID]
		if !ok || !product.Active {
			continue
		}
		for _, v := range product.Variants {
			if v.ID != ref.VariantID {
				continue
			}
			result[ref] = domain.VariantInfo{
				Name:         product.Name,
				Price:        v.Price,
				RegularPrice: v.RegularPrice,
				Stock:        s.stock[ref],
			}
		}
	}
	return result, nil
}

func (s *Store) GetCouponByCode(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, ok := s.coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := coupon
	return &copied, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" || order.UserID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidOrder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Authoritative stock check: the advisory check at pricing time may
	// be stale by now.
	for _, item := range order.Items {
		ref := domain.VariantRef{ProductID: item.ProductID, VariantID: item.VariantID}
		if s.stock[ref] < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	if order.PaymentMethod == domain.PaymentWallet {
		wallet := s.walletLocked(order.UserID)
		if wallet.Balance < order.TotalAmount {
			return nil, store.ErrWalletBalance
		}
		wallet.Balance = wallet.Balance - order.TotalAmount
		wallet.Transactions = append(wallet.Transactions, domain.WalletTransaction{
			ID:          uuid.NewString(),
			Type:        domain.WalletDebit,
			Amount:      order.TotalAmount,
			Description: "payment for order " + order.ID,
			CreatedAt:   time.Now().UTC(),
		})
	}

	// COD stock stays reserved, not deducted, until delivery confirms
	// the sale.
	if order.PaymentMethod != domain.PaymentCOD {
		for _, item := range order.Items {
			ref := domain.VariantRef{ProductID: item.ProductID, VariantID: item.VariantID}
			s.stock[ref] -= item.Quantity
		}
	}

	copied := cloneOrder(&order)
	s.ordersByID[order.ID] = copied
	s.orderIDs = append(s.orderIDs, order.ID)

	return cloneOrder(copied), nil
}

func (s *Store) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, limit)
	for i := len(s.orderIDs) - 1; i >= 0 && len(orders) < limit; i-- {
		order := s.ordersByID[s.orderIDs[i]]
		if order.UserID == userID {
			orders = append(orders, *cloneOrder(order))
		}
	}
	return orders, nil
}

func (s *Store) ListOrders(_ context.Context, status string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, limit)
	for i := len(s.orderIDs) - 1; i >= 0 && len(orders) < limit; i-- {
		order := s.ordersByID[s.orderIDs[i]]
		if status != "" && order.Status != status {
			continue
		}
		orders = append(orders, *cloneOrder(order))
	}
	return orders, nil
}

func (s *Store) SettleItem(_ context.Context, params store.SettleItemParams) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[params.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}

	var item *domain.OrderItem
	for i := range order.Items {
		if order.Items[i].ID == params.ItemID {
			item = &order.Items[i]
			break
		}
	}
	if item == nil {
		return nil, store.ErrNotFound
	}

	// Compare-and-set on status: a concurrent settle already moved it.
	if item.Status != params.FromStatus {
		return nil, store.ErrConflict
	}
	if params.Refund != nil && item.RefundAmount != nil {
		return nil, store.ErrAlreadySettled
	}

	ref := domain.VariantRef{ProductID: item.ProductID, VariantID: item.VariantID}
	if params.StockDelta < 0 && s.stock[ref] < -params.StockDelta {
		return nil, store.ErrConflict
	}

	// Point of no return: every mutation below must succeed together.
	s.stock[ref] += params.StockDelta

	item.Status = params.ToStatus
	if params.CancelReason != "" {
		item.CancelReason = params.CancelReason
	}
	if params.ReturnReason != "" {
		item.ReturnReason = params.ReturnReason
	}

	if params.Refund != nil {
		now := time.Now().UTC()
		amount := params.Refund.Amount
		item.RefundAmount = &amount
		item.RefundMethod = domain.RefundMethodWallet
		item.RefundStatus = domain.RefundStatusCredited
		item.RefundDate = &now

		wallet := s.walletLocked(params.Refund.UserID)
		wallet.Balance = wallet.Balance + amount
		wallet.Transactions = append(wallet.Transactions, domain.WalletTransaction{
			ID:          uuid.NewString(),
			Type:        domain.WalletCredit,
			Amount:      amount,
			Description: params.Refund.Description,
			CreatedAt:   now,
		})
	}

	if params.PaymentStatus != "" {
		order.PaymentStatus = params.PaymentStatus
	}
	if params.OrderStatus != "" {
		order.Status = params.OrderStatus
	}

	return cloneOrder(order), nil
}

func (s *Store) GetWallet(_ context.Context, userID string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wallet := s.walletLocked(userID)
	copied := *wallet
	copied.Transactions = append([]domain.WalletTransaction(nil), wallet.Transactions...)
	sort.SliceStable(copied.Transactions, func(i, j int) bool {
		return copied.Transactions[i].CreatedAt.After(copied.Transactions[j].CreatedAt)
	})
	return &copied, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.Action == "" {
		return fmt.Errorf("audit action required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

// walletLocked returns the user's wallet, creating an empty one on
// first touch. Callers must hold the write lock.
func (s *Store) walletLocked(userID string) *domain.Wallet {
	wallet, ok := s.wallets[userID]
	if !ok {
		wallet = &domain.Wallet{UserID: userID}
		s.wallets[userID] = wallet
	}
	return wallet
}

func cloneOrder(order *domain.Order) *domain.Order {
	copied := *order
	copied.Items = append([]domain.OrderItem(nil), order.Items...)
	for i := range copied.Items {
		if order.Items[i].RefundAmount != nil {
			amount := *order.Items[i].RefundAmount
			copied.Items[i].RefundAmount = &amount
		}
		if order.Items[i].RefundDate != nil {
			date := *order.Items[i].RefundDate
			copied.Items[i].RefundDate = &date
		}
	}
	if order.Coupon != nil {
		coupon := *order.Coupon
		copied.Coupon = &coupon
	}
	return &copied
}
