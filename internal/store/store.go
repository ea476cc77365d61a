package store

import (
	"context"
	"errors"
	"time"

	"bagcart/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidOrder      = errors.New("invalid order")
	// ErrConflict means a concurrent write changed state the operation
	// depended on (stock, item status). The transaction was aborted and
	// the caller may retry after re-reading.
	ErrConflict = errors.New("conflicting concurrent update, please retry")
	// ErrAlreadySettled guards refund idempotency: the item's refund
	// amount is already frozen.
	ErrAlreadySettled = errors.New("item already settled")
	ErrWalletBalance  = errors.New("insufficient wallet balance")
)

// WalletCredit describes a refund to credit inside the same
// transaction that flips the item status.
type WalletCredit struct {
	UserID      string
	Amount      float64
	Description string
}

// SettleItemParams is the unit of work for one item lifecycle
// transition. The repository applies every field atomically: status
// CAS, stock movement, wallet credit, refund freeze and order-level
// status updates all commit together or not at all.
type SettleItemParams struct {
	OrderID string
	ItemID  string

	// FromStatus is the status the caller observed; the transition is
	// rejected with ErrConflict if the stored status differs.
	FromStatus domain.ItemStatus
	ToStatus   domain.ItemStatus

	// StockDelta is applied to the item's variant: positive restores
	// stock (cancellation/return), negative deducts (COD delivery).
	StockDelta int

	// Refund, when set, freezes the item's refund fields and credits
	// the wallet. Rejected with ErrAlreadySettled if the item already
	// has a refund amount.
	Refund *WalletCredit

	CancelReason string
	ReturnReason string

	// PaymentStatus / OrderStatus update the order when non-empty.
	PaymentStatus string
	OrderStatus   string
}

type Repository interface {
	GetVariants(ctx context.Context, refs []domain.VariantRef) (map[domain.VariantRef]domain.VariantInfo, error)
	GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error)

	// CreateOrder persists the order and its items atomically with the
	// authoritative stock check: prepaid orders deduct stock, COD
	// orders only validate it, and wallet orders additionally debit
	// the user's wallet. Any failure aborts the whole operation.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error)

	SettleItem(ctx context.Context, params SettleItemParams) (*domain.Order, error)

	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
