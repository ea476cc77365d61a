package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bagcart/backend/internal/domain"
	"bagcart/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetVariants(ctx context.Context, refs []domain.VariantRef) (map[domain.VariantRef]domain.VariantInfo, error) {
	result := make(map[domain.VariantRef]domain.VariantInfo, len(refs))
	if len(refs) == 0 {
		return result, nil
	}

	productIDs := make([]string, 0, len(refs))
	variantIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		productIDs = append(productIDs, ref.ProductID)
		variantIDs = append(variantIDs, ref.VariantID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, v.id, p.name, v.price, v.regular_price, v.stock
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE p.active = true AND p.id = ANY($1) AND v.id = ANY($2)
	`, productIDs, variantIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ref domain.VariantRef
		var info domain.VariantInfo
		if err := rows.Scan(&ref.ProductID, &ref.VariantID, &info.Name, &info.Price, &info.RegularPrice, &info.Stock); err != nil {
			return nil, err
		}
		result[ref] = info
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	var coupon domain.Coupon
	err := s.db.QueryRowContext(ctx, `
		SELECT code, discount_percent, max_discount, min_subtotal, active
		FROM coupons
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code))).Scan(
		&coupon.Code, &coupon.DiscountPercent, &coupon.MaxDiscount, &coupon.MinSubtotal, &coupon.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &coupon, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" || order.UserID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidOrder
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Authoritative stock check under row locks; the advisory check at
	// pricing time narrows the race window but only this one counts.
	for _, item := range order.Items {
		var stock int
		err := pgTx.QueryRowContext(ctx, `
			SELECT stock FROM product_variants
			WHERE product_id = $1 AND id = $2
			FOR UPDATE
		`, item.ProductID, item.VariantID).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: variant %s unavailable", store.ErrInvalidOrder, item.VariantID)
			}
			return nil, mapPgError(err)
		}
		if stock < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	if order.PaymentMethod == domain.PaymentWallet {
		if err := debitWallet(ctx, pgTx, order.UserID, order.TotalAmount, "payment for order "+order.ID); err != nil {
			return nil, err
		}
	}

	// COD stock stays reserved, not deducted, until delivery confirms
	// the sale.
	if order.PaymentMethod != domain.PaymentCOD {
		for _, item := range order.Items {
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE product_variants
				SET stock = stock - $1, updated_at = now()
				WHERE product_id = $2 AND id = $3
			`, item.Quantity, item.ProductID, item.VariantID); err != nil {
				return nil, mapPgError(err)
			}
		}
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	var couponCode sql.NullString
	var couponDiscount, couponSubtotal sql.NullFloat64
	if order.Coupon != nil {
		couponCode = sql.NullString{String: order.Coupon.Code, Valid: true}
		couponDiscount = sql.NullFloat64{Float64: order.Coupon.DiscountAmount, Valid: true}
		couponSubtotal = sql.NullFloat64{Float64: order.Coupon.SubtotalBeforeCoupon, Valid: true}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, payment_method, payment_status, status,
			subtotal, tax, shipping_fee, total_amount,
			coupon_code, coupon_discount, coupon_subtotal, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, order.ID, order.UserID, order.PaymentMethod, order.PaymentStatus, order.Status,
		order.Subtotal, order.Tax, order.ShippingFee, order.TotalAmount,
		couponCode, couponDiscount, couponSubtotal, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Order IDs are generated server-side; a duplicate means a
			// concurrent retry already won.
			return nil, fmt.Errorf("%w: order %s already exists", store.ErrConflict, order.ID)
		}
		return nil, mapPgError(err)
	}

	// Position preserves item order: the distribution engine's
	// last-item remainder policy depends on it.
	for i, item := range order.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, position, product_id, variant_id, name, qty,
				price, regular_price, item_subtotal,
				coupon_share, after_coupon, tax_share, shipping_share, final_payable,
				status
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, item.ID, order.ID, i, item.ProductID, item.VariantID, item.Name, item.Quantity,
			item.Price, item.RegularPrice, item.ItemSubtotal,
			item.CouponShare, item.AfterCoupon, item.TaxShare, item.ShippingShare, item.FinalPayable,
			item.Status)
		if err != nil {
			return nil, mapPgError(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapPgError(err)
	}

	return &order, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, payment_method, payment_status, status,
			subtotal, tax, shipping_fee, total_amount,
			coupon_code, coupon_discount, coupon_subtotal, created_at
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	items, err := s.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `WHERE user_id = $1`, userID, limit)
}

func (s *Store) ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error) {
	if status == "" {
		return s.listOrders(ctx, `WHERE $1 = ''`, status, limit)
	}
	return s.listOrders(ctx, `WHERE status = $1`, status, limit)
}

func (s *Store) listOrders(ctx context.Context, where string, arg string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, payment_method, payment_status, status,
			subtotal, tax, shipping_fee, total_amount,
			coupon_code, coupon_discount, coupon_subtotal, created_at
		FROM orders
		`+where+`
		ORDER BY created_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := s.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) SettleItem(ctx context.Context, params store.SettleItemParams) (*domain.Order, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var (
		status       domain.ItemStatus
		productID    string
		variantID    string
		refundAmount sql.NullFloat64
	)
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, product_id, variant_id, refund_amount
		FROM order_items
		WHERE order_id = $1 AND id = $2
		FOR UPDATE
	`, params.OrderID, params.ItemID).Scan(&status, &productID, &variantID, &refundAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}

	// Status CAS: the caller decided the transition against the state
	// it read; if someone got there first, abort.
	if status != params.FromStatus {
		return nil, store.ErrConflict
	}
	if params.Refund != nil && refundAmount.Valid {
		return nil, store.ErrAlreadySettled
	}

	if params.StockDelta != 0 {
		result, err := pgTx.ExecContext(ctx, `
			UPDATE product_variants
			SET stock = stock + $1, updated_at = now()
			WHERE product_id = $2 AND id = $3 AND stock + $1 >= 0
		`, params.StockDelta, productID, variantID)
		if err != nil {
			return nil, mapPgError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrConflict
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE order_items
		SET status = $3,
			cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason),
			return_reason = COALESCE(NULLIF($5, ''), return_reason)
		WHERE order_id = $1 AND id = $2
	`, params.OrderID, params.ItemID, params.ToStatus, params.CancelReason, params.ReturnReason)
	if err != nil {
		return nil, mapPgError(err)
	}

	if params.Refund != nil {
		now := time.Now().UTC()
		_, err = pgTx.ExecContext(ctx, `
			UPDATE order_items
			SET refund_amount = $3, refund_method = $4, refund_status = $5, refund_date = $6
			WHERE order_id = $1 AND id = $2
		`, params.OrderID, params.ItemID, params.Refund.Amount,
			domain.RefundMethodWallet, domain.RefundStatusCredited, now)
		if err != nil {
			return nil, mapPgError(err)
		}

		if err := creditWallet(ctx, pgTx, params.Refund.UserID, params.Refund.Amount, params.Refund.Description); err != nil {
			return nil, err
		}
	}

	if params.PaymentStatus != "" || params.OrderStatus != "" {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE orders
			SET payment_status = COALESCE(NULLIF($2, ''), payment_status),
				status = COALESCE(NULLIF($3, ''), status)
			WHERE id = $1
		`, params.OrderID, params.PaymentStatus, params.OrderStatus)
		if err != nil {
			return nil, mapPgError(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapPgError(err)
	}

	return s.GetOrderByID(ctx, params.OrderID)
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	wallet := domain.Wallet{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1
	`, userID).Scan(&wallet.Balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, amount, description, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 200
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var txn domain.WalletTransaction
		if err := rows.Scan(&txn.ID, &txn.Type, &txn.Amount, &txn.Description, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.CreatedAt = txn.CreatedAt.UTC()
		wallet.Transactions = append(wallet.Transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &wallet, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, variant_id, name, qty,
			price, regular_price, item_subtotal,
			coupon_share, after_coupon, tax_share, shipping_share, final_payable,
			status, cancel_reason, return_reason,
			refund_amount, refund_method, refund_status, refund_date
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		var cancelReason, returnReason, refundMethod, refundStatus sql.NullString
		var refundAmount sql.NullFloat64
		var refundDate sql.NullTime
		if err := rows.Scan(&item.ID, &item.ProductID, &item.VariantID, &item.Name, &item.Quantity,
			&item.Price, &item.RegularPrice, &item.ItemSubtotal,
			&item.CouponShare, &item.AfterCoupon, &item.TaxShare, &item.ShippingShare, &item.FinalPayable,
			&item.Status, &cancelReason, &returnReason,
			&refundAmount, &refundMethod, &refundStatus, &refundDate); err != nil {
			return nil, err
		}
		item.CancelReason = cancelReason.String
		item.ReturnReason = returnReason.String
		item.RefundMethod = refundMethod.String
		item.RefundStatus = refundStatus.String
		if refundAmount.Valid {
			amount := refundAmount.Float64
			item.RefundAmount = &amount
		}
		if refundDate.Valid {
			date := refundDate.Time.UTC()
			item.RefundDate = &date
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var couponCode sql.NullString
	var couponDiscount, couponSubtotal sql.NullFloat64
	err := row.Scan(&order.ID, &order.UserID, &order.PaymentMethod, &order.PaymentStatus, &order.Status,
		&order.Subtotal, &order.Tax, &order.ShippingFee, &order.TotalAmount,
		&couponCode, &couponDiscount, &couponSubtotal, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if couponCode.Valid {
		order.Coupon = &domain.CouponSnapshot{
			Code:                 couponCode.String,
			DiscountAmount:       couponDiscount.Float64,
			SubtotalBeforeCoupon: couponSubtotal.Float64,
		}
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

func debitWallet(ctx context.Context, tx *sql.Tx, userID string, amount float64, description string) error {
	var balance float64
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrWalletBalance
		}
		return mapPgError(err)
	}
	if balance < amount {
		return store.ErrWalletBalance
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $2, updated_at = now() WHERE user_id = $1
	`, userID, amount); err != nil {
		return mapPgError(err)
	}
	return insertWalletTxn(ctx, tx, userID, domain.WalletDebit, amount, description)
}

func creditWallet(ctx context.Context, tx *sql.Tx, userID string, amount float64, description string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
	`, userID, amount); err != nil {
		return mapPgError(err)
	}
	return insertWalletTxn(ctx, tx, userID, domain.WalletCredit, amount, description)
}

func insertWalletTxn(ctx context.Context, tx *sql.Tx, userID string, txnType string, amount float64, description string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, uuid.NewString(), userID, txnType, amount, description, time.Now().UTC()); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError surfaces serialization failures and deadlocks as
// store.ErrConflict so callers can retry, and keeps everything else
// as-is.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Code)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
