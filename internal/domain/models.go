package domain

import "time"

type Product struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Active   bool      `json:"active"`
	Variants []Variant `json:"variants"`
}

type Variant struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	Price        float64 `json:"price"`
	RegularPrice float64 `json:"regular_price"`
	Stock        int     `json:"stock"`
}

// VariantRef identifies one sellable product variant. Comparable, so it
// can key lookup maps across the store boundary.
type VariantRef struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
}

// VariantInfo is the pricing/stock snapshot the checkout flow reads for
// a variant before building order items.
type VariantInfo struct {
	Name         string
	Price        float64
	RegularPrice float64
	Stock        int
}

type Coupon struct {
	Code            string  `json:"code"`
	DiscountPercent float64 `json:"discount_percent"`
	MaxDiscount     float64 `json:"max_discount"`
	MinSubtotal     float64 `json:"min_subtotal"`
	Active          bool    `json:"active"`
}

// CouponSnapshot is frozen into the order at checkout so refunds on
// legacy orders can reconstruct the discount base later.
type CouponSnapshot struct {
	Code                 string  `json:"code"`
	DiscountAmount       float64 `json:"discount_amount"`
	SubtotalBeforeCoupon float64 `json:"subtotal_before_coupon"`
}

type ItemStatus string

const (
	ItemPending         ItemStatus = "pending"
	ItemProcessing      ItemStatus = "processing"
	ItemShipped         ItemStatus = "shipped"
	ItemOutForDelivery  ItemStatus = "out_for_delivery"
	ItemDelivered       ItemStatus = "delivered"
	ItemCancelled       ItemStatus = "cancelled"
	ItemReturnRequested ItemStatus = "return-requested"
	ItemReturned        ItemStatus = "returned"
	ItemReturnRejected  ItemStatus = "return-rejected"
)

const (
	PaymentCOD      = "cod"
	PaymentWallet   = "wallet"
	PaymentRazorpay = "razorpay"
)

const (
	PaymentStatusPending         = "pending"
	PaymentStatusPaid            = "paid"
	PaymentStatusPartialRefunded = "partial_refunded"
	PaymentStatusRefunded        = "refunded"
)

const (
	OrderStatusPlaced    = "placed"
	OrderStatusCancelled = "cancelled"
)

const (
	RefundStatusCredited = "credited"
	RefundMethodWallet   = "wallet"
)

// OrderItem is owned by its Order and never addressed independently.
// The cost-breakdown fields (CouponShare through FinalPayable) are
// frozen at checkout; RefundAmount is set exactly once at settlement.
type OrderItem struct {
	ID           string  `json:"id"`
	ProductID    string  `json:"product_id"`
	VariantID    string  `json:"variant_id"`
	Name         string  `json:"name"`
	Quantity     int     `json:"quantity"`
	Price        float64 `json:"price"`
	RegularPrice float64 `json:"regular_price"`
	ItemSubtotal float64 `json:"item_subtotal"`

	CouponShare   float64 `json:"coupon_share"`
	AfterCoupon   float64 `json:"after_coupon"`
	TaxShare      float64 `json:"tax_share"`
	ShippingShare float64 `json:"shipping_share"`
	FinalPayable  float64 `json:"final_payable"`

	Status       ItemStatus `json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	ReturnReason string     `json:"return_reason,omitempty"`

	RefundAmount *float64   `json:"refund_amount,omitempty"`
	RefundMethod string     `json:"refund_method,omitempty"`
	RefundStatus string     `json:"refund_status,omitempty"`
	RefundDate   *time.Time `json:"refund_date,omitempty"`
}

// Order is the aggregate root. Subtotal, Tax, ShippingFee and
// TotalAmount are authoritative as of creation time and never mutated;
// post-cancellation reality is derived via the summary aggregator.
type Order struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Items         []OrderItem     `json:"items"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	Status        string          `json:"status"`
	Subtotal      float64         `json:"subtotal"`
	Tax           float64         `json:"tax"`
	ShippingFee   float64         `json:"shipping_fee"`
	TotalAmount   float64         `json:"total_amount"`
	Coupon        *CouponSnapshot `json:"coupon,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Prepaid reports whether money has already moved for this order, which
// is what makes a cancelled item refund-eligible.
func (o *Order) Prepaid() bool {
	switch o.PaymentMethod {
	case PaymentWallet:
		return true
	case PaymentRazorpay:
		return o.PaymentStatus == PaymentStatusPaid ||
			o.PaymentStatus == PaymentStatusPartialRefunded
	default:
		return false
	}
}

type WalletTransaction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Wallet struct {
	UserID       string              `json:"user_id"`
	Balance      float64             `json:"balance"`
	Transactions []WalletTransaction `json:"transactions"`
}

const (
	WalletCredit = "credit"
	WalletDebit  = "debit"
)

// OrderSummary is the derived current-state view of an order,
// recomputable at any time from item state. It supersedes the frozen
// Order.TotalAmount once items start cancelling or returning.
type OrderSummary struct {
	OrderID              string  `json:"order_id"`
	CurrentTotal         float64 `json:"current_total"`
	ActiveSubtotal       float64 `json:"active_subtotal"`
	ActiveTax            float64 `json:"active_tax"`
	ActiveShipping       float64 `json:"active_shipping"`
	ActiveCouponDiscount float64 `json:"active_coupon_discount"`
	ActiveOriginalPrice  float64 `json:"active_original_price"`
	ProductDiscounts     float64 `json:"product_discounts"`
	TotalSavings         float64 `json:"total_savings"`
	CancelledTotal       float64 `json:"cancelled_total"`
	ReturnedTotal        float64 `json:"returned_total"`
	ActiveCount          int     `json:"active_count"`
	CancelledCount       int     `json:"cancelled_count"`
	ReturnedCount        int     `json:"returned_count"`
	GeneratedAt          string  `json:"generated_at"`
}

type Actor struct {
	UserID string
	Role   string
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type CheckoutItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
}

type CheckoutRequest struct {
	Items         []CheckoutItem `json:"items"`
	CouponCode    string         `json:"coupon_code,omitempty"`
	PaymentMethod string         `json:"payment_method"`
	// ExpectedTotal, when > 0, is the total the client displayed; the
	// server rejects the order if its own computation disagrees.
	ExpectedTotal float64 `json:"expected_total,omitempty"`
}

type CheckoutResponse struct {
	Order Order `json:"order"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

type ItemStatusUpdateRequest struct {
	Status ItemStatus `json:"status"`
}

type CancelItemRequest struct {
	Reason string `json:"reason"`
}

type ReturnRequestBody struct {
	Reason string `json:"reason"`
}

// RefundBreakdown is returned to user/admin UIs after a settlement so
// they can display how the refunded amount was derived.
type RefundBreakdown struct {
	ItemSubtotal  float64 `json:"item_subtotal"`
	CouponShare   float64 `json:"coupon_share"`
	AfterCoupon   float64 `json:"after_coupon"`
	TaxShare      float64 `json:"tax_share"`
	ShippingShare float64 `json:"shipping_share"`
	TotalRefund   float64 `json:"total_refund"`
}

type SettlementResponse struct {
	Order    Order            `json:"order"`
	ItemID   string           `json:"item_id"`
	Status   ItemStatus       `json:"status"`
	Refunded bool             `json:"refunded"`
	Refund   *RefundBreakdown `json:"refund,omitempty"`
}

type WalletResponse struct {
	Wallet Wallet `json:"wallet"`
}
