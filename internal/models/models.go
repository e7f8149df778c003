package models

import "time"

// PaymentProvider identifies how an order is settled.
type PaymentProvider string

const (
	ProviderCard        PaymentProvider = "card"
	ProviderBankInvoice PaymentProvider = "bank_invoice"
	ProviderNone        PaymentProvider = "none"
)

// FinalityPolicy says which field signals that an order reached a terminal
// money state. For provider "none" the payment status is assigned
// optimistically before reservation completes, so finality is carried by the
// inventory status instead.
type FinalityPolicy int

const (
	FinalityByPaymentStatus FinalityPolicy = iota
	FinalityByInventoryStatus
)

// Finality returns the finality policy for a provider.
func (p PaymentProvider) Finality() FinalityPolicy {
	if p == ProviderNone {
		return FinalityByInventoryStatus
	}
	return FinalityByPaymentStatus
}

// Valid reports whether p is a known provider.
func (p PaymentProvider) Valid() bool {
	switch p {
	case ProviderCard, ProviderBankInvoice, ProviderNone:
		return true
	}
	return false
}

// PaymentStatus is the provider-facing payment state of an order.
type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "pending"
	PaymentRequiresPayment PaymentStatus = "requires_payment"
	PaymentPaid            PaymentStatus = "paid"
	PaymentFailed          PaymentStatus = "failed"
	PaymentRefunded        PaymentStatus = "refunded"
	PaymentNeedsReview     PaymentStatus = "needs_review"
)

// InventoryStatus tracks where an order sits in the reservation lifecycle.
type InventoryStatus string

const (
	InventoryNone           InventoryStatus = "none"
	InventoryReserving      InventoryStatus = "reserving"
	InventoryReserved       InventoryStatus = "reserved"
	InventoryReleasePending InventoryStatus = "release_pending"
	InventoryReleased       InventoryStatus = "released"
)

// Order business lifecycle statuses
const (
	OrderStatusCreated         = "CREATED"
	OrderStatusReserved        = "INVENTORY_RESERVED"
	OrderStatusPaid            = "PAID"
	OrderStatusInventoryFailed = "INVENTORY_FAILED"
	OrderStatusCanceled        = "CANCELED"
)

// Failure codes recorded on orders
const (
	FailureStockInsufficient = "STOCK_INSUFFICIENT"
	FailureInternalError     = "INTERNAL_ERROR"
	FailureRestockPartial    = "RESTOCK_PARTIAL"
	FailureStaleTimeout      = "STALE_TIMEOUT"
)

// Order represents a customer order
type Order struct {
	ID                     int64           `db:"id" json:"id"`
	UserID                 *int64          `db:"user_id" json:"user_id,omitempty"`
	TotalAmountMinor       int64           `db:"total_amount_minor" json:"total_amount_minor"`
	Currency               string          `db:"currency" json:"currency"`
	PaymentProvider        PaymentProvider `db:"payment_provider" json:"payment_provider"`
	PaymentStatus          PaymentStatus   `db:"payment_status" json:"payment_status"`
	Status                 string          `db:"status" json:"status"`
	InventoryStatus        InventoryStatus `db:"inventory_status" json:"inventory_status"`
	StockRestored          bool            `db:"stock_restored" json:"stock_restored"`
	RestockedAt            *time.Time      `db:"restocked_at" json:"restocked_at,omitempty"`
	IdempotencyKey         string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	IdempotencyRequestHash string          `db:"idempotency_request_hash" json:"-"`
	FailureCode            *string         `db:"failure_code" json:"failure_code,omitempty"`
	FailureMessage         *string         `db:"failure_message" json:"failure_message,omitempty"`
	PaymentIntentID        *string         `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	PSPMetadata            PSPMetadata     `db:"psp_metadata" json:"psp_metadata,omitempty"`
	SweepClaimedAt         *time.Time      `db:"sweep_claimed_at" json:"-"`
	SweepClaimExpiresAt    *time.Time      `db:"sweep_claim_expires_at" json:"-"`
	SweepClaimedBy         *string         `db:"sweep_claimed_by" json:"-"`
	SweepRunID             *string         `db:"sweep_run_id" json:"-"`
	CreatedAt              time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time       `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the order reached a state where no further
// money-affecting mutation is permitted.
func (o *Order) Terminal() bool {
	if o.StockRestored || o.InventoryStatus == InventoryReleased {
		return true
	}
	return o.InventoryStatus == InventoryReserved &&
		(o.PaymentStatus == PaymentPaid || o.PaymentStatus == PaymentRefunded)
}

// OrderItem represents one line of an order. The decimal-string price mirrors
// exist only for consumers of the legacy schema; the minor-unit integers are
// authoritative.
type OrderItem struct {
	ID             int64  `db:"id" json:"id"`
	OrderID        int64  `db:"order_id" json:"order_id"`
	ProductID      int64  `db:"product_id" json:"product_id"`
	SelectedSize   string `db:"selected_size" json:"selected_size,omitempty"`
	SelectedColor  string `db:"selected_color" json:"selected_color,omitempty"`
	Quantity       int    `db:"quantity" json:"quantity"`
	UnitPriceMinor int64  `db:"unit_price_minor" json:"unit_price_minor"`
	LineTotalMinor int64  `db:"line_total_minor" json:"line_total_minor"`
	UnitPrice      string `db:"unit_price" json:"unit_price"`
	LineTotal      string `db:"line_total" json:"line_total"`
}

// MoveType distinguishes ledger directions.
type MoveType string

const (
	MoveReserve MoveType = "reserve"
	MoveRelease MoveType = "release"
)

// InventoryMove is an append-only ledger row. Uniqueness on MoveKey is the
// idempotency primitive: a move applies at most once regardless of retries.
type InventoryMove struct {
	ID        int64     `db:"id" json:"id"`
	MoveKey   string    `db:"move_key" json:"move_key"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	MoveType  MoveType  `db:"move_type" json:"move_type"`
	Quantity  int       `db:"quantity" json:"quantity"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PaymentEvent records an inbound provider event and its processing claim.
type PaymentEvent struct {
	ID             int64      `db:"id"`
	Provider       string     `db:"provider"`
	EventID        string     `db:"event_id"`
	EventType      string     `db:"event_type"`
	ClaimedAt      *time.Time `db:"claimed_at"`
	ClaimExpiresAt *time.Time `db:"claim_expires_at"`
	ClaimedBy      *string    `db:"claimed_by"`
	ProcessedAt    *time.Time `db:"processed_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Product represents a product in the catalog. Stock is tracked per product,
// not per variant.
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	Stock     int       `db:"stock" json:"stock"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProductPrice is the authoritative price row per currency.
type ProductPrice struct {
	ProductID       int64  `db:"product_id" json:"product_id"`
	Currency        string `db:"currency" json:"currency"`
	UnitAmountMinor int64  `db:"unit_amount_minor" json:"unit_amount_minor"`
}
