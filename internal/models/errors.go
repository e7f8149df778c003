package models

import (
	"errors"
	"fmt"
)

// InvalidPayloadError reports malformed or insufficient request data. It is
// user-facing and not retryable as-is.
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Reason)
}

// InsufficientStockError reports a failed reservation. User-facing; the
// caller may retry with a smaller quantity.
type InsufficientStockError struct {
	ProductID int64
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (requested %d)", e.ProductID, e.Requested)
}

// PriceConfigError reports a product without a price row for the requested
// currency. This is a server misconfiguration, surfaced distinctly so clients
// can self-heal by dropping the offending line item.
type PriceConfigError struct {
	ProductID int64
	Currency  string
}

func (e *PriceConfigError) Error() string {
	return fmt.Sprintf("no price configured for product %d in currency %s", e.ProductID, e.Currency)
}

// OrderStateInvalidError reports a violated order invariant. Fatal; never
// silently coerced.
type OrderStateInvalidError struct {
	OrderID int64
	Reason  string
}

func (e *OrderStateInvalidError) Error() string {
	return fmt.Sprintf("order %d in invalid state: %s", e.OrderID, e.Reason)
}

// IdempotencyConflictError reports the same client key used with a different
// cart or currency. Rejected, not merged.
type IdempotencyConflictError struct {
	Key     string
	OrderID int64
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used for order %d with a different request", e.Key, e.OrderID)
}

// ErrRefundFullnessUndetermined is returned when provider data is
// insufficient to classify a refund as full or partial. The webhook request
// fails so the provider retries later rather than the handler guessing.
var ErrRefundFullnessUndetermined = errors.New("refund fullness undetermined from provider data")

// ErrOrderBusy is returned when another worker holds the restock lease for an
// order. Retryable once the lease expires.
var ErrOrderBusy = errors.New("order claimed by another worker")

// ErrEventBusy is returned when a webhook event is claimed by another
// instance and its claim has not expired.
var ErrEventBusy = errors.New("event claimed by another instance")

// ErrOrderNotFound is returned when an order cannot be resolved.
var ErrOrderNotFound = errors.New("order not found")

// ErrAmbiguousOrderMatch is returned when a payment intent resolves to more
// than one order. The handler fails closed.
var ErrAmbiguousOrderMatch = errors.New("payment intent matches more than one order")
