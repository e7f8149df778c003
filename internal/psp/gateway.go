// Package psp holds the narrow payment-provider interface the core depends
// on, plus the provider-specific normalization that keeps API quirks out of
// the domain logic.
package psp

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
)

// Signature failure reasons. Stable tokens, usable as rate-limit key parts
// and metric labels.
const (
	SigReasonMalformedHeader  = "malformed_header"
	SigReasonStaleTimestamp   = "stale_timestamp"
	SigReasonDigestMismatch   = "digest_mismatch"
	SigReasonMalformedPayload = "malformed_payload"
)

// SignatureError reports a webhook verification failure together with the
// reason it failed.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook verification failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("webhook verification failed (%s)", e.Reason)
}

func (e *SignatureError) Unwrap() error { return e.Err }

func signatureFailure(reason string, err error) error {
	return &SignatureError{Reason: reason, Err: err}
}

// EventKind is the normalized classification of a provider event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindPaymentSucceeded
	KindPaymentFailed
	KindPaymentCanceled
	KindRefund
)

// Event is a provider webhook event normalized into provider-neutral fields.
type Event struct {
	ID              string
	Type            string
	Kind            EventKind
	PaymentIntentID string
	ChargeID        string
	OrderID         int64 // 0 when the event carries no order metadata
	AmountMinor     int64
	Currency        string
	DeclineReason   string
	Raw             json.RawMessage
}

// Refund is one refund entry on a charge.
type Refund struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
}

// Charge is the provider's view of a settled payment. AmountRefundedMinor is
// nil when the provider did not include the cumulative field.
type Charge struct {
	ID                  string
	AmountMinor         int64
	AmountRefundedMinor *int64
	Currency            string
	Refunds             []Refund
}

// Gateway is the narrow provider surface the core invokes. Signature
// verification, charge lookups and invoice cancellation live behind it; the
// core never talks provider wire formats.
type Gateway interface {
	// VerifyWebhookSignature authenticates a raw webhook payload and returns
	// the normalized event. Verification failures return an error and no
	// event.
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error)
	// RetrieveCharge fetches the current charge state, including refund
	// amounts.
	RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error)
	// CancelInvoice cancels an unpaid invoice. externalRef makes retries
	// idempotent on the provider side.
	CancelInvoice(ctx context.Context, invoiceID, externalRef string) error
	// RemoveInvoice deletes a canceled invoice.
	RemoveInvoice(ctx context.Context, invoiceID string) error
}

// RefundFullness classifies how much of a charge has been refunded.
type RefundFullness int

const (
	RefundPartial RefundFullness = iota
	RefundFull
)

// ClassifyRefund determines fullness from the cumulative refunded amount,
// falling back to summing the refunds list when the cumulative field is
// absent. When neither source yields a number it returns
// ErrRefundFullnessUndetermined so the caller fails closed instead of
// guessing.
func ClassifyRefund(c *Charge) (RefundFullness, int64, error) {
	if c == nil || c.AmountMinor <= 0 {
		return RefundPartial, 0, models.ErrRefundFullnessUndetermined
	}
	if c.AmountRefundedMinor != nil {
		refunded := *c.AmountRefundedMinor
		if refunded >= c.AmountMinor {
			return RefundFull, refunded, nil
		}
		return RefundPartial, refunded, nil
	}
	if len(c.Refunds) == 0 {
		return RefundPartial, 0, models.ErrRefundFullnessUndetermined
	}
	var sum int64
	for _, r := range c.Refunds {
		if r.AmountMinor <= 0 {
			return RefundPartial, 0, models.ErrRefundFullnessUndetermined
		}
		sum += r.AmountMinor
	}
	if sum >= c.AmountMinor {
		return RefundFull, sum, nil
	}
	return RefundPartial, sum, nil
}
