package service

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// GuardResult classifies one guarded transition attempt.
type GuardResult string

const (
	GuardApplied           GuardResult = "applied"
	GuardNotFound          GuardResult = "not_found"
	GuardProviderMismatch  GuardResult = "provider_mismatch"
	GuardAlreadyInState    GuardResult = "already_in_state"
	GuardInvalidTransition GuardResult = "invalid_transition"
	GuardBlocked           GuardResult = "blocked"
)

// pspTransitions is the transition table shared by the card and bank-invoice
// providers, keyed by target state and listing the allowed source states. The
// backward edges (paid back to pending, failed back to pending) exist because
// a webhook can race a local update.
var pspTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentRequiresPayment: {models.PaymentPending},
	models.PaymentPending:         {models.PaymentRequiresPayment},
	models.PaymentPaid:            {models.PaymentPending, models.PaymentRequiresPayment},
	models.PaymentFailed:          {models.PaymentPending, models.PaymentRequiresPayment},
	models.PaymentRefunded:        {models.PaymentPaid, models.PaymentPending, models.PaymentRequiresPayment},
	models.PaymentNeedsReview: {
		models.PaymentPending, models.PaymentRequiresPayment, models.PaymentPaid,
		models.PaymentFailed, models.PaymentRefunded, models.PaymentNeedsReview,
	},
}

// noneTransitions is the forward-only table for provider "none": the
// optimistic paid can degrade to failed, and failed can never become paid.
var noneTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPaid:   {models.PaymentPaid},
	models.PaymentFailed: {models.PaymentPaid, models.PaymentFailed},
}

var providerTransitions = map[models.PaymentProvider]map[models.PaymentStatus][]models.PaymentStatus{
	models.ProviderCard:        pspTransitions,
	models.ProviderBankInvoice: pspTransitions,
	models.ProviderNone:        noneTransitions,
}

// EligibleSources returns the payment states from which `to` may be reached
// for a provider. Self-transitions are allowed whenever the caller supplies
// field updates, which is how metadata gets refreshed without a state change.
func EligibleSources(provider models.PaymentProvider, to models.PaymentStatus, hasFields bool) []models.PaymentStatus {
	table, ok := providerTransitions[provider]
	if !ok {
		return nil
	}
	sources := table[to]
	if !hasFields {
		return sources
	}
	for _, s := range sources {
		if s == to {
			return sources
		}
	}
	out := make([]models.PaymentStatus, 0, len(sources)+1)
	out = append(out, sources...)
	return append(out, to)
}

// GuardOpts carries the optional parts of a guarded transition.
type GuardOpts struct {
	// Fields are extra columns written together with the status.
	Fields map[string]interface{}
	// RequireInventoryNotReleased refuses the transition once stock went back.
	RequireInventoryNotReleased bool
	// RequireRestockedAt binds the transition to one exact finalize event so a
	// concurrent duplicate finalize cannot re-apply it.
	RequireRestockedAt *time.Time
}

// PaymentGuard enforces the per-provider payment transition graph with a
// single conditional UPDATE per decision.
type PaymentGuard struct {
	store  Store
	logger *zap.Logger
}

// NewPaymentGuard creates a payment state guard.
func NewPaymentGuard(st Store) *PaymentGuard {
	return &PaymentGuard{store: st, logger: util.GetLogger()}
}

// GuardedUpdate attempts to move orderID's payment status to `to`. The write
// succeeds only when the row matches the id, the provider, and an eligible
// source state; a zero-row outcome is explained by a read, never retried with
// a looser write.
func (g *PaymentGuard) GuardedUpdate(ctx context.Context, orderID int64, provider models.PaymentProvider, to models.PaymentStatus, opts GuardOpts) (GuardResult, error) {
	eligible := EligibleSources(provider, to, len(opts.Fields) > 0)

	if len(eligible) > 0 {
		applied, err := g.store.GuardedPaymentUpdate(ctx, store.GuardQuery{
			OrderID:                     orderID,
			Provider:                    provider,
			To:                          to,
			EligibleFrom:                eligible,
			RequireInventoryNotReleased: opts.RequireInventoryNotReleased,
			RequireRestockedAt:          opts.RequireRestockedAt,
			Fields:                      opts.Fields,
		})
		if err != nil {
			return "", err
		}
		if applied {
			util.PaymentTransitionsTotal.WithLabelValues(string(provider), string(to)).Inc()
			return GuardApplied, nil
		}
	}

	result, from, err := g.classify(ctx, orderID, provider, to, eligible)
	if err != nil {
		return "", err
	}
	g.logger.Warn("payment_transition_rejected",
		zap.Int64("order_id", orderID),
		zap.String("provider", string(provider)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", string(result)))
	util.PaymentTransitionsRejectedTotal.WithLabelValues(string(provider), string(to), string(result)).Inc()
	return result, nil
}

func (g *PaymentGuard) classify(ctx context.Context, orderID int64, provider models.PaymentProvider, to models.PaymentStatus, eligible []models.PaymentStatus) (GuardResult, models.PaymentStatus, error) {
	order, err := g.store.GetOrderByID(ctx, orderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		return GuardNotFound, "", nil
	}
	if err != nil {
		return "", "", err
	}
	if order.PaymentProvider != provider {
		return GuardProviderMismatch, order.PaymentStatus, nil
	}
	if order.PaymentStatus == to {
		return GuardAlreadyInState, order.PaymentStatus, nil
	}
	for _, s := range eligible {
		if s == order.PaymentStatus {
			// the source state was eligible, so an extra precondition
			// (inventory released, stale restocked_at) stopped the write
			return GuardBlocked, order.PaymentStatus, nil
		}
	}
	return GuardInvalidTransition, order.PaymentStatus, nil
}
