package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RestockReason says why inventory is going back.
type RestockReason string

const (
	RestockFailed   RestockReason = "failed"
	RestockRefunded RestockReason = "refunded"
	RestockCanceled RestockReason = "canceled"
	RestockStale    RestockReason = "stale"
)

// RestockOptions carries lease context for a restock run.
type RestockOptions struct {
	// AlreadyClaimed skips the per-order lease claim; set by batch sweeps that
	// claimed the order as part of their batch.
	AlreadyClaimed bool
	// RunID ties the lease to a sweep run. A fresh id is generated when empty.
	RunID string
}

// RestockEngine releases inventory and finalizes terminal status for failed,
// canceled, stale and refunded orders. All entry points funnel through
// Restock so the finalize-once marker is the only way out.
type RestockEngine struct {
	store      Store
	guard      *PaymentGuard
	events     Publisher
	logger     *zap.Logger
	instanceID string
	leaseTTL   time.Duration
	now        func() time.Time
}

// NewRestockEngine creates a restock engine. instanceID identifies this
// process as a lease owner.
func NewRestockEngine(st Store, guard *PaymentGuard, events Publisher, instanceID string, leaseTTL time.Duration) *RestockEngine {
	return &RestockEngine{
		store:      st,
		guard:      guard,
		events:     events,
		logger:     util.GetLogger(),
		instanceID: instanceID,
		leaseTTL:   leaseTTL,
		now:        time.Now,
	}
}

// Restock drives an order to its released terminal state. It is safe to call
// concurrently and repeatedly: the ledger absorbs duplicate releases and the
// stock_restored marker guarantees a single finalizer.
func (e *RestockEngine) Restock(ctx context.Context, orderID int64, reason RestockReason, opts RestockOptions) error {
	ctx, span := util.StartSpan(ctx, "RestockEngine.Restock")
	defer span.End()

	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %d for restock: %w", orderID, err)
	}

	if order.StockRestored || order.InventoryStatus == models.InventoryReleased {
		util.RestocksTotal.WithLabelValues(string(reason), "noop").Inc()
		return nil
	}

	// a paid provider order only releases stock through a refund
	if order.PaymentStatus == models.PaymentPaid &&
		order.PaymentProvider != models.ProviderNone &&
		reason != RestockRefunded {
		return &models.OrderStateInvalidError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("refusing to restock paid order for reason %q", reason),
		}
	}

	moves, err := e.store.ListReserveMoves(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list reserve moves for order %d: %w", orderID, err)
	}

	if len(moves) == 0 {
		// crashed before any reservation began: terminalize without touching
		// the ledger
		return e.finalize(ctx, order, reason, true)
	}

	if !opts.AlreadyClaimed {
		runID := opts.RunID
		if runID == "" {
			runID = uuid.New().String()
		}
		claimed, err := e.store.ClaimOrderLease(ctx, orderID, e.instanceID, runID, e.leaseTTL)
		if err != nil {
			return fmt.Errorf("claim restock lease for order %d: %w", orderID, err)
		}
		if !claimed {
			return models.ErrOrderBusy
		}
	}

	if _, err := e.store.MarkReleasePending(ctx, orderID); err != nil {
		return err
	}

	var releaseErrs []error
	for _, move := range moves {
		result, err := e.store.ReleaseStock(ctx, orderID, move.ProductID, move.Quantity)
		if err != nil {
			releaseErrs = append(releaseErrs, err)
			continue
		}
		if result != store.MoveApplied && result != store.MoveAlready && result != store.MoveNoReserve {
			releaseErrs = append(releaseErrs, fmt.Errorf("unexpected release result %q for product %d", result, move.ProductID))
		}
	}
	if len(releaseErrs) > 0 {
		// never mark released on partial success: leave release_pending with
		// context so a later sweep retries
		combined := errors.Join(releaseErrs...)
		if err := e.store.SetOrderFailure(ctx, orderID, models.FailureRestockPartial, combined.Error()); err != nil {
			e.logger.Error("Failed to record partial restock failure",
				zap.Int64("order_id", orderID), zap.Error(err))
		}
		util.RestocksTotal.WithLabelValues(string(reason), "partial").Inc()
		return fmt.Errorf("restock order %d left release_pending: %w", orderID, combined)
	}

	return e.finalize(ctx, order, reason, false)
}

// finalize flips the finalize-once marker and applies the bound payment
// transition. Exactly one concurrent caller gets applied=true; the rest
// observe the marker and no-op.
func (e *RestockEngine) finalize(ctx context.Context, order *models.Order, reason RestockReason, orphan bool) error {
	at := e.now().UTC().Truncate(time.Microsecond)

	applied, err := e.store.FinalizeRestock(ctx, order.ID, at, e.statusFor(order, reason))
	if err != nil {
		return err
	}
	if !applied {
		util.RestocksTotal.WithLabelValues(string(reason), "noop").Inc()
		return nil
	}

	target := models.PaymentFailed
	if reason == RestockRefunded {
		target = models.PaymentRefunded
	}
	fields := map[string]interface{}{}
	if reason == RestockStale {
		fields["failure_code"] = models.FailureStaleTimeout
	}
	result, err := e.guard.GuardedUpdate(ctx, order.ID, order.PaymentProvider, target, GuardOpts{
		Fields:             fields,
		RequireRestockedAt: &at,
	})
	if err != nil {
		return fmt.Errorf("payment transition after restock of order %d: %w", order.ID, err)
	}
	if result != GuardApplied && result != GuardAlreadyInState {
		e.logger.Warn("Restock payment transition not applied",
			zap.Int64("order_id", order.ID),
			zap.String("target", string(target)),
			zap.String("result", string(result)))
	}

	outcome := "released"
	if orphan {
		outcome = "orphan"
	}
	util.RestocksTotal.WithLabelValues(string(reason), outcome).Inc()
	e.logger.Info("Order stock restored",
		zap.Int64("order_id", order.ID),
		zap.String("reason", string(reason)),
		zap.Bool("orphan", orphan))

	e.publish(ctx, order, reason)
	return nil
}

func (e *RestockEngine) statusFor(order *models.Order, reason RestockReason) string {
	switch reason {
	case RestockCanceled:
		return models.OrderStatusCanceled
	case RestockRefunded:
		// a refund does not rewrite the business lifecycle
		return order.Status
	default:
		return models.OrderStatusInventoryFailed
	}
}

func (e *RestockEngine) publish(ctx context.Context, order *models.Order, reason RestockReason) {
	base := models.BaseEvent{
		EventID:   uuid.New().String(),
		Timestamp: e.now(),
	}

	var err error
	switch reason {
	case RestockCanceled:
		base.EventType = models.EventTypeOrderCanceled
		err = e.events.PublishOrderCanceled(ctx, &models.OrderCanceledEvent{
			BaseEvent: base, OrderID: order.ID, Reason: string(reason),
		})
	case RestockRefunded:
		base.EventType = models.EventTypeOrderRefunded
		err = e.events.PublishOrderRefunded(ctx, &models.OrderRefundedEvent{
			BaseEvent: base, OrderID: order.ID, AmountMinor: order.TotalAmountMinor,
		})
	default:
		base.EventType = models.EventTypeOrderFailed
		code := models.FailureInternalError
		if order.FailureCode != nil {
			code = *order.FailureCode
		}
		err = e.events.PublishOrderFailed(ctx, &models.OrderFailedEvent{
			BaseEvent: base, OrderID: order.ID, FailureCode: code, Reason: string(reason),
		})
	}
	if err != nil {
		e.logger.Error("Failed to publish restock event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
}
