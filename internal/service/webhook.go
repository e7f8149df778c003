package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/psp"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// WebhookReconciler claims, deduplicates and applies provider events to
// orders. A given event id changes an order's financial state at most once,
// no matter how many times or on how many instances it is delivered.
type WebhookReconciler struct {
	store      Store
	guard      *PaymentGuard
	restock    *RestockEngine
	gateways   map[models.PaymentProvider]psp.Gateway
	review     ReviewMarker
	events     Publisher
	logger     *zap.Logger
	instanceID string
	claimTTL   time.Duration
	now        func() time.Time
}

// NewWebhookReconciler creates a webhook reconciler.
func NewWebhookReconciler(st Store, guard *PaymentGuard, restock *RestockEngine,
	gateways map[models.PaymentProvider]psp.Gateway, review ReviewMarker, events Publisher,
	instanceID string, claimTTL time.Duration) *WebhookReconciler {
	return &WebhookReconciler{
		store:      st,
		guard:      guard,
		restock:    restock,
		gateways:   gateways,
		review:     review,
		events:     events,
		logger:     util.GetLogger(),
		instanceID: instanceID,
		claimTTL:   claimTTL,
		now:        time.Now,
	}
}

// Gateway returns the gateway registered for a provider.
func (r *WebhookReconciler) Gateway(provider models.PaymentProvider) (psp.Gateway, bool) {
	gw, ok := r.gateways[provider]
	return gw, ok
}

// HandleEvent processes one verified provider event. A nil return means the
// event is settled and the provider should be acked; models.ErrEventBusy
// means another instance holds the claim; any other error asks the provider
// to redeliver once the claim expires.
func (r *WebhookReconciler) HandleEvent(ctx context.Context, provider models.PaymentProvider, ev *psp.Event) error {
	ctx, span := util.StartSpan(ctx, "WebhookReconciler.HandleEvent")
	defer span.End()

	claim, err := r.store.ClaimPaymentEvent(ctx, string(provider), ev.ID, ev.Type, r.instanceID, r.claimTTL)
	if err != nil {
		return err
	}
	switch claim {
	case store.EventAlreadyProcessed:
		util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "duplicate").Inc()
		return nil
	case store.EventClaimedElsewhere:
		util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "busy").Inc()
		return models.ErrEventBusy
	}

	if ev.Kind == psp.KindUnknown {
		util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "ignored").Inc()
		r.complete(ctx, provider, ev)
		return nil
	}

	order, err := r.resolveOrder(ctx, provider, ev)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "unresolved").Inc()
		return err
	}
	if order.PaymentProvider != provider {
		// embedded order metadata can name any order; never let a foreign
		// provider's event touch it, not even to bind an intent
		util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "provider_mismatch").Inc()
		return fmt.Errorf("event %s from provider %s resolves to order %d held by provider %s",
			ev.ID, provider, order.ID, order.PaymentProvider)
	}

	if ev.PaymentIntentID != "" {
		bound, err := r.store.AttachPaymentIntent(ctx, order.ID, ev.PaymentIntentID)
		if err != nil {
			return err
		}
		if !bound {
			// the order already carries a different intent; applying this
			// event could pay the wrong order
			return fmt.Errorf("order %d already matched to another payment intent", order.ID)
		}
	}

	switch ev.Kind {
	case psp.KindPaymentSucceeded:
		err = r.handleSuccess(ctx, provider, order, ev)
	case psp.KindPaymentFailed:
		err = r.handleFailure(ctx, provider, order, ev, RestockFailed)
	case psp.KindPaymentCanceled:
		err = r.handleFailure(ctx, provider, order, ev, RestockCanceled)
	case psp.KindRefund:
		err = r.handleRefund(ctx, provider, order, ev)
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "error").Inc()
		return err
	}

	util.WebhookEventsTotal.WithLabelValues(string(provider), ev.Type, "processed").Inc()
	r.complete(ctx, provider, ev)
	return nil
}

// resolveOrder finds the order an event belongs to, failing closed on an
// ambiguous payment-intent match.
func (r *WebhookReconciler) resolveOrder(ctx context.Context, provider models.PaymentProvider, ev *psp.Event) (*models.Order, error) {
	if ev.OrderID != 0 {
		order, err := r.store.GetOrderByID(ctx, ev.OrderID)
		if err != nil {
			return nil, fmt.Errorf("resolve event %s by order metadata: %w", ev.ID, err)
		}
		return order, nil
	}

	if ev.PaymentIntentID == "" {
		return nil, fmt.Errorf("event %s carries neither order metadata nor a payment intent: %w", ev.ID, models.ErrOrderNotFound)
	}
	ids, err := r.store.FindOrderIDsByPaymentIntent(ctx, provider, ev.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	switch len(ids) {
	case 0:
		return nil, fmt.Errorf("no order for payment intent %s: %w", ev.PaymentIntentID, models.ErrOrderNotFound)
	case 1:
		return r.store.GetOrderByID(ctx, ids[0])
	default:
		return nil, fmt.Errorf("payment intent %s: %w", ev.PaymentIntentID, models.ErrAmbiguousOrderMatch)
	}
}

func (r *WebhookReconciler) handleSuccess(ctx context.Context, provider models.PaymentProvider, order *models.Order, ev *psp.Event) error {
	if ev.AmountMinor != order.TotalAmountMinor || !strings.EqualFold(ev.Currency, order.Currency) {
		// never mark paid on a mismatch: annotate and leave the order alone
		r.logger.Error("Webhook amount mismatch",
			zap.Int64("order_id", order.ID),
			zap.Int64("event_amount", ev.AmountMinor),
			zap.Int64("order_amount", order.TotalAmountMinor),
			zap.String("event_currency", ev.Currency),
			zap.String("order_currency", order.Currency))
		r.annotate(ctx, order.ID, ev, "amount_mismatch")
		r.markReview(ctx, order.ID, "webhook amount mismatch")
		return nil
	}

	result, err := r.guard.GuardedUpdate(ctx, order.ID, provider, models.PaymentPaid, GuardOpts{
		Fields:                      map[string]interface{}{"status": models.OrderStatusPaid},
		RequireInventoryNotReleased: true,
	})
	if err != nil {
		return err
	}
	switch result {
	case GuardApplied:
		r.annotate(ctx, order.ID, ev, "succeeded")
		r.publishPaid(ctx, order, ev)
	case GuardAlreadyInState:
		r.annotate(ctx, order.ID, ev, "succeeded")
	case GuardBlocked:
		// the order is terminal; a success event cannot resurrect it
		r.annotate(ctx, order.ID, ev, "rejected_terminal")
		r.markReview(ctx, order.ID, "success event for a terminal order")
	default:
		r.annotate(ctx, order.ID, ev, "rejected_"+string(result))
	}
	return nil
}

func (r *WebhookReconciler) handleFailure(ctx context.Context, provider models.PaymentProvider, order *models.Order, ev *psp.Event, reason RestockReason) error {
	if order.PaymentStatus == models.PaymentPaid || order.PaymentStatus == models.PaymentRefunded {
		// money already settled; a late failure event is informational only
		r.annotate(ctx, order.ID, ev, "ignored_settled")
		return nil
	}

	result, err := r.guard.GuardedUpdate(ctx, order.ID, provider, models.PaymentFailed, GuardOpts{
		Fields: map[string]interface{}{
			"failure_code":    models.FailureInternalError,
			"failure_message": ev.DeclineReason,
		},
	})
	if err != nil {
		return err
	}
	r.annotate(ctx, order.ID, ev, "failed")
	if result != GuardApplied && result != GuardAlreadyInState {
		r.logger.Warn("Failure event transition not applied",
			zap.Int64("order_id", order.ID),
			zap.String("result", string(result)))
	}

	if err := r.restock.Restock(ctx, order.ID, reason, RestockOptions{}); err != nil {
		if errors.Is(err, models.ErrOrderBusy) {
			return err
		}
		return fmt.Errorf("restock after failure event %s: %w", ev.ID, err)
	}
	return nil
}

func (r *WebhookReconciler) handleRefund(ctx context.Context, provider models.PaymentProvider, order *models.Order, ev *psp.Event) error {
	if ev.ChargeID == "" {
		return fmt.Errorf("refund event %s has no charge id: %w", ev.ID, models.ErrRefundFullnessUndetermined)
	}
	gw, ok := r.gateways[provider]
	if !ok {
		return fmt.Errorf("no gateway registered for provider %s", provider)
	}
	charge, err := gw.RetrieveCharge(ctx, ev.ChargeID)
	if err != nil {
		return fmt.Errorf("retrieve charge for refund event %s: %w", ev.ID, err)
	}

	fullness, refunded, err := psp.ClassifyRefund(charge)
	if err != nil {
		// deliberate fail-closed: let the provider retry rather than guess
		return fmt.Errorf("refund event %s: %w", ev.ID, err)
	}

	patch := models.PSPMetadata{
		Refunds: map[string]models.RefundRecord{
			ev.ID: {
				ChargeID:    ev.ChargeID,
				AmountMinor: refunded,
				Full:        fullness == psp.RefundFull,
				RecordedAt:  r.now().UTC(),
			},
		},
	}
	if err := r.store.AnnotateOrderMetadata(ctx, order.ID, patch); err != nil {
		return err
	}

	if fullness == psp.RefundPartial {
		// partial refunds are recorded but never change order state
		return nil
	}

	result, err := r.guard.GuardedUpdate(ctx, order.ID, provider, models.PaymentRefunded, GuardOpts{})
	if err != nil {
		return err
	}
	if result != GuardApplied && result != GuardAlreadyInState {
		r.logger.Warn("Refund transition not applied",
			zap.Int64("order_id", order.ID),
			zap.String("result", string(result)))
	}

	if !order.StockRestored {
		if err := r.restock.Restock(ctx, order.ID, RestockRefunded, RestockOptions{}); err != nil {
			if errors.Is(err, models.ErrOrderBusy) {
				return err
			}
			return fmt.Errorf("restock after refund event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// annotate writes the event's note into the order metadata bag, keyed by
// event id so re-delivery rewrites only its own entry.
func (r *WebhookReconciler) annotate(ctx context.Context, orderID int64, ev *psp.Event, outcome string) {
	patch := models.PSPMetadata{
		Events: map[string]models.PSPEventNote{
			ev.ID: {
				EventType:     ev.Type,
				ChargeID:      ev.ChargeID,
				Outcome:       outcome,
				DeclineReason: ev.DeclineReason,
				AmountMinor:   ev.AmountMinor,
				Currency:      ev.Currency,
				RecordedAt:    r.now().UTC(),
			},
		},
	}
	if err := r.store.AnnotateOrderMetadata(ctx, orderID, patch); err != nil {
		r.logger.Error("Failed to annotate order metadata",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (r *WebhookReconciler) markReview(ctx context.Context, orderID int64, reason string) {
	if r.review == nil {
		return
	}
	if err := r.review.MarkForReview(ctx, orderID, reason); err != nil {
		r.logger.Error("Failed to flag order for review",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
}

// complete marks the event processed. Failing here is tolerable: a
// re-delivery replays against idempotent writes.
func (r *WebhookReconciler) complete(ctx context.Context, provider models.PaymentProvider, ev *psp.Event) {
	if err := r.store.MarkPaymentEventProcessed(ctx, string(provider), ev.ID, r.instanceID); err != nil {
		r.logger.Warn("Failed to mark payment event processed",
			zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (r *WebhookReconciler) publishPaid(ctx context.Context, order *models.Order, ev *psp.Event) {
	err := r.events.PublishOrderPaid(ctx, &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   ev.ID,
			EventType: models.EventTypeOrderPaid,
			Timestamp: r.now(),
		},
		OrderID:         order.ID,
		AmountMinor:     ev.AmountMinor,
		Currency:        ev.Currency,
		PaymentIntentID: ev.PaymentIntentID,
	})
	if err != nil {
		r.logger.Error("Failed to publish OrderPaid event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
}
