package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/psp"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// AdminService exposes the operator-facing refund and cancellation
// operations. Both are idempotent via deterministic external references
// derived from the order id, so a retried admin call cannot double-apply.
type AdminService struct {
	store    Store
	guard    *PaymentGuard
	restock  *RestockEngine
	gateways map[models.PaymentProvider]psp.Gateway
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdminService creates the admin operations service.
func NewAdminService(st Store, guard *PaymentGuard, restock *RestockEngine, gateways map[models.PaymentProvider]psp.Gateway) *AdminService {
	return &AdminService{
		store:    st,
		guard:    guard,
		restock:  restock,
		gateways: gateways,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// RefundExternalRef builds the provider-side idempotency reference for a
// refund of orderID.
func RefundExternalRef(orderID int64) string {
	return fmt.Sprintf("refund:%d", orderID)
}

// CancelExternalRef builds the provider-side idempotency reference for a
// cancellation of orderID.
func CancelExternalRef(orderID int64) string {
	return fmt.Sprintf("cancel:%d", orderID)
}

// RefundOrder moves a paid order to refunded and restores its stock. Calling
// it again after success is a no-op.
func (a *AdminService) RefundOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "AdminService.RefundOrder")
	defer span.End()

	order, err := a.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == models.PaymentRefunded && order.StockRestored {
		return nil
	}
	if order.PaymentStatus != models.PaymentPaid && order.PaymentStatus != models.PaymentRefunded {
		return &models.OrderStateInvalidError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("cannot refund order with payment status %q", order.PaymentStatus),
		}
	}

	patch := models.PSPMetadata{Notes: map[string]string{
		"refund_external_ref": RefundExternalRef(orderID),
	}}
	if err := a.store.AnnotateOrderMetadata(ctx, orderID, patch); err != nil {
		return err
	}

	result, err := a.guard.GuardedUpdate(ctx, orderID, order.PaymentProvider, models.PaymentRefunded, GuardOpts{})
	if err != nil {
		return err
	}
	if result != GuardApplied && result != GuardAlreadyInState {
		return &models.OrderStateInvalidError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("refund transition rejected: %s", result),
		}
	}

	if err := a.restock.Restock(ctx, orderID, RestockRefunded, RestockOptions{}); err != nil {
		if errors.Is(err, models.ErrOrderBusy) {
			return err
		}
		return fmt.Errorf("restock after admin refund of order %d: %w", orderID, err)
	}

	a.logger.Info("Order refunded by admin", zap.Int64("order_id", orderID))
	return nil
}

// CancelUnpaidOrder cancels an order whose payment never settled. For the
// bank-invoice provider the open invoice is canceled and removed at the
// provider first.
func (a *AdminService) CancelUnpaidOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "AdminService.CancelUnpaidOrder")
	defer span.End()

	order, err := a.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == models.PaymentPaid || order.PaymentStatus == models.PaymentRefunded {
		return &models.OrderStateInvalidError{
			OrderID: orderID,
			Reason:  fmt.Sprintf("cannot cancel order with payment status %q", order.PaymentStatus),
		}
	}
	if order.StockRestored && order.Status == models.OrderStatusCanceled {
		return nil
	}

	if order.PaymentProvider == models.ProviderBankInvoice && order.PaymentIntentID != nil {
		gw, ok := a.gateways[models.ProviderBankInvoice]
		if !ok {
			return fmt.Errorf("no gateway registered for provider %s", models.ProviderBankInvoice)
		}
		if err := gw.CancelInvoice(ctx, *order.PaymentIntentID, CancelExternalRef(orderID)); err != nil {
			return fmt.Errorf("cancel invoice for order %d: %w", orderID, err)
		}
		if err := gw.RemoveInvoice(ctx, *order.PaymentIntentID); err != nil {
			return fmt.Errorf("remove invoice for order %d: %w", orderID, err)
		}
	}

	if order.PaymentProvider != models.ProviderNone {
		result, err := a.guard.GuardedUpdate(ctx, orderID, order.PaymentProvider, models.PaymentFailed, GuardOpts{
			Fields: map[string]interface{}{"failure_message": "canceled by admin"},
		})
		if err != nil {
			return err
		}
		if result != GuardApplied && result != GuardAlreadyInState {
			a.logger.Warn("Cancel transition not applied",
				zap.Int64("order_id", orderID),
				zap.String("result", string(result)))
		}
	}

	if err := a.restock.Restock(ctx, orderID, RestockCanceled, RestockOptions{}); err != nil {
		if errors.Is(err, models.ErrOrderBusy) {
			return err
		}
		return fmt.Errorf("restock after admin cancel of order %d: %w", orderID, err)
	}

	a.logger.Info("Unpaid order canceled by admin", zap.Int64("order_id", orderID))
	return nil
}
