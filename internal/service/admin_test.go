package service

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/psp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminFixture(t *testing.T) (*AdminService, *fakeStore, *fakeGateway, *fakePublisher) {
	t.Helper()
	f := newFakeStore()
	pub := newFakePublisher()
	gw := newFakeGateway()
	guard := NewPaymentGuard(f)
	restock := NewRestockEngine(f, guard, pub, "test-instance", time.Minute)
	admin := NewAdminService(f, guard, restock,
		map[models.PaymentProvider]psp.Gateway{models.ProviderCard: gw, models.ProviderBankInvoice: gw})
	return admin, f, gw, pub
}

func TestRefundOrderRestoresStock(t *testing.T) {
	admin, f, _, pub := newAdminFixture(t)
	f.addProduct(1, 5, "USD", 1000)
	order := seedOrder(t, f, models.ProviderCard, models.PaymentPaid, models.InventoryReserved)
	reserveForOrder(t, f, order.ID, 1, 2)

	require.NoError(t, admin.RefundOrder(context.Background(), order.ID))

	snap := f.orderSnapshot(order.ID)
	assert.Equal(t, models.PaymentRefunded, snap.PaymentStatus)
	assert.True(t, snap.StockRestored)
	assert.Equal(t, 5, f.stockOf(1))
	assert.Equal(t, RefundExternalRef(order.ID), snap.PSPMetadata.Notes["refund_external_ref"])
	assert.Equal(t, 1, pub.count(models.EventTypeOrderRefunded))

	// retry is a no-op
	require.NoError(t, admin.RefundOrder(context.Background(), order.ID))
	assert.Equal(t, 5, f.stockOf(1))
	assert.Equal(t, 1, pub.count(models.EventTypeOrderRefunded))
}

func TestRefundOrderRejectsUnpaid(t *testing.T) {
	admin, f, _, _ := newAdminFixture(t)
	order := seedOrder(t, f, models.ProviderCard, models.PaymentPending, models.InventoryReserved)

	err := admin.RefundOrder(context.Background(), order.ID)
	var stateErr *models.OrderStateInvalidError
	assert.ErrorAs(t, err, &stateErr)
}

func TestCancelUnpaidOrderReleasesStock(t *testing.T) {
	admin, f, _, pub := newAdminFixture(t)
	f.addProduct(1, 5, "USD", 1000)
	order := seedOrder(t, f, models.ProviderCard, models.PaymentPending, models.InventoryReserved)
	reserveForOrder(t, f, order.ID, 1, 2)

	require.NoError(t, admin.CancelUnpaidOrder(context.Background(), order.ID))

	snap := f.orderSnapshot(order.ID)
	assert.Equal(t, models.OrderStatusCanceled, snap.Status)
	assert.Equal(t, models.PaymentFailed, snap.PaymentStatus)
	assert.Equal(t, 5, f.stockOf(1))
	assert.Equal(t, 1, pub.count(models.EventTypeOrderCanceled))
}

func TestCancelUnpaidOrderCancelsOpenInvoice(t *testing.T) {
	admin, f, gw, _ := newAdminFixture(t)
	f.addProduct(1, 5, "USD", 1000)
	order := seedOrder(t, f, models.ProviderBankInvoice, models.PaymentRequiresPayment, models.InventoryReserved)
	reserveForOrder(t, f, order.ID, 1, 1)
	bound, err := f.AttachPaymentIntent(context.Background(), order.ID, "inv_42")
	require.NoError(t, err)
	require.True(t, bound)

	require.NoError(t, admin.CancelUnpaidOrder(context.Background(), order.ID))

	assert.Equal(t, []string{"inv_42"}, gw.canceled)
	assert.Equal(t, []string{"inv_42"}, gw.removed)
	assert.Equal(t, models.OrderStatusCanceled, f.orderSnapshot(order.ID).Status)
}

func TestCancelUnpaidOrderRejectsPaid(t *testing.T) {
	admin, f, _, _ := newAdminFixture(t)
	order := seedOrder(t, f, models.ProviderCard, models.PaymentPaid, models.InventoryReserved)

	err := admin.CancelUnpaidOrder(context.Background(), order.ID)
	var stateErr *models.OrderStateInvalidError
	assert.ErrorAs(t, err, &stateErr)
}
