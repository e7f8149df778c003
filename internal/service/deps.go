package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// Store is the persistence surface the services run against. *store.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	FindOrderIDsByPaymentIntent(ctx context.Context, provider models.PaymentProvider, intentID string) ([]int64, error)
	UpsertOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)

	GuardedPaymentUpdate(ctx context.Context, q store.GuardQuery) (bool, error)
	SetOrderReserved(ctx context.Context, orderID int64, status string) (bool, error)
	MarkReleasePending(ctx context.Context, orderID int64) (bool, error)
	FinalizeRestock(ctx context.Context, orderID int64, at time.Time, status string) (bool, error)
	SetOrderFailure(ctx context.Context, orderID int64, code, message string) error
	AttachPaymentIntent(ctx context.Context, orderID int64, intentID string) (bool, error)
	ClaimOrderLease(ctx context.Context, orderID int64, owner, runID string, ttl time.Duration) (bool, error)
	AnnotateOrderMetadata(ctx context.Context, orderID int64, patch models.PSPMetadata) error

	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetPrices(ctx context.Context, productIDs []int64, currency string) (map[int64]int64, error)

	ReserveStock(ctx context.Context, orderID, productID int64, qty int) (store.MoveResult, error)
	ReleaseStock(ctx context.Context, orderID, productID int64, qty int) (store.MoveResult, error)
	ListReserveMoves(ctx context.Context, orderID int64) ([]models.InventoryMove, error)

	ClaimPaymentEvent(ctx context.Context, provider, eventID, eventType, owner string, ttl time.Duration) (store.EventClaim, error)
	MarkPaymentEventProcessed(ctx context.Context, provider, eventID, owner string) error
}

// Publisher emits order lifecycle events. *broker.EventPublisher implements
// it. Publishing is best effort everywhere; a broker outage never blocks a
// money-affecting write.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderReserved(ctx context.Context, event *models.OrderReservedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishOrderCanceled(ctx context.Context, event *models.OrderCanceledEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
}

// ReviewMarker flags orders that need a human look.
// *redisclient.ReviewCache implements it.
type ReviewMarker interface {
	MarkForReview(ctx context.Context, orderID int64, reason string) error
}
