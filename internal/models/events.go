package models

import "time"

// Event types published to the order lifecycle topic
const (
	EventTypeOrderCreated  = "ORDER_CREATED"
	EventTypeOrderReserved = "ORDER_RESERVED"
	EventTypeOrderPaid     = "ORDER_PAID"
	EventTypeOrderFailed   = "ORDER_FAILED"
	EventTypeOrderCanceled = "ORDER_CANCELED"
	EventTypeOrderRefunded = "ORDER_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderLineData represents item data in events
type OrderLineData struct {
	ProductID      int64 `json:"product_id"`
	Quantity       int   `json:"quantity"`
	UnitPriceMinor int64 `json:"unit_price_minor"`
}

// OrderCreatedEvent published when an order row is durably created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID          int64           `json:"order_id"`
	UserID           *int64          `json:"user_id,omitempty"`
	TotalAmountMinor int64           `json:"total_amount_minor"`
	Currency         string          `json:"currency"`
	Provider         PaymentProvider `json:"provider"`
	Items            []OrderLineData `json:"items"`
}

// OrderReservedEvent published when inventory reservation completes
type OrderReservedEvent struct {
	BaseEvent
	OrderID          int64           `json:"order_id"`
	TotalAmountMinor int64           `json:"total_amount_minor"`
	Items            []OrderLineData `json:"items"`
}

// OrderPaidEvent published when payment settles
type OrderPaidEvent struct {
	BaseEvent
	OrderID         int64  `json:"order_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

// OrderFailedEvent published when an order fails and its stock is restored
type OrderFailedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	FailureCode string `json:"failure_code"`
	Reason      string `json:"reason,omitempty"`
}

// OrderCanceledEvent published when an order is canceled
type OrderCanceledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderRefundedEvent published when a full refund is applied
type OrderRefundedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	ChargeID    string `json:"charge_id,omitempty"`
}
