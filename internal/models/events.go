package models

import "time"

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderCommitted = "ORDER_COMMITTED"
	EventTypeOrderReleased  = "ORDER_RELEASED"
	EventTypeOrderRestocked = "ORDER_RESTOCKED"

	EventTypePaymentSuccess  = "PAYMENT_SUCCESS"
	EventTypePaymentFailed   = "PAYMENT_FAILED"
	EventTypePaymentRefunded = "PAYMENT_REFUNDED"
	EventTypeCheckoutExpired = "CHECKOUT_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published once an order and its reservations are committed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID    int64           `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	TotalCents int64           `json:"total_cents"`
	Items      []OrderItemData `json:"items"`
}

// ReservationsChangedEvent published after commit, release or restock.
// Event type tells which transition happened.
type ReservationsChangedEvent struct {
	BaseEvent
	OrderID  int64  `json:"order_id"`
	Affected int    `json:"affected"`
	Status   string `json:"status"`
}

// PaymentEvent is consumed from the payment integration.
// One shape covers success, failure, refund and checkout expiry.
type PaymentEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID      int64 `json:"product_id"`
	Qty            int   `json:"qty"`
	UnitPriceCents int64 `json:"unit_price_cents"`
}
