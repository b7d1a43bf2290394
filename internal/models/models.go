package models

import "time"

// StockEntry is the ledger row for an inventory-tracked product
type StockEntry struct {
	ProductID    int64     `db:"product_id" json:"product_id"`
	AvailableQty int       `db:"available_qty" json:"available_qty"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

// Reservation statuses. committed and released are terminal.
const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation ties a quantity of one product's stock to one order
type Reservation struct {
	ID        string            `db:"id" json:"id"`
	OrderID   int64             `db:"order_id" json:"order_id"`
	ProductID int64             `db:"product_id" json:"product_id"`
	Qty       int               `db:"qty" json:"qty"`
	Status    ReservationStatus `db:"status" json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// IdempotencyRecord stores the response of a completed write request
type IdempotencyRecord struct {
	Key          string    `db:"idempotency_key" json:"key"`
	Scope        string    `db:"scope" json:"scope"`
	RequestHash  string    `db:"request_hash" json:"request_hash"`
	ResponseBody []byte    `db:"response_body" json:"response_body"`
	StatusCode   int       `db:"status_code" json:"status_code"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Order represents a customer order
type Order struct {
	ID             int64     `db:"id" json:"id"`
	CustomerID     string    `db:"customer_id" json:"customer_id"`
	TotalCents     int64     `db:"total_cents" json:"total_cents"`
	Status         string    `db:"status" json:"status"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID             int64  `db:"id" json:"id"`
	OrderID        int64  `db:"order_id" json:"order_id"`
	ProductID      int64  `db:"product_id" json:"product_id"`
	Name           string `db:"name" json:"name"`
	UnitPriceCents int64  `db:"unit_price_cents" json:"unit_price_cents"`
	Qty            int    `db:"qty" json:"qty"`
}

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRefunded  = "REFUNDED"
)

// ProcessedEvent for consumer-side dedupe
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
