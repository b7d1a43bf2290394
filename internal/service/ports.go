package service

import (
	"context"

	"fulfillment-service/internal/models"
)

// Cache fronts the ledger and the idempotency table. Implementations may
// lose entries at any time; the store is authoritative.
//
// Stock entries are versioned: InvalidateStock bumps the product's version,
// and SetStock only writes when the version still matches the one read by
// StockVersion before the store lookup.
type Cache interface {
	GetStock(ctx context.Context, productID int64) (int, bool, error)
	StockVersion(ctx context.Context, productID int64) (int64, error)
	SetStock(ctx context.Context, productID int64, qty int, version int64) error
	InvalidateStock(ctx context.Context, productIDs ...int64) error
	GetIdempotencyRecord(ctx context.Context, key, scope string) (*models.IdempotencyRecord, error)
	SetIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error
}

// EventPublisher publishes domain events after a transaction commits
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishReservationsChanged(ctx context.Context, event *models.ReservationsChangedEvent) error
}

// NopCache never hits
type NopCache struct{}

func (NopCache) GetStock(context.Context, int64) (int, bool, error) { return 0, false, nil }
func (NopCache) StockVersion(context.Context, int64) (int64, error) { return 0, nil }
func (NopCache) SetStock(context.Context, int64, int, int64) error { return nil }
func (NopCache) InvalidateStock(context.Context, ...int64) error { return nil }
func (NopCache) SetIdempotencyRecord(context.Context, *models.IdempotencyRecord) error { return nil }
func (NopCache) GetIdempotencyRecord(context.Context, string, string) (*models.IdempotencyRecord, error) {
	return nil, nil
}

// NopPublisher drops events
type NopPublisher struct{}

func (NopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (NopPublisher) PublishReservationsChanged(context.Context, *models.ReservationsChangedEvent) error {
	return nil
}
