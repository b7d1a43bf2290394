package service

import (
	"context"
	"sync"
	"testing"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
	changed []*models.ReservationsChangedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, event *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return nil
}

func (p *recordingPublisher) PublishReservationsChanged(_ context.Context, event *models.ReservationsChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, event)
	return nil
}

func (p *recordingPublisher) changedTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.changed))
	for _, e := range p.changed {
		types = append(types, e.EventType)
	}
	return types
}

type mapCache struct {
	mu          sync.Mutex
	stock       map[int64]int
	versions    map[int64]int64
	records     map[string]*models.IdempotencyRecord
	invalidated []int64
}

func newMapCache() *mapCache {
	return &mapCache{
		stock:    make(map[int64]int),
		versions: make(map[int64]int64),
		records:  make(map[string]*models.IdempotencyRecord),
	}
}

func (c *mapCache) GetStock(_ context.Context, productID int64) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qty, ok := c.stock[productID]
	return qty, ok, nil
}

func (c *mapCache) StockVersion(_ context.Context, productID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[productID], nil
}

func (c *mapCache) SetStock(_ context.Context, productID int64, qty int, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[productID] == version {
		c.stock[productID] = qty
	}
	return nil
}

func (c *mapCache) InvalidateStock(_ context.Context, productIDs ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range productIDs {
		c.versions[id]++
		delete(c.stock, id)
	}
	c.invalidated = append(c.invalidated, productIDs...)
	return nil
}

func (c *mapCache) GetIdempotencyRecord(_ context.Context, key, scope string) (*models.IdempotencyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[scope+"|"+key], nil
}

func (c *mapCache) SetIdempotencyRecord(_ context.Context, rec *models.IdempotencyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.Scope+"|"+rec.Key] = rec
	return nil
}

type fixture struct {
	store        *store.MemoryStore
	cache        *mapCache
	publisher    *recordingPublisher
	ledger       *StockLedger
	reservations *ReservationManager
	orders       *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	cache := newMapCache()
	publisher := &recordingPublisher{}
	reservations := NewReservationManager(st, LedgerTrackingPolicy{}, cache)

	return &fixture{
		store:        st,
		cache:        cache,
		publisher:    publisher,
		ledger:       NewStockLedger(st, cache),
		reservations: reservations,
		orders:       NewOrderService(st, reservations, cache, publisher),
	}
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()
	entry, err := f.store.GetStockEntry(context.Background(), productID)
	require.NoError(t, err)
	return entry.AvailableQty
}

// reserveDirect creates an order row and reserves items in one transaction,
// bypassing the idempotency path.
func (f *fixture) reserveDirect(t *testing.T, items ...ReservationRequest) (int64, error) {
	t.Helper()
	var orderID int64
	err := f.store.WithTx(context.Background(), func(repo store.Repository) error {
		order := &models.Order{CustomerID: "c1", Status: models.OrderStatusPending}
		if err := repo.CreateOrder(context.Background(), order); err != nil {
			return err
		}
		orderID = order.ID
		_, err := f.reservations.ReserveForOrder(context.Background(), repo, order.ID, items)
		return err
	})
	return orderID, err
}

func orderRequest(items ...LineItem) *CreateOrderRequest {
	return &CreateOrderRequest{CustomerID: "42", Items: items}
}

func line(productID int64, qty int) LineItem {
	return LineItem{ProductID: productID, Name: "item", UnitPriceCents: 500, Qty: qty}
}
