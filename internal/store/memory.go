package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
)

// MemoryStore is an in-process Transactor for local runs and tests.
// Transactions are serialized behind one mutex and applied to a copy of
// the state, so a failed fn leaves nothing behind.
type MemoryStore struct {
	memRepo
	mu    sync.Mutex
	state *memState
}

type memState struct {
	stock        map[int64]models.StockEntry
	reservations []models.Reservation
	orders       map[int64]models.Order
	items        []models.OrderItem
	idempotency  map[string]models.IdempotencyRecord
	processed    map[string]models.ProcessedEvent
	nextOrderID  int64
	nextItemID   int64
}

// memRepo runs queries against st when bound to a transaction, or
// against the owner's current state under its lock otherwise.
type memRepo struct {
	owner *MemoryStore
	st    *memState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{state: newMemState()}
	m.memRepo = memRepo{owner: m}
	return m
}

func newMemState() *memState {
	return &memState{
		stock:       make(map[int64]models.StockEntry),
		orders:      make(map[int64]models.Order),
		idempotency: make(map[string]models.IdempotencyRecord),
		processed:   make(map[string]models.ProcessedEvent),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	c.reservations = append([]models.Reservation(nil), s.reservations...)
	c.items = append([]models.OrderItem(nil), s.items...)
	c.nextOrderID = s.nextOrderID
	c.nextItemID = s.nextItemID
	return c
}

// WithTx runs fn against a private copy and publishes it only on success
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(&memRepo{owner: m, st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// SeedStock sets a ledger row directly, bypassing transactions
func (m *MemoryStore) SeedStock(productID int64, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.stock[productID] = models.StockEntry{ProductID: productID, AvailableQty: qty, UpdatedAt: time.Now().UTC()}
}

func (r *memRepo) acquire() (*memState, func()) {
	if r.st != nil {
		return r.st, func() {}
	}
	r.owner.mu.Lock()
	return r.owner.state, r.owner.mu.Unlock
}

func idempotencyMapKey(key, scope string) string {
	return key + "\x00" + scope
}

func (r *memRepo) StockEntryExists(_ context.Context, productID int64) (bool, error) {
	st, release := r.acquire()
	defer release()
	_, ok := st.stock[productID]
	return ok, nil
}

func (r *memRepo) GetStockEntry(_ context.Context, productID int64) (*models.StockEntry, error) {
	st, release := r.acquire()
	defer release()
	entry, ok := st.stock[productID]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (r *memRepo) UpsertStock(_ context.Context, productID int64, qty int) error {
	st, release := r.acquire()
	defer release()
	if qty < 0 {
		return fmt.Errorf("available_qty must be >= 0, got %d", qty)
	}
	st.stock[productID] = models.StockEntry{ProductID: productID, AvailableQty: qty, UpdatedAt: time.Now().UTC()}
	return nil
}

func (r *memRepo) DecrementStock(_ context.Context, productID int64, qty int) (bool, error) {
	st, release := r.acquire()
	defer release()
	entry, ok := st.stock[productID]
	if !ok || entry.AvailableQty < qty {
		return false, nil
	}
	entry.AvailableQty -= qty
	entry.UpdatedAt = time.Now().UTC()
	st.stock[productID] = entry
	return true, nil
}

func (r *memRepo) IncrementStock(_ context.Context, productID int64, qty int) error {
	st, release := r.acquire()
	defer release()
	entry, ok := st.stock[productID]
	if !ok {
		return nil
	}
	entry.AvailableQty += qty
	entry.UpdatedAt = time.Now().UTC()
	st.stock[productID] = entry
	return nil
}

func (r *memRepo) CreateReservation(_ context.Context, res *models.Reservation) error {
	st, release := r.acquire()
	defer release()
	now := time.Now().UTC()
	res.CreatedAt, res.UpdatedAt = now, now
	st.reservations = append(st.reservations, *res)
	return nil
}

func (r *memRepo) ListReservationsByOrder(_ context.Context, orderID int64, _ bool) ([]models.Reservation, error) {
	st, release := r.acquire()
	defer release()
	out := []models.Reservation{}
	for _, res := range st.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (r *memRepo) UpdateReservationStatus(_ context.Context, id string, status models.ReservationStatus) error {
	st, release := r.acquire()
	defer release()
	for i := range st.reservations {
		if st.reservations[i].ID == id {
			st.reservations[i].Status = status
			st.reservations[i].UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (r *memRepo) CreateOrder(_ context.Context, order *models.Order) error {
	st, release := r.acquire()
	defer release()
	st.nextOrderID++
	now := time.Now().UTC()
	order.ID = st.nextOrderID
	order.CreatedAt, order.UpdatedAt = now, now
	st.orders[order.ID] = *order
	return nil
}

func (r *memRepo) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	st, release := r.acquire()
	defer release()
	if _, ok := st.orders[item.OrderID]; !ok {
		return fmt.Errorf("order %d: %w", item.OrderID, ErrNotFound)
	}
	st.nextItemID++
	item.ID = st.nextItemID
	st.items = append(st.items, *item)
	return nil
}

func (r *memRepo) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	st, release := r.acquire()
	defer release()
	order, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &order, nil
}

func (r *memRepo) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	st, release := r.acquire()
	defer release()
	out := []models.OrderItem{}
	for _, item := range st.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	st, release := r.acquire()
	defer release()
	order, ok := st.orders[orderID]
	if !ok {
		return nil
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	st.orders[orderID] = order
	return nil
}

func (r *memRepo) GetIdempotencyRecord(_ context.Context, key, scope string) (*models.IdempotencyRecord, error) {
	st, release := r.acquire()
	defer release()
	rec, ok := st.idempotency[idempotencyMapKey(key, scope)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memRepo) CreateIdempotencyRecord(_ context.Context, rec *models.IdempotencyRecord) error {
	st, release := r.acquire()
	defer release()
	k := idempotencyMapKey(rec.Key, rec.Scope)
	if _, ok := st.idempotency[k]; ok {
		return ErrDuplicateKey
	}
	rec.CreatedAt = time.Now().UTC()
	st.idempotency[k] = *rec
	return nil
}

func (r *memRepo) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	st, release := r.acquire()
	defer release()
	_, ok := st.processed[eventID]
	return ok, nil
}

func (r *memRepo) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	st, release := r.acquire()
	defer release()
	if _, ok := st.processed[eventID]; !ok {
		st.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	}
	return nil
}
