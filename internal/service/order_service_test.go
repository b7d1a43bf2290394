package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"fulfillment-service/internal/idempotency"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testScope = idempotency.Scope(idempotency.OpOrderCreate, "42")

func TestCalculateTotal(t *testing.T) {
	items := []LineItem{
		{ProductID: 1, UnitPriceCents: 1000, Qty: 2},
		{ProductID: 2, UnitPriceCents: 500, Qty: 1},
	}

	assert.Equal(t, int64(2*1000+1*500), calculateTotal(items))
	assert.Zero(t, calculateTotal(nil))
}

func TestValidateOrderRequest(t *testing.T) {
	tests := []struct {
		name string
		req  *CreateOrderRequest
		ok   bool
	}{
		{"nil", nil, false},
		{"no items", orderRequest(), false},
		{"missing product", orderRequest(LineItem{Qty: 1}), false},
		{"zero qty", orderRequest(line(1, 0)), false},
		{"negative price", orderRequest(LineItem{ProductID: 1, Qty: 1, UnitPriceCents: -1}), false},
		{"valid", orderRequest(line(1, 1), line(2, 3)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateOrderRequest(tt.req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidOrder)
			}
		})
	}
}

func TestCreateOrderReservesStock(t *testing.T) {
	f := newFixture(t)
	f.store.SeedStock(1, 10)
	f.store.SeedStock(2, 5)

	result, err := f.orders.CreateOrder(context.Background(), "key-1", testScope,
		orderRequest(line(2, 1), line(1, 3)))
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, models.OrderStatusPending, result.Order.Status)
	assert.Equal(t, int64(4*500), result.Order.TotalCents)
	assert.Len(t, result.Items, 2)
	require.Len(t, result.Reservations, 2)
	assert.Equal(t, int64(1), result.Reservations[0].ProductID)
	assert.Equal(t, int64(2), result.Reservations[1].ProductID)

	assert.Equal(t, 7, f.stock(t, 1))
	assert.Equal(t, 4, f.stock(t, 2))

	require.Len(t, f.publisher.created, 1)
	assert.Equal(t, result.Order.ID, f.publisher.created[0].OrderID)
	assert.ElementsMatch(t, []int64{1, 2}, f.cache.invalidated)
}

func TestCreateOrderReplaysSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)
	req := orderRequest(line(1, 2))

	first, err := f.orders.CreateOrder(ctx, "key-1", testScope, req)
	require.NoError(t, err)

	second, err := f.orders.CreateOrder(ctx, "key-1", testScope, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Reservations[0].ID, second.Reservations[0].ID)
	assert.Equal(t, 8, f.stock(t, 1))
	assert.Len(t, f.publisher.created, 1, "replays publish nothing")
}

func TestCreateOrderReplaysFromStoreOnCacheMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)
	req := orderRequest(line(1, 2))

	first, err := f.orders.CreateOrder(ctx, " key-1 ", testScope, req)
	require.NoError(t, err)

	f.cache.records = map[string]*models.IdempotencyRecord{}

	second, err := f.orders.CreateOrder(ctx, "key-1", testScope, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Len(t, f.cache.records, 1, "store hit refills the cache")
}

func TestCreateOrderRejectsKeyReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)

	_, err := f.orders.CreateOrder(ctx, "key-1", testScope, orderRequest(line(1, 2)))
	require.NoError(t, err)

	_, err = f.orders.CreateOrder(ctx, "key-1", testScope, orderRequest(line(1, 3)))
	assert.ErrorIs(t, err, ErrIdempotencyKeyReuse)
	assert.Equal(t, 8, f.stock(t, 1))
}

func TestCreateOrderKeyIsScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)
	req := orderRequest(line(1, 1))

	a, err := f.orders.CreateOrder(ctx, "shared", idempotency.Scope(idempotency.OpOrderCreate, "a"), req)
	require.NoError(t, err)
	b, err := f.orders.CreateOrder(ctx, "shared", idempotency.Scope(idempotency.OpOrderCreate, "b"), req)
	require.NoError(t, err)

	assert.NotEqual(t, a.Order.ID, b.Order.ID)
	assert.False(t, b.Replayed)
	assert.Equal(t, 8, f.stock(t, 1))
}

func TestCreateOrderOutOfStockLeavesKeyFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)
	f.store.SeedStock(2, 5)
	req := orderRequest(line(1, 3), line(2, 1000))

	_, err := f.orders.CreateOrder(ctx, "key-1", testScope, req)
	var oos *OutOfStockError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, int64(2), oos.ProductID)
	assert.Equal(t, 10, f.stock(t, 1))
	assert.Equal(t, 5, f.stock(t, 2))
	assert.Empty(t, f.publisher.created)

	rec, err := f.store.GetIdempotencyRecord(ctx, "key-1", testScope)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = f.ledger.SetStock(ctx, 2, 1000)
	require.NoError(t, err)

	result, err := f.orders.CreateOrder(ctx, "key-1", testScope, req)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, 7, f.stock(t, 1))
	assert.Equal(t, 0, f.stock(t, 2))
}

func TestCreateOrderWithoutKeyIsNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)
	req := orderRequest(line(1, 1))

	a, err := f.orders.CreateOrder(ctx, "", testScope, req)
	require.NoError(t, err)
	b, err := f.orders.CreateOrder(ctx, "   ", testScope, req)
	require.NoError(t, err)

	assert.NotEqual(t, a.Order.ID, b.Order.ID)
	assert.NotEmpty(t, a.Order.IdempotencyKey)
	assert.Equal(t, 8, f.stock(t, 1))
}

func TestCreateOrderRejectsLongKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.CreateOrder(context.Background(),
		strings.Repeat("k", idempotency.MaxKeyLength+1), testScope, orderRequest(line(1, 1)))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestCreateOrderUntrackedProduct(t *testing.T) {
	f := newFixture(t)
	f.store.SeedStock(1, 1)

	result, err := f.orders.CreateOrder(context.Background(), "key-1", testScope,
		orderRequest(line(1, 1), line(500, 10_000)))
	require.NoError(t, err)

	require.Len(t, result.Reservations, 1)
	assert.Equal(t, int64(1), result.Reservations[0].ProductID)
	assert.Len(t, result.Items, 2)
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)

	var succeeded, rejected int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		g.Go(func() error {
			_, err := f.orders.CreateOrder(gctx, key, testScope, orderRequest(line(1, 1)))
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ErrOutOfStock):
				atomic.AddInt32(&rejected, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), succeeded)
	assert.Equal(t, int32(40), rejected)
	assert.Equal(t, 0, f.stock(t, 1))
}

func TestConcurrentRetriesCreateOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)
	req := orderRequest(line(1, 2))

	const attempts = 8
	ids := make([]int64, attempts)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < attempts; i++ {
		i := i
		g.Go(func() error {
			result, err := f.orders.CreateOrder(gctx, "same-key", testScope, req)
			if err != nil {
				return err
			}
			ids[i] = result.Order.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 8, f.stock(t, 1))

	_, err := f.store.GetOrderByID(ctx, ids[0]+1)
	assert.ErrorIs(t, err, store.ErrNotFound, "losing attempts roll back their order")
	assert.Len(t, f.publisher.created, 1)
}

// lookupBarrierStore holds the first n idempotency lookups until all n have
// read, so every caller misses before any of them commits.
type lookupBarrierStore struct {
	*store.MemoryStore
	n       int
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newLookupBarrierStore(n int) *lookupBarrierStore {
	return &lookupBarrierStore{
		MemoryStore: store.NewMemoryStore(),
		n:           n,
		release:     make(chan struct{}),
	}
}

func (s *lookupBarrierStore) GetIdempotencyRecord(ctx context.Context, key, scope string) (*models.IdempotencyRecord, error) {
	rec, err := s.MemoryStore.GetIdempotencyRecord(ctx, key, scope)

	s.mu.Lock()
	if s.arrived >= s.n {
		s.mu.Unlock()
		return rec, err
	}
	s.arrived++
	if s.arrived == s.n {
		close(s.release)
	}
	s.mu.Unlock()

	<-s.release
	return rec, err
}

func TestConcurrentRetriesWithExactStockReplay(t *testing.T) {
	st := newLookupBarrierStore(2)
	st.SeedStock(1, 2)
	reservations := NewReservationManager(st, LedgerTrackingPolicy{}, nil)
	orders := NewOrderService(st, reservations, nil, nil)
	req := orderRequest(line(1, 2))

	results := make([]*OrderResult, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range results {
		i := i
		g.Go(func() error {
			result, err := orders.CreateOrder(ctx, "same-key", testScope, req)
			results[i] = result
			return err
		})
	}
	require.NoError(t, g.Wait(), "an identical retry must replay, not report out of stock")

	assert.Equal(t, results[0].Order.ID, results[1].Order.ID)
	assert.NotEqual(t, results[0].Replayed, results[1].Replayed)

	entry, err := st.GetStockEntry(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.AvailableQty)
}

func TestConcurrentDifferentPayloadAfterFailureIsKeyReuse(t *testing.T) {
	st := newLookupBarrierStore(2)
	st.SeedStock(1, 2)
	reservations := NewReservationManager(st, LedgerTrackingPolicy{}, nil)
	orders := NewOrderService(st, reservations, nil, nil)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, qty := range []int{2, 1} {
		wg.Add(1)
		go func(i, qty int) {
			defer wg.Done()
			_, errs[i] = orders.CreateOrder(context.Background(), "same-key", testScope, orderRequest(line(1, qty)))
		}(i, qty)
	}
	wg.Wait()

	// Whichever ran second either lost the stock or the key; it never
	// creates a second order.
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, errors.Is(err, ErrIdempotencyKeyReuse) || errors.Is(err, ErrOutOfStock), err)
		}
	}
	assert.Equal(t, 1, failed)
	_, err := st.GetOrderByID(context.Background(), 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplayReturnsRecordedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := orderRequest(line(1, 1))

	hash, err := idempotency.HashRequest(req)
	require.NoError(t, err)
	body, err := json.Marshal(OrderResult{Order: models.Order{ID: 77, Status: models.OrderStatusPending}})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateIdempotencyRecord(ctx, &models.IdempotencyRecord{
		Key:          "k",
		Scope:        testScope,
		RequestHash:  hash,
		ResponseBody: body,
		StatusCode:   http.StatusOK,
	}))

	result, err := f.orders.CreateOrder(ctx, "k", testScope, req)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, int64(77), result.Order.ID)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedStock(1, 10)

	created, err := f.orders.CreateOrder(ctx, "key-1", testScope, orderRequest(line(1, 2)))
	require.NoError(t, err)

	got, err := f.orders.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Order.ID, got.Order.ID)
	assert.Len(t, got.Items, 1)
	assert.Len(t, got.Reservations, 1)

	_, err = f.orders.GetOrder(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
