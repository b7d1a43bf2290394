package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ service.Cache = (*Client)(nil)

func TestKeys(t *testing.T) {
	assert.Equal(t, "stock:17", stockKey(17))
	assert.Equal(t, "stock:ver:17", stockVersionKey(17))
	assert.Equal(t, "idempotency:15:order_create:42:abc", idempotencyKey("abc", "order_create:42"))
}

func TestIdempotencyKeyColonsDoNotCollide(t *testing.T) {
	a := idempotencyKey("k:1", "order_create:42")
	b := idempotencyKey("1", "order_create:42:k")
	assert.NotEqual(t, a, b)
}

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis (set TEST_REDIS_ADDR)")
	}

	c, err := NewClient(addr, "", 0, time.Minute, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStockCache(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	productID := time.Now().UnixNano()

	_, ok, err := c.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.False(t, ok)

	version, err := c.StockVersion(ctx, productID)
	require.NoError(t, err)
	require.NoError(t, c.SetStock(ctx, productID, 12, version))
	qty, ok, err := c.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12, qty)

	require.NoError(t, c.InvalidateStock(ctx, productID))
	_, ok, err = c.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.False(t, ok)

	// a write based on the pre-invalidation version is discarded
	require.NoError(t, c.SetStock(ctx, productID, 12, version))
	_, ok, err = c.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := c.StockVersion(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, version+1, current)
}

func TestIdempotencyRecordCache(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := time.Now().Format(time.RFC3339Nano)

	rec, err := c.GetIdempotencyRecord(ctx, key, "order_create:1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, c.SetIdempotencyRecord(ctx, &models.IdempotencyRecord{
		Key:          key,
		Scope:        "order_create:1",
		RequestHash:  "h",
		ResponseBody: []byte(`{"order":{"id":1}}`),
		StatusCode:   201,
	}))

	rec, err = c.GetIdempotencyRecord(ctx, key, "order_create:1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "h", rec.RequestHash)
	assert.JSONEq(t, `{"order":{"id":1}}`, string(rec.ResponseBody))
}
