package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger exposes the per-product available quantity to admin callers.
// Reservations go through ReservationManager, never through here.
type StockLedger struct {
	store  store.Transactor
	cache  Cache
	logger *zap.Logger
}

// NewStockLedger creates a new stock ledger. cache may be nil.
func NewStockLedger(st store.Transactor, cache Cache) *StockLedger {
	if cache == nil {
		cache = NopCache{}
	}
	return &StockLedger{
		store:  st,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// GetStock returns the available quantity, 0 for untracked products.
// Lookup failures are logged and read as 0.
func (l *StockLedger) GetStock(ctx context.Context, productID int64) int {
	ctx, span := util.StartSpan(ctx, "StockLedger.GetStock", attribute.Int64("product_id", productID))
	defer span.End()

	if qty, ok, err := l.cache.GetStock(ctx, productID); err != nil {
		util.StockCacheRequestsTotal.WithLabelValues("error").Inc()
		l.logger.Warn("Stock cache read failed, falling back to DB",
			zap.Int64("product_id", productID),
			zap.Error(err))
	} else if ok {
		util.StockCacheRequestsTotal.WithLabelValues("hit").Inc()
		return qty
	} else {
		util.StockCacheRequestsTotal.WithLabelValues("miss").Inc()
	}

	// Read before the store so an invalidation racing this lookup makes
	// the cache write below a no-op.
	version, verErr := l.cache.StockVersion(ctx, productID)

	entry, tracked, err := l.GetStockEntry(ctx, productID)
	if err != nil {
		util.RecordError(span, err)
		l.logger.Error("Failed to read stock",
			zap.Int64("product_id", productID),
			zap.Error(err))
		return 0
	}
	if !tracked {
		return 0
	}

	if verErr != nil {
		return entry.AvailableQty
	}
	if err := l.cache.SetStock(ctx, productID, entry.AvailableQty, version); err != nil {
		l.logger.Warn("Failed to cache stock",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
	return entry.AvailableQty
}

// GetStockEntry returns the ledger row and whether the product is tracked
func (l *StockLedger) GetStockEntry(ctx context.Context, productID int64) (*models.StockEntry, bool, error) {
	entry, err := l.store.GetStockEntry(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get stock entry: %w", err)
	}
	return entry, true, nil
}

// SetStock upserts the available quantity for manual corrections.
// Negative input is clamped to 0. Returns the stored quantity.
func (l *StockLedger) SetStock(ctx context.Context, productID int64, qty int) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.SetStock", attribute.Int64("product_id", productID))
	defer span.End()

	if qty < 0 {
		qty = 0
	}

	if err := l.store.UpsertStock(ctx, productID, qty); err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to set stock for product %d: %w", productID, err)
	}

	invalidateStock(ctx, l.cache, l.logger, productID)

	l.logger.Info("Stock set",
		zap.Int64("product_id", productID),
		zap.Int("available_qty", qty))
	return qty, nil
}

// invalidateStock drops cached quantities; failures only cost a stale read until TTL
func invalidateStock(ctx context.Context, cache Cache, logger *zap.Logger, productIDs ...int64) {
	if len(productIDs) == 0 {
		return
	}
	if err := cache.InvalidateStock(ctx, productIDs...); err != nil {
		logger.Warn("Failed to invalidate stock cache",
			zap.Int64s("product_ids", productIDs),
			zap.Error(err))
	}
}
