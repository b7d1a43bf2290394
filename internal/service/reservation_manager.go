package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TrackingPolicy decides whether a product's stock is counted at all.
// Untracked products have unlimited availability and get no reservation rows.
type TrackingPolicy interface {
	IsTracked(ctx context.Context, repo store.Repository, productID int64) (bool, error)
}

// LedgerTrackingPolicy treats a product as tracked iff it has a ledger row
type LedgerTrackingPolicy struct{}

// IsTracked implements TrackingPolicy
func (LedgerTrackingPolicy) IsTracked(ctx context.Context, repo store.Repository, productID int64) (bool, error) {
	return repo.StockEntryExists(ctx, productID)
}

// ReservationRequest is one line to reserve
type ReservationRequest struct {
	ProductID int64
	Qty       int
}

// TransitionResult describes the rows moved by a commit, release or restock
type TransitionResult struct {
	OrderID    int64   `json:"order_id"`
	Affected   int     `json:"affected"`
	ProductIDs []int64 `json:"-"`
}

// ReservationManager is the only writer of reservation rows and the only
// component that moves stock in or out of the ledger for orders.
type ReservationManager struct {
	store    store.Transactor
	tracking TrackingPolicy
	cache    Cache
	logger   *zap.Logger
}

// NewReservationManager creates a reservation manager. cache may be nil.
func NewReservationManager(st store.Transactor, tracking TrackingPolicy, cache Cache) *ReservationManager {
	if tracking == nil {
		tracking = LedgerTrackingPolicy{}
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &ReservationManager{
		store:    st,
		tracking: tracking,
		cache:    cache,
		logger:   util.GetLogger(),
	}
}

// ReserveForOrder reserves every line inside the caller's transaction.
// Lines are processed by ascending product ID. The first shortfall returns
// an *OutOfStockError and the caller must roll the transaction back.
func (m *ReservationManager) ReserveForOrder(ctx context.Context, repo store.Repository, orderID int64, items []ReservationRequest) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReserveForOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	sorted := make([]ReservationRequest, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	reservations := make([]models.Reservation, 0, len(sorted))
	for _, item := range sorted {
		if item.Qty <= 0 {
			continue
		}

		tracked, err := m.tracking.IsTracked(ctx, repo, item.ProductID)
		if err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to check tracking for product %d: %w", item.ProductID, err)
		}
		if !tracked {
			m.logger.Debug("Skipping untracked product",
				zap.Int64("order_id", orderID),
				zap.Int64("product_id", item.ProductID))
			continue
		}

		ok, err := repo.DecrementStock(ctx, item.ProductID, item.Qty)
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to reserve stock for product %d: %w", item.ProductID, err)
		}
		if !ok {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			oos := &OutOfStockError{ProductID: item.ProductID, Requested: item.Qty}
			if entry, err := repo.GetStockEntry(ctx, item.ProductID); err == nil {
				oos.Available = entry.AvailableQty
			}
			util.RecordError(span, oos)
			return nil, oos
		}

		res := models.Reservation{
			ID:        uuid.New().String(),
			OrderID:   orderID,
			ProductID: item.ProductID,
			Qty:       item.Qty,
			Status:    models.ReservationReserved,
		}
		if err := repo.CreateReservation(ctx, &res); err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to create reservation for product %d: %w", item.ProductID, err)
		}
		reservations = append(reservations, res)
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(models.ReservationReserved)).Add(float64(len(reservations)))
	return reservations, nil
}

// CommitTx moves reserved rows to committed. The ledger is untouched.
func (m *ReservationManager) CommitTx(ctx context.Context, repo store.Repository, orderID int64) (TransitionResult, error) {
	return m.transition(ctx, repo, orderID, models.ReservationCommitted, false,
		models.ReservationReserved)
}

// ReleaseTx returns stock for rows still reserved and marks them released
func (m *ReservationManager) ReleaseTx(ctx context.Context, repo store.Repository, orderID int64) (TransitionResult, error) {
	return m.transition(ctx, repo, orderID, models.ReservationReleased, true,
		models.ReservationReserved)
}

// RestockTx returns stock for every row not yet released, committed or not
func (m *ReservationManager) RestockTx(ctx context.Context, repo store.Repository, orderID int64) (TransitionResult, error) {
	return m.transition(ctx, repo, orderID, models.ReservationReleased, true,
		models.ReservationReserved, models.ReservationCommitted)
}

// CommitOrder finalizes an order's reservations in its own transaction
func (m *ReservationManager) CommitOrder(ctx context.Context, orderID int64) (TransitionResult, error) {
	return m.runTx(ctx, orderID, m.CommitTx)
}

// ReleaseOrder releases an order's open reservations in its own transaction
func (m *ReservationManager) ReleaseOrder(ctx context.Context, orderID int64) (TransitionResult, error) {
	return m.runTx(ctx, orderID, m.ReleaseTx)
}

// RestockOrder restocks an order's reservations in its own transaction
func (m *ReservationManager) RestockOrder(ctx context.Context, orderID int64) (TransitionResult, error) {
	return m.runTx(ctx, orderID, m.RestockTx)
}

// ListReservationsByOrder is a read-only view for auditing
func (m *ReservationManager) ListReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error) {
	return m.store.ListReservationsByOrder(ctx, orderID, false)
}

type txTransition func(ctx context.Context, repo store.Repository, orderID int64) (TransitionResult, error)

func (m *ReservationManager) runTx(ctx context.Context, orderID int64, fn txTransition) (TransitionResult, error) {
	var result TransitionResult
	err := m.store.WithTx(ctx, func(repo store.Repository) error {
		var err error
		result, err = fn(ctx, repo, orderID)
		return err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	invalidateStock(ctx, m.cache, m.logger, result.ProductIDs...)
	return result, nil
}

// transition locks the order's rows and moves those in one of from to to.
// Rows already in a terminal status are skipped, which makes every
// transition safe to repeat.
func (m *ReservationManager) transition(
	ctx context.Context,
	repo store.Repository,
	orderID int64,
	to models.ReservationStatus,
	credit bool,
	from ...models.ReservationStatus,
) (TransitionResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.transition",
		attribute.Int64("order_id", orderID),
		attribute.String("to", string(to)))
	defer span.End()

	result := TransitionResult{OrderID: orderID}

	reservations, err := repo.ListReservationsByOrder(ctx, orderID, true)
	if err != nil {
		util.RecordError(span, err)
		return result, fmt.Errorf("failed to lock reservations for order %d: %w", orderID, err)
	}

	for _, r := range reservations {
		if !statusIn(r.Status, from) {
			continue
		}

		if credit {
			if err := repo.IncrementStock(ctx, r.ProductID, r.Qty); err != nil {
				util.RecordError(span, err)
				return result, fmt.Errorf("failed to return stock for product %d: %w", r.ProductID, err)
			}
		}

		if err := repo.UpdateReservationStatus(ctx, r.ID, to); err != nil {
			util.RecordError(span, err)
			return result, fmt.Errorf("failed to update reservation %s: %w", r.ID, err)
		}

		result.Affected++
		if credit {
			result.ProductIDs = append(result.ProductIDs, r.ProductID)
		}
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(to)).Add(float64(result.Affected))

	m.logger.Info("Reservations transitioned",
		zap.Int64("order_id", orderID),
		zap.String("to", string(to)),
		zap.Int("affected", result.Affected))
	return result, nil
}

func statusIn(s models.ReservationStatus, set []models.ReservationStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// isOutOfStock unwraps err into an *OutOfStockError
func isOutOfStock(err error) (*OutOfStockError, bool) {
	var oos *OutOfStockError
	if errors.As(err, &oos) {
		return oos, true
	}
	return nil, false
}
