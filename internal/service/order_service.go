package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fulfillment-service/internal/idempotency"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService creates orders with their reservations in one transaction
// and answers retried requests from the idempotency store.
type OrderService struct {
	store          store.Transactor
	reservations   *ReservationManager
	cache          Cache
	eventPublisher EventPublisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service. cache and eventPublisher may be nil.
func NewOrderService(
	st store.Transactor,
	reservations *ReservationManager,
	cache Cache,
	eventPublisher EventPublisher,
) *OrderService {
	if cache == nil {
		cache = NopCache{}
	}
	if eventPublisher == nil {
		eventPublisher = NopPublisher{}
	}
	return &OrderService{
		store:          st,
		reservations:   reservations,
		cache:          cache,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest is the checkout payload
type CreateOrderRequest struct {
	CustomerID string     `json:"customer_id"`
	Items      []LineItem `json:"items" binding:"required,min=1,dive"`
}

// LineItem represents an item in an order
type LineItem struct {
	ProductID      int64  `json:"product_id" binding:"required"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents" binding:"min=0"`
	Qty            int    `json:"qty" binding:"required,min=1"`
}

// OrderResult is the order aggregate returned to callers and stored as the
// idempotent response body
type OrderResult struct {
	Order        models.Order         `json:"order"`
	Items        []models.OrderItem   `json:"items"`
	Reservations []models.Reservation `json:"reservations"`

	// Replayed is set when the result came from an idempotency record
	Replayed bool `json:"-"`
	// StatusCode is the HTTP status recorded with the result
	StatusCode int `json:"-"`
}

// CreateOrder creates the order, its items and its reservations atomically.
// A retry with the same key and payload returns the first result without
// side effects; the same key with another payload fails with
// ErrIdempotencyKeyReuse. On *OutOfStockError nothing is persisted and the
// key stays free.
func (s *OrderService) CreateOrder(ctx context.Context, key, scope string, req *CreateOrderRequest) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", attribute.String("scope", scope))
	defer span.End()

	key = idempotency.Key(key)
	if key == "" {
		key = uuid.New().String()
		s.logger.Warn("Create order without idempotency key, generated one",
			zap.String("idempotency_key", key))
	}
	if len(key) > idempotency.MaxKeyLength {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, invalidOrder("idempotency key longer than %d", idempotency.MaxKeyLength)
	}

	if err := validateOrderRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	requestHash, err := idempotency.HashRequest(req)
	if err != nil {
		return nil, err
	}

	if result, err := s.lookupReplay(ctx, key, scope, requestHash); err != nil || result != nil {
		return result, err
	}

	var result *OrderResult
	var record *models.IdempotencyRecord
	err = s.store.WithTx(ctx, func(repo store.Repository) error {
		var err error
		result, err = s.createOrderTx(ctx, repo, key, req)
		if err != nil {
			return err
		}

		body, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal order result: %w", err)
		}

		record = &models.IdempotencyRecord{
			Key:          key,
			Scope:        scope,
			RequestHash:  requestHash,
			ResponseBody: body,
			StatusCode:   http.StatusCreated,
		}
		return repo.CreateIdempotencyRecord(ctx, record)
	})

	if errors.Is(err, store.ErrDuplicateKey) {
		// A concurrent request with this key committed first; ours rolled back.
		util.IdempotencyConflictsTotal.WithLabelValues("concurrent_create").Inc()
		s.logger.Info("Concurrent create for idempotency key, replaying winner",
			zap.String("idempotency_key", key),
			zap.String("scope", scope))
		return s.replayFromStore(ctx, key, scope, requestHash)
	}
	if err != nil {
		// A concurrent attempt with this key may have committed first and
		// taken the stock this one needed.
		if rec, lookupErr := s.store.GetIdempotencyRecord(ctx, key, scope); lookupErr == nil && rec != nil {
			util.IdempotencyConflictsTotal.WithLabelValues("concurrent_create").Inc()
			s.logger.Info("Create failed but key was committed concurrently, replaying",
				zap.String("idempotency_key", key),
				zap.String("scope", scope),
				zap.NamedError("cause", err))
			return s.replay(rec, requestHash)
		}

		util.RecordError(span, err)
		if oos, ok := isOutOfStock(err); ok {
			util.OrdersFailedTotal.WithLabelValues("out_of_stock").Inc()
			s.logger.Info("Order rejected, out of stock",
				zap.String("idempotency_key", key),
				zap.Int64("product_id", oos.ProductID),
				zap.Int("requested", oos.Requested),
				zap.Int("available", oos.Available))
			return nil, err
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result.StatusCode = record.StatusCode
	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", result.Order.ID),
		zap.Int("reservations", len(result.Reservations)))

	if err := s.cache.SetIdempotencyRecord(ctx, record); err != nil {
		s.logger.Warn("Failed to cache idempotency record", zap.Error(err))
	}
	invalidateStock(ctx, s.cache, s.logger, reservedProductIDs(result.Reservations)...)
	s.publishOrderCreated(ctx, result)

	return result, nil
}

func (s *OrderService) createOrderTx(ctx context.Context, repo store.Repository, key string, req *CreateOrderRequest) (*OrderResult, error) {
	order := &models.Order{
		CustomerID:     req.CustomerID,
		TotalCents:     calculateTotal(req.Items),
		Status:         models.OrderStatusPending,
		IdempotencyKey: key,
	}
	if err := repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	requests := make([]ReservationRequest, 0, len(req.Items))
	for _, line := range req.Items {
		item := models.OrderItem{
			OrderID:        order.ID,
			ProductID:      line.ProductID,
			Name:           line.Name,
			UnitPriceCents: line.UnitPriceCents,
			Qty:            line.Qty,
		}
		if err := repo.CreateOrderItem(ctx, &item); err != nil {
			return nil, fmt.Errorf("failed to insert order item: %w", err)
		}
		items = append(items, item)
		requests = append(requests, ReservationRequest{ProductID: line.ProductID, Qty: line.Qty})
	}

	reservations, err := s.reservations.ReserveForOrder(ctx, repo, order.ID, requests)
	if err != nil {
		return nil, err
	}

	return &OrderResult{
		Order:        *order,
		Items:        items,
		Reservations: reservations,
	}, nil
}

// lookupReplay checks the cache and then the store for a finished request.
// Returns nil, nil when the key has not been used in this scope.
func (s *OrderService) lookupReplay(ctx context.Context, key, scope, requestHash string) (*OrderResult, error) {
	rec, err := s.cache.GetIdempotencyRecord(ctx, key, scope)
	if err != nil {
		s.logger.Warn("Idempotency cache read failed", zap.Error(err))
		rec = nil
	}

	if rec == nil {
		rec, err = s.store.GetIdempotencyRecord(ctx, key, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if rec == nil {
			return nil, nil
		}
		if err := s.cache.SetIdempotencyRecord(ctx, rec); err != nil {
			s.logger.Warn("Failed to cache idempotency record", zap.Error(err))
		}
	}

	return s.replay(rec, requestHash)
}

func (s *OrderService) replayFromStore(ctx context.Context, key, scope, requestHash string) (*OrderResult, error) {
	rec, err := s.store.GetIdempotencyRecord(ctx, key, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record after conflict: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("idempotency record for key %q vanished after conflict", key)
	}
	return s.replay(rec, requestHash)
}

func (s *OrderService) replay(rec *models.IdempotencyRecord, requestHash string) (*OrderResult, error) {
	if rec.RequestHash != requestHash {
		util.IdempotencyConflictsTotal.WithLabelValues("key_reuse").Inc()
		s.logger.Warn("Idempotency key reused with a different payload",
			zap.String("idempotency_key", rec.Key),
			zap.String("scope", rec.Scope))
		return nil, ErrIdempotencyKeyReuse
	}

	var result OrderResult
	if err := json.Unmarshal(rec.ResponseBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored order result: %w", err)
	}
	result.Replayed = true
	result.StatusCode = rec.StatusCode

	util.OrdersReplayedTotal.Inc()
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", rec.Key),
		zap.Int64("order_id", result.Order.ID))
	return &result, nil
}

func (s *OrderService) publishOrderCreated(ctx context.Context, result *OrderResult) {
	items := make([]models.OrderItemData, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, models.OrderItemData{
			ProductID:      item.ProductID,
			Qty:            item.Qty,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now(),
		},
		OrderID:    result.Order.ID,
		CustomerID: result.Order.CustomerID,
		TotalCents: result.Order.TotalCents,
		Items:      items,
	}

	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

// GetOrder retrieves an order with its items and reservations
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderResult, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	reservations, err := s.reservations.ListReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderResult{Order: *order, Items: items, Reservations: reservations}, nil
}

func validateOrderRequest(req *CreateOrderRequest) error {
	if req == nil || len(req.Items) == 0 {
		return invalidOrder("order has no items")
	}
	for i, line := range req.Items {
		if line.ProductID == 0 {
			return invalidOrder("item %d: missing product_id", i)
		}
		if line.Qty < 1 {
			return invalidOrder("item %d: qty must be at least 1", i)
		}
		if line.UnitPriceCents < 0 {
			return invalidOrder("item %d: negative unit price", i)
		}
	}
	return nil
}

// calculateTotal calculates the total amount for an order
func calculateTotal(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPriceCents * int64(item.Qty)
	}
	return total
}

func reservedProductIDs(reservations []models.Reservation) []int64 {
	ids := make([]int64, 0, len(reservations))
	for _, r := range reservations {
		ids = append(ids, r.ProductID)
	}
	return ids
}
