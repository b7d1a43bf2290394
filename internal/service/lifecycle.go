package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type lifecycleOp struct {
	name      string
	eventType string
	apply     func(rm *ReservationManager) txTransition
	// next order status keyed by current status; missing means unchanged
	next map[string]string
}

var (
	opCommit = lifecycleOp{
		name:      "commit",
		eventType: models.EventTypeOrderCommitted,
		apply:     func(rm *ReservationManager) txTransition { return rm.CommitTx },
		next: map[string]string{
			models.OrderStatusPending: models.OrderStatusConfirmed,
		},
	}
	opRelease = lifecycleOp{
		name:      "release",
		eventType: models.EventTypeOrderReleased,
		apply:     func(rm *ReservationManager) txTransition { return rm.ReleaseTx },
		next: map[string]string{
			models.OrderStatusPending: models.OrderStatusCancelled,
		},
	}
	opRestock = lifecycleOp{
		name:      "restock",
		eventType: models.EventTypeOrderRestocked,
		apply:     func(rm *ReservationManager) txTransition { return rm.RestockTx },
		next: map[string]string{
			models.OrderStatusPending:   models.OrderStatusCancelled,
			models.OrderStatusConfirmed: models.OrderStatusRefunded,
		},
	}
)

// CommitOrder is called on payment confirmation
func (s *OrderService) CommitOrder(ctx context.Context, orderID int64) (TransitionResult, error) {
	return s.runLifecycle(ctx, orderID, opCommit)
}

// ReleaseOrder is called when a checkout is abandoned before payment
func (s *OrderService) ReleaseOrder(ctx context.Context, orderID int64) (TransitionResult, error) {
	return s.runLifecycle(ctx, orderID, opRelease)
}

// RestockOrder is called on refunds and cancellations, before or after commit
func (s *OrderService) RestockOrder(ctx context.Context, orderID int64) (TransitionResult, error) {
	return s.runLifecycle(ctx, orderID, opRestock)
}

// runLifecycle moves reservations and the order status in one transaction.
// Repeating an operation changes nothing and publishes nothing.
func (s *OrderService) runLifecycle(ctx context.Context, orderID int64, op lifecycleOp) (TransitionResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService."+op.name,
		attribute.Int64("order_id", orderID))
	defer span.End()

	var result TransitionResult
	var newStatus string
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		order, err := repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}

		result, err = op.apply(s.reservations)(ctx, repo, orderID)
		if err != nil {
			return err
		}

		if next, ok := op.next[order.Status]; ok {
			if err := repo.UpdateOrderStatus(ctx, orderID, next); err != nil {
				return err
			}
			newStatus = next
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return TransitionResult{}, err
	}

	invalidateStock(ctx, s.cache, s.logger, result.ProductIDs...)

	if result.Affected == 0 && newStatus == "" {
		s.logger.Info("Order lifecycle operation was a no-op",
			zap.Int64("order_id", orderID),
			zap.String("op", op.name))
		return result, nil
	}

	event := &models.ReservationsChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: op.eventType,
			Timestamp: time.Now(),
		},
		OrderID:  orderID,
		Affected: result.Affected,
		Status:   newStatus,
	}
	if err := s.eventPublisher.PublishReservationsChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish reservations event",
			zap.String("event_type", op.eventType),
			zap.Error(err))
	}

	s.logger.Info("Order lifecycle operation applied",
		zap.Int64("order_id", orderID),
		zap.String("op", op.name),
		zap.Int("affected", result.Affected),
		zap.String("status", newStatus))
	return result, nil
}
