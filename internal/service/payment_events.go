package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// PaymentEventHandler maps payment integration events onto order lifecycle
// operations. Each event id is applied at most once.
type PaymentEventHandler struct {
	store  store.Repository
	orders *OrderService
	logger *zap.Logger
}

// NewPaymentEventHandler creates a new payment event handler
func NewPaymentEventHandler(st store.Repository, orders *OrderService) *PaymentEventHandler {
	return &PaymentEventHandler{
		store:  st,
		orders: orders,
		logger: util.GetLogger(),
	}
}

// HandlePaymentSuccess commits the order's reservations
func (h *PaymentEventHandler) HandlePaymentSuccess(ctx context.Context, event *models.PaymentEvent) error {
	return h.handle(ctx, event, h.orders.CommitOrder)
}

// HandlePaymentFailed releases the order's open reservations
func (h *PaymentEventHandler) HandlePaymentFailed(ctx context.Context, event *models.PaymentEvent) error {
	return h.handle(ctx, event, h.orders.ReleaseOrder)
}

// HandleCheckoutExpired releases the order's open reservations
func (h *PaymentEventHandler) HandleCheckoutExpired(ctx context.Context, event *models.PaymentEvent) error {
	return h.handle(ctx, event, h.orders.ReleaseOrder)
}

// HandlePaymentRefunded restocks everything the order still holds
func (h *PaymentEventHandler) HandlePaymentRefunded(ctx context.Context, event *models.PaymentEvent) error {
	return h.handle(ctx, event, h.orders.RestockOrder)
}

func (h *PaymentEventHandler) handle(
	ctx context.Context,
	event *models.PaymentEvent,
	op func(context.Context, int64) (TransitionResult, error),
) error {
	ctx, span := util.StartSpan(ctx, "PaymentEventHandler."+event.EventType)
	defer span.End()

	processed, err := h.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.EventsConsumedTotal.WithLabelValues(event.EventType, "duplicate").Inc()
		h.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	h.logger.Info("Handling payment event",
		zap.String("event_type", event.EventType),
		zap.Int64("order_id", event.OrderID),
		zap.String("reason", event.Reason))

	result, err := op(ctx, event.OrderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Nothing to apply, and retrying will not make the order appear.
		util.EventsConsumedTotal.WithLabelValues(event.EventType, "unknown_order").Inc()
		h.logger.Warn("Payment event for unknown order",
			zap.String("event_id", event.EventID),
			zap.Int64("order_id", event.OrderID))
	case err != nil:
		util.EventsConsumedTotal.WithLabelValues(event.EventType, "error").Inc()
		util.RecordError(span, err)
		return fmt.Errorf("failed to apply %s for order %d: %w", event.EventType, event.OrderID, err)
	default:
		util.EventsConsumedTotal.WithLabelValues(event.EventType, "applied").Inc()
		h.logger.Info("Payment event applied",
			zap.String("event_id", event.EventID),
			zap.Int64("order_id", event.OrderID),
			zap.Int("affected", result.Affected))
	}

	if err := h.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		h.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
