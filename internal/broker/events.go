package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishReservationsChanged publishes OrderCommitted, OrderReleased or OrderRestocked
func (ep *EventPublisher) PublishReservationsChanged(ctx context.Context, event *models.ReservationsChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PaymentHandlerFunc handles one decoded payment event
type PaymentHandlerFunc func(context.Context, *models.PaymentEvent) error

// EventHandler routes incoming payment events by type
type EventHandler struct {
	handlers map[string]PaymentHandlerFunc
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]PaymentHandlerFunc),
		logger:   util.GetLogger(),
	}
}

// OnPaymentSuccess registers a handler for PaymentSuccess events
func (eh *EventHandler) OnPaymentSuccess(handler PaymentHandlerFunc) {
	eh.handlers[models.EventTypePaymentSuccess] = handler
}

// OnPaymentFailed registers a handler for PaymentFailed events
func (eh *EventHandler) OnPaymentFailed(handler PaymentHandlerFunc) {
	eh.handlers[models.EventTypePaymentFailed] = handler
}

// OnPaymentRefunded registers a handler for PaymentRefunded events
func (eh *EventHandler) OnPaymentRefunded(handler PaymentHandlerFunc) {
	eh.handlers[models.EventTypePaymentRefunded] = handler
}

// OnCheckoutExpired registers a handler for CheckoutExpired events
func (eh *EventHandler) OnCheckoutExpired(handler PaymentHandlerFunc) {
	eh.handlers[models.EventTypeCheckoutExpired] = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	handler, ok := eh.handlers[baseEvent.EventType]
	if !ok {
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
		return nil
	}

	var event models.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
	}
	if event.EventID == "" || event.OrderID == 0 {
		return fmt.Errorf("%s event missing event_id or order_id", baseEvent.EventType)
	}
	return handler(ctx, &event)
}
