package broker

import (
	"context"

	"billing-service/internal/models"
)

// EventPublisher publishes billing domain events, keyed by tenant so that
// all events of one customer land on one partition.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishCheckoutInitiated publishes a CheckoutInitiated event
func (ep *EventPublisher) PublishCheckoutInitiated(ctx context.Context, event *models.CheckoutInitiatedEvent) error {
	return ep.producer.PublishEvent(ctx, "tenant-"+event.TenantID, event)
}

// PublishSubscriptionEvent publishes a subscription lifecycle event
func (ep *EventPublisher) PublishSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	return ep.producer.PublishEvent(ctx, "tenant-"+event.TenantID, event)
}
