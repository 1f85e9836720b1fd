package notify

import (
	"context"
	"fmt"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
)

// EventProducer streams order status transitions; each producer is
// bound to its topic.
type EventProducer interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

type NotificationProducer interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// Dispatcher fans order events and notifications out to Kafka. Both are
// fire-and-forget: a broker hiccup is logged, never surfaced, because
// no state transition may fail on a lost notification.
type Dispatcher struct {
	events   EventProducer
	notifs   NotificationProducer
	presence *Presence
	log      *logger.Logger
	mockMode bool
}

func NewDispatcher(events EventProducer, notifs NotificationProducer, presence *Presence, log *logger.Logger, mockMode bool) *Dispatcher {
	return &Dispatcher{
		events:   events,
		notifs:   notifs,
		presence: presence,
		log:      log,
		mockMode: mockMode,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, n models.Notification) {
	if d.presence != nil && !d.presence.IsOnline(n.Recipient) {
		d.log.Info("NOTIFY", fmt.Sprintf("Recipient %s offline, notification for order %s queued to Kafka only", n.Recipient, n.OrderID))
	}

	if d.mockMode || d.notifs == nil {
		d.log.Info("NOTIFY", fmt.Sprintf("[mock] to %s: %s", n.Recipient, n.Subject))
		return
	}

	if err := d.notifs.PublishNotification(ctx, n); err != nil {
		d.log.Error("NOTIFY", fmt.Sprintf("Failed to publish notification for %s: %v", n.Recipient, err))
		return
	}
	d.log.LogKafka("PUBLISH", "notifications", fmt.Sprintf("notification for %s (order %s)", n.Recipient, n.OrderID))
}

func (d *Dispatcher) PublishOrderEvent(ctx context.Context, event models.OrderEvent) {
	if d.mockMode || d.events == nil {
		d.log.Info("NOTIFY", fmt.Sprintf("[mock] order event %s for %s", event.Type, event.OrderID))
		return
	}

	if err := d.events.PublishOrderEvent(ctx, event); err != nil {
		d.log.Error("NOTIFY", fmt.Sprintf("Failed to publish order event %s for %s: %v", event.Type, event.OrderID, err))
		return
	}
	d.log.LogKafka("PUBLISH", "order-events", fmt.Sprintf("%s for order %s", event.Type, event.OrderID))
}
