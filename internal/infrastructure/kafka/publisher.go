package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
)

const (
	TopicPayments = "payments"
	TopicUsage    = "sms.usage"

	EventTransition             = "payment_transition"
	EventReconciliationRequired = "reconciliation_required"
)

// PaymentEvent is the message written to TopicPayments, keyed by
// transaction id.
type PaymentEvent struct {
	Type string `json:"event_type"`
	models.TransitionEvent
}

// EventPublisher emits payment lifecycle events.
type EventPublisher struct {
	producer KafkaProducer
	topic    string
	timeout  time.Duration
}

func NewEventPublisher(producer KafkaProducer) *EventPublisher {
	return &EventPublisher{producer: producer, topic: TopicPayments, timeout: 5 * time.Second}
}

func (p *EventPublisher) PublishTransition(ctx context.Context, ev models.TransitionEvent) error {
	return p.publish(ctx, PaymentEvent{Type: EventTransition, TransitionEvent: ev})
}

// PublishReconciliationAlert reports a gateway outcome that arrived after the
// transaction had already ended differently.
func (p *EventPublisher) PublishReconciliationAlert(ctx context.Context, ev models.TransitionEvent) error {
	return p.publish(ctx, PaymentEvent{Type: EventReconciliationRequired, TransitionEvent: ev})
}

func (p *EventPublisher) publish(ctx context.Context, ev PaymentEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.producer.Send(ctx, p.topic, ev.TransactionID, value); err != nil {
		slog.Warn("payment event not published",
			"event_type", ev.Type,
			"transaction_id", ev.TransactionID,
			"error", err)
		return err
	}
	return nil
}
