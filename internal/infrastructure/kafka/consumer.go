package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/retry"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Debiter removes credits from a tenant balance.
type Debiter interface {
	Debit(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error)
}

// UsageEvent is one sent SMS batch reported by the delivery pipeline.
type UsageEvent struct {
	TenantID  string `json:"tenant_id"`
	Credits   int64  `json:"credits"`
	MessageID string `json:"message_id"`
}

// UsageConsumer debits tenant balances from TopicUsage.
type UsageConsumer struct {
	reader  MessageReader
	ledger  Debiter
	backoff time.Duration
}

func NewUsageConsumer(brokers []string, groupID string, ledger Debiter) *UsageConsumer {
	return NewUsageConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    TopicUsage,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	}), ledger)
}

func NewUsageConsumerWithReader(reader MessageReader, ledger Debiter) *UsageConsumer {
	return &UsageConsumer{reader: reader, ledger: ledger, backoff: 200 * time.Millisecond}
}

// Consume processes messages until ctx is cancelled. Every message is
// committed once handled, including the ones that were skipped.
func (c *UsageConsumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read Kafka message", "topic", TopicUsage, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit Kafka message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *UsageConsumer) handle(ctx context.Context, msg kafka.Message) {
	var ev UsageEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		slog.Error("failed to unmarshal usage event", "offset", msg.Offset, "error", err)
		return
	}
	if ev.TenantID == "" || ev.MessageID == "" || ev.Credits <= 0 {
		slog.Error("invalid usage event", "tenant_id", ev.TenantID, "message_id", ev.MessageID, "credits", ev.Credits)
		return
	}

	err := retry.Do(ctx, 3, c.backoff, func(ctx context.Context) error {
		_, err := c.ledger.Debit(ctx, ev.TenantID, ev.Credits, ev.MessageID)
		switch {
		case errors.Is(err, pkgerrors.ErrValidation),
			errors.Is(err, pkgerrors.ErrDuplicateReference),
			errors.Is(err, pkgerrors.ErrInsufficientCredits):
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		slog.Info("usage debited", "tenant_id", ev.TenantID, "message_id", ev.MessageID, "credits", ev.Credits)
	case errors.Is(err, pkgerrors.ErrDuplicateReference):
		slog.Info("usage event already applied", "tenant_id", ev.TenantID, "message_id", ev.MessageID)
	case errors.Is(err, pkgerrors.ErrInsufficientCredits):
		slog.Warn("usage exceeds balance", "tenant_id", ev.TenantID, "message_id", ev.MessageID, "credits", ev.Credits)
	default:
		// TODO: route to a sms.usage.dlq topic once the delivery pipeline consumes one.
		slog.Error("failed to debit usage", "tenant_id", ev.TenantID, "message_id", ev.MessageID, "error", err)
	}
}

func (c *UsageConsumer) Close() error {
	return c.reader.Close()
}
