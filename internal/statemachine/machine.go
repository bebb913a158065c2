// Package statemachine owns every status change of a payment transaction.
// Webhook handlers, the reconciler and API calls all go through it, and the
// store's compare-and-set guarantees that concurrent callers cannot apply
// the same outcome twice.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/sms-billing/internal/infrastructure/observability"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EventPublisher receives transition events after they are committed.
// Failures are logged and never undo a transition.
type EventPublisher interface {
	PublishTransition(ctx context.Context, ev models.TransitionEvent) error
	PublishReconciliationAlert(ctx context.Context, ev models.TransitionEvent) error
}

// BalanceCache is told when a tenant balance changed underneath it.
type BalanceCache interface {
	Invalidate(ctx context.Context, tenantID string)
}

type Machine struct {
	repo      repository.TransactionRepository
	publisher EventPublisher
	cache     BalanceCache
	now       func() time.Time
}

type Option func(*Machine)

func WithPublisher(p EventPublisher) Option {
	return func(m *Machine) { m.publisher = p }
}

func WithBalanceCache(c BalanceCache) Option {
	return func(m *Machine) { m.cache = c }
}

func New(repo repository.TransactionRepository, opts ...Option) *Machine {
	m := &Machine{repo: repo, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create persists a new pending transaction and its purchase. Identifiers,
// order and invoice numbers are generated here.
func (m *Machine) Create(ctx context.Context, tx *models.PaymentTransaction, p *models.Purchase) (*models.PaymentTransaction, error) {
	ctx, span := otel.Tracer("statemachine").Start(ctx, "Create")
	defer span.End()

	if tx == nil || p == nil {
		return nil, pkgerrors.ErrNilTransaction
	}
	if tx.TenantID == "" {
		return nil, pkgerrors.ErrMissingTenant
	}
	if !tx.Amount.IsPositive() {
		return nil, pkgerrors.ErrInvalidAmount
	}

	now := m.now()
	day := now.Format("20060102")
	tx.ID = ulid.Make().String()
	tx.GatewayOrderID = uuid.NewString()
	tx.OrderID = fmt.Sprintf("SMS-%s-%s", day, shortCode())
	tx.InvoiceNumber = fmt.Sprintf("INV-%s-%s", day, shortCode())
	tx.Status = models.StatusPending
	if tx.Currency == "" {
		tx.Currency = "TZS"
	}
	tx.CreatedAt, tx.UpdatedAt = now, now

	p.ID = ulid.Make().String()
	p.TenantID = tx.TenantID
	p.TransactionID = tx.ID
	p.InvoiceNumber = tx.InvoiceNumber
	p.Amount = tx.Amount
	p.Status = models.PurchasePending

	span.SetAttributes(attribute.String("transaction_id", tx.ID), attribute.String("tenant_id", tx.TenantID))

	if err := m.repo.Create(ctx, tx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		slog.Error("failed to create transaction", "tenant_id", tx.TenantID, "error", err)
		return nil, fmt.Errorf("%w: failed to create transaction", pkgerrors.ErrInternal)
	}

	slog.Info("transaction created",
		"transaction_id", tx.ID,
		"tenant_id", tx.TenantID,
		"order_id", tx.OrderID,
		"amount", tx.Amount.StringFixed(2))
	return tx, nil
}

func shortCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// MarkProcessing records that the gateway accepted the payment request.
// It is a no-op unless the transaction is still pending.
func (m *Machine) MarkProcessing(ctx context.Context, id string, actor models.Actor) (*models.PaymentTransaction, error) {
	res, err := m.apply(ctx, models.Transition{
		TransactionID: id,
		From:          []models.TransactionStatus{models.StatusPending},
		To:            models.StatusProcessing,
		Actor:         actor,
	})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// Complete moves a pending or processing transaction to completed and
// credits the tenant in the same store operation. Completing an already
// completed transaction is a no-op; completing one that ended otherwise
// fails with ErrInvalidTransition.
func (m *Machine) Complete(ctx context.Context, id string, actor models.Actor, details *models.GatewayDetails) (*models.TransitionResult, error) {
	res, err := m.apply(ctx, models.Transition{
		TransactionID: id,
		From:          models.Sources(models.StatusCompleted),
		To:            models.StatusCompleted,
		Actor:         actor,
		Gateway:       details,
	})
	if err != nil {
		return nil, err
	}
	if res.Applied || res.Previous == models.StatusCompleted {
		return res, nil
	}
	m.lateCompletion(ctx, res.Transaction, actor)
	return res, m.reject(res.Transaction, models.StatusCompleted, actor)
}

// Fail ends a transaction without payment. Terminal transactions are left
// untouched.
func (m *Machine) Fail(ctx context.Context, id string, actor models.Actor, reason string) (*models.TransitionResult, error) {
	return m.end(ctx, id, models.StatusFailed, actor, reason)
}

// Expire ends a transaction whose payment never arrived.
func (m *Machine) Expire(ctx context.Context, id string, actor models.Actor, reason string) (*models.TransitionResult, error) {
	return m.end(ctx, id, models.StatusExpired, actor, reason)
}

// Cancel ends a non-terminal transaction. Unlike Fail it reports
// ErrInvalidTransition when the transaction already ended.
func (m *Machine) Cancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.TransitionResult, error) {
	res, err := m.end(ctx, id, models.StatusCancelled, actor, reason)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return res, m.reject(res.Transaction, models.StatusCancelled, actor)
	}
	return res, nil
}

func (m *Machine) end(ctx context.Context, id string, to models.TransactionStatus, actor models.Actor, reason string) (*models.TransitionResult, error) {
	res, err := m.apply(ctx, models.Transition{
		TransactionID: id,
		From:          models.Sources(to),
		To:            to,
		Actor:         actor,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		slog.Info("transition skipped",
			"transaction_id", id,
			"current", res.Previous,
			"requested", to,
			"actor", actor)
	}
	return res, nil
}

func (m *Machine) apply(ctx context.Context, t models.Transition) (*models.TransitionResult, error) {
	ctx, span := otel.Tracer("statemachine").Start(ctx, "Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction_id", t.TransactionID),
		attribute.String("to", string(t.To)),
		attribute.String("actor", string(t.Actor)),
	)

	if t.TransactionID == "" {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if t.At.IsZero() {
		t.At = m.now()
	}

	res, err := m.repo.Transition(ctx, t)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrTransactionNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transition failed")
			slog.Error("transition failed",
				"transaction_id", t.TransactionID,
				"requested", t.To,
				"actor", t.Actor,
				"error", err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Bool("applied", res.Applied), attribute.String("from", string(res.Previous)))
	if !res.Applied {
		return res, nil
	}

	tx := res.Transaction
	observability.TransitionsTotal.WithLabelValues(string(res.Previous), string(t.To), string(t.Actor)).Inc()
	slog.Info("transaction transitioned",
		"transaction_id", tx.ID,
		"tenant_id", tx.TenantID,
		"from", res.Previous,
		"to", t.To,
		"actor", t.Actor)

	if t.To == models.StatusCompleted && res.Purchase != nil {
		observability.CreditsPurchased.Add(float64(res.Purchase.Credits))
		slog.Info("credits added",
			"transaction_id", tx.ID,
			"tenant_id", tx.TenantID,
			"credits", res.Purchase.Credits)
		if m.cache != nil {
			m.cache.Invalidate(ctx, tx.TenantID)
		}
	}

	if m.publisher != nil {
		ev := models.TransitionEvent{
			TransactionID: tx.ID,
			TenantID:      tx.TenantID,
			From:          res.Previous,
			To:            t.To,
			Actor:         t.Actor,
			Reason:        t.Reason,
			CreatedAt:     t.At,
		}
		if err := m.publisher.PublishTransition(ctx, ev); err != nil {
			span.RecordError(err)
		}
	}
	return res, nil
}

func (m *Machine) reject(tx *models.PaymentTransaction, requested models.TransactionStatus, actor models.Actor) error {
	observability.RejectedTransitions.WithLabelValues(string(tx.Status), string(requested), string(actor)).Inc()
	slog.Warn("transition rejected",
		"transaction_id", tx.ID,
		"current", tx.Status,
		"requested", requested,
		"actor", actor)
	return fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidTransition, tx.Status, requested)
}

// lateCompletion flags money received for a transaction that had already
// ended without payment. The stored status is kept and no credits move;
// an operator settles it manually.
func (m *Machine) lateCompletion(ctx context.Context, tx *models.PaymentTransaction, actor models.Actor) {
	observability.LateCompletions.WithLabelValues(string(tx.Status), string(actor)).Inc()
	slog.Error("completion reported for ended transaction",
		"reconciliation_alert", true,
		"transaction_id", tx.ID,
		"tenant_id", tx.TenantID,
		"order_id", tx.OrderID,
		"amount", tx.Amount.StringFixed(2),
		"actor", actor)
	if m.publisher == nil {
		return
	}
	err := m.publisher.PublishReconciliationAlert(ctx, models.TransitionEvent{
		TransactionID: tx.ID,
		TenantID:      tx.TenantID,
		From:          tx.Status,
		To:            models.StatusCompleted,
		Actor:         actor,
		Reason:        "payment completed after transaction ended",
		CreatedAt:     m.now(),
	})
	if err != nil {
		slog.Error("failed to publish reconciliation alert", "transaction_id", tx.ID, "error", err)
	}
}
