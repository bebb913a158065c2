// Package webhook accepts asynchronous payment callbacks from the gateway.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/honeynil/sms-billing/internal/gateway"
	"github.com/honeynil/sms-billing/internal/infrastructure/observability"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	"github.com/honeynil/sms-billing/internal/statemachine"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const KeyHeader = "X-Zenopay-Key"

// Payload is the callback body posted by the gateway.
type Payload struct {
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Reference     string `json:"reference"`
	Channel       string `json:"channel"`
	MSISDN        string `json:"msisdn"`
	TransID       string `json:"transid"`
}

// Outcome describes what a callback did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRecorded  Outcome = "recorded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeInvalid   Outcome = "invalid"
)

type Receiver struct {
	repo    repository.TransactionRepository
	machine *statemachine.Machine
	key     string
}

// NewReceiver returns a callback receiver. When key is non-empty requests
// must carry it in KeyHeader.
func NewReceiver(repo repository.TransactionRepository, machine *statemachine.Machine, key string) *Receiver {
	return &Receiver{repo: repo, machine: machine, key: key}
}

// Handle applies one callback. Replays and callbacks for transactions that
// already ended succeed without changing anything.
func (r *Receiver) Handle(ctx context.Context, p Payload, raw []byte) (Outcome, error) {
	ctx, span := otel.Tracer("webhook").Start(ctx, "Handle")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", p.OrderID), attribute.String("payment_status", p.PaymentStatus))

	if p.OrderID == "" || p.PaymentStatus == "" {
		return OutcomeInvalid, fmt.Errorf("%w: order_id and payment_status are required", pkgerrors.ErrInvalidPayload)
	}

	tx, err := r.repo.GetByGatewayOrderID(ctx, p.OrderID)
	if errors.Is(err, pkgerrors.ErrTransactionNotFound) {
		slog.Warn("webhook for unknown order", "order_id", p.OrderID, "payment_status", p.PaymentStatus)
		return OutcomeNotFound, err
	}
	if err != nil {
		return "", err
	}

	status := gateway.NormalizeStatus(p.PaymentStatus)
	slog.Info("webhook received",
		"transaction_id", tx.ID,
		"order_id", p.OrderID,
		"payment_status", p.PaymentStatus,
		"normalized", status)

	var res *models.TransitionResult
	switch status {
	case gateway.StatusCompleted:
		res, err = r.machine.Complete(ctx, tx.ID, models.ActorWebhook, &models.GatewayDetails{
			Reference: p.Reference,
			TransID:   p.TransID,
			Channel:   p.Channel,
			MSISDN:    p.MSISDN,
			Payload:   json.RawMessage(raw),
		})
	case gateway.StatusFailed:
		r.record(ctx, tx.ID, raw)
		res, err = r.machine.Fail(ctx, tx.ID, models.ActorWebhook, "payment failed at gateway")
	case gateway.StatusCancelled:
		r.record(ctx, tx.ID, raw)
		res, err = r.machine.Cancel(ctx, tx.ID, models.ActorWebhook, "payment cancelled by buyer")
	default:
		err := r.repo.RecordWebhook(ctx, tx.ID, raw)
		switch {
		case errors.Is(err, pkgerrors.ErrInvalidTransition):
			slog.Info("stale webhook for closed transaction ignored", "transaction_id", tx.ID, "payment_status", p.PaymentStatus)
			return OutcomeDuplicate, nil
		case err != nil:
			return "", err
		}
		return OutcomeRecorded, nil
	}

	switch {
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		return OutcomeRejected, nil
	case err != nil:
		return "", err
	case !res.Applied:
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

// record stores the payload ahead of a failing transition; a closed
// transaction keeps the payload it already has.
func (r *Receiver) record(ctx context.Context, id string, raw []byte) {
	err := r.repo.RecordWebhook(ctx, id, raw)
	if err != nil && !errors.Is(err, pkgerrors.ErrInvalidTransition) {
		slog.Warn("failed to store webhook payload", "transaction_id", id, "error", err)
	}
}

type response struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Outcome Outcome `json:"outcome,omitempty"`
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.key != "" && subtle.ConstantTimeCompare([]byte(req.Header.Get(KeyHeader)), []byte(r.key)) != 1 {
		observability.WebhookRequests.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, response{Message: "invalid webhook key"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(req.Body, 64<<10))
	if err != nil {
		observability.WebhookRequests.WithLabelValues(string(OutcomeInvalid)).Inc()
		writeJSON(w, http.StatusBadRequest, response{Message: "failed to read body"})
		return
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		observability.WebhookRequests.WithLabelValues(string(OutcomeInvalid)).Inc()
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid JSON body"})
		return
	}

	outcome, err := r.Handle(req.Context(), p, raw)
	if outcome != "" {
		observability.WebhookRequests.WithLabelValues(string(outcome)).Inc()
	}
	switch {
	case outcome == OutcomeInvalid:
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
	case outcome == OutcomeNotFound:
		writeJSON(w, http.StatusOK, response{Message: "transaction not found", Outcome: outcome})
	case err != nil:
		observability.WebhookRequests.WithLabelValues("error").Inc()
		slog.Error("webhook processing failed", "order_id", p.OrderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Message: "internal error"})
	default:
		writeJSON(w, http.StatusOK, response{Success: true, Message: "webhook processed", Outcome: outcome})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode webhook response", "error", err)
	}
}
