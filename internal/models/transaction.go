package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentTransaction struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	OrderID          string            `json:"order_id"`
	GatewayOrderID   string            `json:"gateway_order_id"`
	InvoiceNumber    string            `json:"invoice_number"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	BuyerEmail       string            `json:"buyer_email"`
	BuyerName        string            `json:"buyer_name"`
	BuyerPhone       string            `json:"buyer_phone"`
	Channel          Channel           `json:"channel"`
	Status           TransactionStatus `json:"status"`
	GatewayReference string            `json:"gateway_reference,omitempty"`
	GatewayTransID   string            `json:"gateway_transid,omitempty"`
	GatewayChannel   string            `json:"gateway_channel,omitempty"`
	GatewayMSISDN    string            `json:"gateway_msisdn,omitempty"`
	WebhookReceived  bool              `json:"webhook_received"`
	WebhookPayload   json.RawMessage   `json:"webhook_payload,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	LastActor        Actor             `json:"last_actor,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusExpired    TransactionStatus = "expired"
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

var allowedTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists the statuses from which to is reachable.
func Sources(to TransactionStatus) []TransactionStatus {
	var out []TransactionStatus
	for _, from := range []TransactionStatus{StatusPending, StatusProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Actor identifies who triggered a transition.
type Actor string

const (
	ActorAPI       Actor = "api"
	ActorWebhook   Actor = "webhook"
	ActorScheduler Actor = "scheduler"
	ActorSystem    Actor = "system"
)

// GatewayDetails are the reference fields reported by the gateway on completion.
type GatewayDetails struct {
	Reference string          `json:"reference,omitempty"`
	TransID   string          `json:"transid,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	MSISDN    string          `json:"msisdn,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Transition is a compare-and-set request against the stored status.
type Transition struct {
	TransactionID string
	From          []TransactionStatus
	To            TransactionStatus
	Actor         Actor
	Reason        string
	Gateway       *GatewayDetails
	At            time.Time
}

// TransitionResult reports what the store observed. Applied is false when
// the stored status was not in Transition.From; Previous then holds the
// status that won.
type TransitionResult struct {
	Transaction *PaymentTransaction
	Purchase    *Purchase
	Previous    TransactionStatus
	Applied     bool
	Balance     *Balance
}

// TransitionEvent is the audit record appended for every applied transition.
type TransitionEvent struct {
	TransactionID string            `json:"transaction_id"`
	TenantID      string            `json:"tenant_id"`
	From          TransactionStatus `json:"from"`
	To            TransactionStatus `json:"to"`
	Actor         Actor             `json:"actor"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
