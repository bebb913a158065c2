package repository

import (
	"context"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
)

// StaleFilter selects non-terminal transactions created at or before
// CreatedBefore. TenantID is optional.
type StaleFilter struct {
	TenantID      string
	CreatedBefore time.Time
	Limit         int
}

type TransactionRepository interface {
	// Create persists a pending transaction together with its purchase.
	Create(ctx context.Context, tx *models.PaymentTransaction, p *models.Purchase) error
	GetByID(ctx context.Context, id string) (*models.PaymentTransaction, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentTransaction, error)
	GetPurchase(ctx context.Context, transactionID string) (*models.Purchase, error)
	// Transition applies t atomically when the stored status is one of
	// t.From. Completing credits the tenant ledger in the same unit.
	Transition(ctx context.Context, t models.Transition) (*models.TransitionResult, error)
	// RecordWebhook stores the raw callback payload for audit while the
	// transaction is still open. A terminal transaction keeps its payload and
	// the call fails with ErrInvalidTransition.
	RecordWebhook(ctx context.Context, id string, payload []byte) error
	ListStale(ctx context.Context, f StaleFilter) ([]models.PaymentTransaction, error)
	ListEvents(ctx context.Context, transactionID string) ([]models.TransitionEvent, error)
}
