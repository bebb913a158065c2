package repository

import (
	"context"

	"github.com/honeynil/sms-billing/internal/models"
)

type LedgerRepository interface {
	// EnsureBalance returns the tenant's balance, creating a zero row first
	// if none exists.
	EnsureBalance(ctx context.Context, tenantID string) (*models.Balance, error)
	GetBalance(ctx context.Context, tenantID string) (*models.Balance, error)
	// Credit and Debit are idempotent per reference: a reference already
	// applied returns the current balance and ErrDuplicateReference.
	Credit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error)
	Debit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error)
}

type PackageRepository interface {
	List(ctx context.Context) ([]models.Package, error)
	GetByID(ctx context.Context, id string) (*models.Package, error)
}
