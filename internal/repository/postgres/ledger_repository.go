package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
)

const balanceColumns = `tenant_id, credits, total_purchased, total_used, last_updated, created_at`

var _ repository.LedgerRepository = (*LedgerRepository)(nil)

type LedgerRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *LedgerRepository) EnsureBalance(ctx context.Context, tenantID string) (b *models.Balance, err error) {
	ctx, span, finish := startCall(ctx, "EnsureBalance")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	now := r.now()
	query := `INSERT INTO sms_balances (tenant_id, last_updated, created_at) VALUES ($1, $2, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING ` + balanceColumns
	b, err = scanBalance(r.db.QueryRowContext(ctx, query, tenantID, now))
	if err != nil {
		slog.Error("failed to ensure balance", "method", "EnsureBalance", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("failed to ensure balance: %w", err)
	}
	return b, nil
}

func (r *LedgerRepository) GetBalance(ctx context.Context, tenantID string) (b *models.Balance, err error) {
	ctx, span, finish := startCall(ctx, "GetBalance")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	query := `SELECT ` + balanceColumns + ` FROM sms_balances WHERE tenant_id = $1`
	b, err = scanBalance(r.db.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrBalanceNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get balance", "method", "GetBalance", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (r *LedgerRepository) Credit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error) {
	return r.apply(ctx, "Credit", models.EntryCredit, tenantID, amount, reference, description)
}

func (r *LedgerRepository) Debit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error) {
	return r.apply(ctx, "Debit", models.EntryDebit, tenantID, amount, reference, description)
}

func (r *LedgerRepository) apply(ctx context.Context, method string, kind models.EntryKind, tenantID string, amount int64, reference, description string) (b *models.Balance, err error) {
	ctx, span, finish := startCall(ctx, method)
	defer func() {
		if errors.Is(err, pkgerrors.ErrDuplicateReference) || errors.Is(err, pkgerrors.ErrInsufficientCredits) {
			finish(nil)
			return
		}
		finish(err)
	}()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int64("amount", amount),
		attribute.String("reference", reference),
	)

	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", method, "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	b, err = applyEntry(ctx, dbTx, kind, tenantID, amount, reference, description, r.now())
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", method, "error", rbErr)
		}
		if errors.Is(err, pkgerrors.ErrDuplicateReference) {
			current, getErr := r.GetBalance(ctx, tenantID)
			if getErr != nil {
				return nil, getErr
			}
			return current, err
		}
		return nil, err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", method, "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("ledger updated", "method", method, "tenant_id", tenantID, "amount", amount, "reference", reference, "credits", b.Credits)
	return b, nil
}

// applyEntry records the entry and moves the balance inside dbTx. The
// (kind, reference) unique key turns a replay into ErrDuplicateReference.
func applyEntry(ctx context.Context, dbTx *sql.Tx, kind models.EntryKind, tenantID string, amount int64, reference, description string, at time.Time) (*models.Balance, error) {
	res, err := dbTx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, tenant_id, kind, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (kind, reference) DO NOTHING`,
		ulid.Make().String(), tenantID, kind, amount, reference, description, at)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	} else if n == 0 {
		return nil, pkgerrors.ErrDuplicateReference
	}

	var row *sql.Row
	switch kind {
	case models.EntryCredit:
		row = dbTx.QueryRowContext(ctx,
			`INSERT INTO sms_balances (tenant_id, credits, total_purchased, total_used, last_updated, created_at)
			VALUES ($1, $2, $2, 0, $3, $3)
			ON CONFLICT (tenant_id) DO UPDATE SET
				credits = sms_balances.credits + EXCLUDED.credits,
				total_purchased = sms_balances.total_purchased + EXCLUDED.total_purchased,
				last_updated = EXCLUDED.last_updated
			RETURNING `+balanceColumns,
			tenantID, amount, at)
	case models.EntryDebit:
		row = dbTx.QueryRowContext(ctx,
			`UPDATE sms_balances SET credits = credits - $2, total_used = total_used + $2, last_updated = $3
			WHERE tenant_id = $1 AND credits >= $2
			RETURNING `+balanceColumns,
			tenantID, amount, at)
	default:
		return nil, fmt.Errorf("unknown ledger entry kind %q", kind)
	}

	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrInsufficientCredits
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	return b, nil
}

func scanBalance(row rowScanner) (*models.Balance, error) {
	var b models.Balance
	if err := row.Scan(&b.TenantID, &b.Credits, &b.TotalPurchased, &b.TotalUsed, &b.LastUpdated, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}
