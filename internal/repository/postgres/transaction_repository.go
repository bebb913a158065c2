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
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const transactionColumns = `id, tenant_id, order_id, gateway_order_id, invoice_number, amount, currency,
	buyer_email, buyer_name, buyer_phone, channel, status,
	gateway_reference, gateway_transid, gateway_channel, gateway_msisdn,
	webhook_received, webhook_payload, error_message, last_actor,
	created_at, updated_at, completed_at, failed_at`

var _ repository.TransactionRepository = (*TransactionRepository)(nil)

var openStatuses = []string{string(models.StatusPending), string(models.StatusProcessing)}

type TransactionRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *models.PaymentTransaction, p *models.Purchase) (err error) {
	ctx, span, finish := startCall(ctx, "CreateTransaction")
	defer func() { finish(err) }()

	if tx == nil || p == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if tx.Status != models.StatusPending {
		err = fmt.Errorf("%w: new transactions must be pending, got %s", pkgerrors.ErrInvalidTransition, tx.Status)
		return err
	}
	span.SetAttributes(
		attribute.String("transaction_id", tx.ID),
		attribute.String("tenant_id", tx.TenantID),
		attribute.String("amount", tx.Amount.String()),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Create", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := dbTx.Rollback(); rbErr != nil {
				slog.Error("rollback failed", "method", "Create", "error", rbErr)
			}
		}
	}()

	now := r.now()
	err = dbTx.QueryRowContext(ctx,
		`INSERT INTO payment_transactions (id, tenant_id, order_id, gateway_order_id, invoice_number, amount, currency,
			buyer_email, buyer_name, buyer_phone, channel, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING created_at, updated_at`,
		tx.ID, tx.TenantID, tx.OrderID, tx.GatewayOrderID, tx.InvoiceNumber, tx.Amount, tx.Currency,
		tx.BuyerEmail, tx.BuyerName, tx.BuyerPhone, tx.Channel, tx.Status, now,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		slog.Error("failed to insert transaction", "method", "Create", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	var packageID sql.NullString
	if p.PackageID != "" {
		packageID = sql.NullString{String: p.PackageID, Valid: true}
	}
	p.TransactionID = tx.ID
	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO purchases (id, tenant_id, transaction_id, kind, package_id, invoice_number, credits, unit_price, amount,
			tier_name, tier_min, tier_max, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		p.ID, p.TenantID, p.TransactionID, p.Kind, packageID, p.InvoiceNumber, p.Credits, p.UnitPrice, p.Amount,
		p.TierName, p.TierMin, p.TierMax, p.Status, tx.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to insert purchase", "method", "Create", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to insert purchase: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Create", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = tx.CreatedAt, tx.UpdatedAt

	slog.Info("transaction created", "method", "Create", "transaction_id", tx.ID, "tenant_id", tx.TenantID, "gateway_order_id", tx.GatewayOrderID)
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (tx *models.PaymentTransaction, err error) {
	ctx, span, finish := startCall(ctx, "GetTransactionByID")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("transaction_id", id))

	tx, err = r.getOne(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id)
	return tx, err
}

func (r *TransactionRepository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (tx *models.PaymentTransaction, err error) {
	ctx, span, finish := startCall(ctx, "GetTransactionByGatewayOrderID")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("gateway_order_id", gatewayOrderID))

	tx, err = r.getOne(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE gateway_order_id = $1`, gatewayOrderID)
	return tx, err
}

func (r *TransactionRepository) getOne(ctx context.Context, query string, arg string) (*models.PaymentTransaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		slog.Error("failed to get transaction", "key", arg, "error", err)
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) GetPurchase(ctx context.Context, transactionID string) (p *models.Purchase, err error) {
	ctx, span, finish := startCall(ctx, "GetPurchase")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("transaction_id", transactionID))

	var (
		purchase    models.Purchase
		txID        sql.NullString
		packageID   sql.NullString
		completedAt sql.NullTime
	)
	err = r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, transaction_id, kind, package_id, invoice_number, credits, unit_price, amount,
			tier_name, tier_min, tier_max, status, created_at, updated_at, completed_at
		FROM purchases WHERE transaction_id = $1`, transactionID,
	).Scan(&purchase.ID, &purchase.TenantID, &txID, &purchase.Kind, &packageID, &purchase.InvoiceNumber,
		&purchase.Credits, &purchase.UnitPrice, &purchase.Amount, &purchase.TierName, &purchase.TierMin, &purchase.TierMax,
		&purchase.Status, &purchase.CreatedAt, &purchase.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPurchaseNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get purchase", "method", "GetPurchase", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	purchase.TransactionID = txID.String
	purchase.PackageID = packageID.String
	purchase.CompletedAt = nullTime(completedAt)
	return &purchase, nil
}

// Transition locks the transaction row, checks its status against t.From
// and, in the same database transaction, updates the purchase, credits the
// ledger on completion and appends the audit event.
func (r *TransactionRepository) Transition(ctx context.Context, t models.Transition) (res *models.TransitionResult, err error) {
	ctx, span, finish := startCall(ctx, "Transition")
	defer func() { finish(err) }()
	span.SetAttributes(
		attribute.String("transaction_id", t.TransactionID),
		attribute.String("to", string(t.To)),
		attribute.String("actor", string(t.Actor)),
	)

	at := t.At
	if at.IsZero() {
		at = r.now()
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Transition", "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Error("rollback failed", "method", "Transition", "error", rbErr)
			}
		}
	}()

	var current models.TransactionStatus
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM payment_transactions WHERE id = $1 FOR UPDATE`, t.TransactionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}

	res = &models.TransitionResult{Previous: current}
	if !statusIn(current, t.From) {
		res.Transaction, err = scanTransaction(dbTx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, t.TransactionID))
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction: %w", err)
		}
		return res, nil
	}

	var g models.GatewayDetails
	if t.Gateway != nil {
		g = *t.Gateway
	}
	res.Transaction, err = scanTransaction(dbTx.QueryRowContext(ctx,
		`UPDATE payment_transactions SET
			status = $2,
			last_actor = $3,
			updated_at = $4,
			webhook_received = webhook_received OR $5,
			completed_at = CASE WHEN $2 = 'completed' THEN COALESCE(completed_at, $4) ELSE completed_at END,
			failed_at = CASE WHEN $2 IN ('failed', 'cancelled', 'expired') THEN COALESCE(failed_at, $4) ELSE failed_at END,
			error_message = CASE WHEN $2 IN ('failed', 'cancelled', 'expired') THEN $6 ELSE error_message END,
			gateway_reference = COALESCE(NULLIF($7, ''), gateway_reference),
			gateway_transid = COALESCE(NULLIF($8, ''), gateway_transid),
			gateway_channel = COALESCE(NULLIF($9, ''), gateway_channel),
			gateway_msisdn = COALESCE(NULLIF($10, ''), gateway_msisdn),
			webhook_payload = COALESCE($11::jsonb, webhook_payload)
		WHERE id = $1
		RETURNING `+transactionColumns,
		t.TransactionID, t.To, t.Actor, at, t.Actor == models.ActorWebhook, t.Reason,
		g.Reference, g.TransID, g.Channel, g.MSISDN, jsonArg(g.Payload),
	))
	if err != nil {
		slog.Error("failed to update transaction", "method", "Transition", "transaction_id", t.TransactionID, "error", err)
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	tx := res.Transaction

	if pstatus, ok := models.PurchaseStatusFor(t.To); ok {
		var p models.Purchase
		err = dbTx.QueryRowContext(ctx,
			`UPDATE purchases SET status = $2, updated_at = $3,
				completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END
			WHERE transaction_id = $1 AND status = 'pending'
			RETURNING id, credits, invoice_number`,
			tx.ID, pstatus, at,
		).Scan(&p.ID, &p.Credits, &p.InvoiceNumber)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// purchase already settled
			err = nil
		case err != nil:
			return nil, fmt.Errorf("failed to update purchase: %w", err)
		default:
			p.TransactionID, p.TenantID, p.Status = tx.ID, tx.TenantID, pstatus
			res.Purchase = &p
			if pstatus == models.PurchaseCompleted {
				res.Balance, err = applyEntry(ctx, dbTx, models.EntryCredit, tx.TenantID, p.Credits, tx.ID, "purchase "+p.InvoiceNumber, at)
				if errors.Is(err, pkgerrors.ErrDuplicateReference) {
					err = nil
				} else if err != nil {
					return nil, err
				}
			}
		}
	}

	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO payment_transition_events (transaction_id, tenant_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.TenantID, current, t.To, t.Actor, t.Reason, at)
	if err != nil {
		return nil, fmt.Errorf("failed to record transition event: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Transition", "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	res.Applied = true
	return res, nil
}

func (r *TransactionRepository) RecordWebhook(ctx context.Context, id string, payload []byte) (err error) {
	ctx, span, finish := startCall(ctx, "RecordWebhook")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("transaction_id", id))

	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_transactions SET webhook_received = TRUE, webhook_payload = $2::jsonb, updated_at = $3
		WHERE id = $1 AND status = ANY($4)`,
		id, jsonArg(payload), r.now(), pq.Array(openStatuses))
	if err != nil {
		return fmt.Errorf("failed to record webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record webhook: %w", err)
	}
	if n == 0 {
		var status models.TransactionStatus
		switch err = r.db.QueryRowContext(ctx, `SELECT status FROM payment_transactions WHERE id = $1`, id).Scan(&status); {
		case errors.Is(err, sql.ErrNoRows):
			err = pkgerrors.ErrTransactionNotFound
		case err == nil:
			err = fmt.Errorf("%w: transaction %s is %s", pkgerrors.ErrInvalidTransition, id, status)
		default:
			err = fmt.Errorf("failed to record webhook: %w", err)
		}
		return err
	}
	return nil
}

func (r *TransactionRepository) ListStale(ctx context.Context, f repository.StaleFilter) (txs []models.PaymentTransaction, err error) {
	ctx, span, finish := startCall(ctx, "ListStale")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("tenant_id", f.TenantID))

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE status = ANY($1) AND created_at <= $2 AND ($3 = '' OR tenant_id = $3)
		ORDER BY created_at
		LIMIT $4`,
		pq.Array(openStatuses), f.CreatedBefore, f.TenantID, limit)
	if err != nil {
		slog.Error("failed to list stale transactions", "method", "ListStale", "error", err)
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan transaction: %w", scanErr)
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (r *TransactionRepository) ListEvents(ctx context.Context, transactionID string) (events []models.TransitionEvent, err error) {
	ctx, span, finish := startCall(ctx, "ListEvents")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("transaction_id", transactionID))

	rows, err := r.db.QueryContext(ctx,
		`SELECT transaction_id, tenant_id, from_status, to_status, actor, reason, created_at
		FROM payment_transition_events WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transition events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.TransitionEvent
		if err = rows.Scan(&e.TransactionID, &e.TenantID, &e.From, &e.To, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition event: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transition events: %w", err)
	}
	return events, nil
}

func scanTransaction(row rowScanner) (*models.PaymentTransaction, error) {
	var (
		tx          models.PaymentTransaction
		payload     []byte
		completedAt sql.NullTime
		failedAt    sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.OrderID, &tx.GatewayOrderID, &tx.InvoiceNumber, &tx.Amount, &tx.Currency,
		&tx.BuyerEmail, &tx.BuyerName, &tx.BuyerPhone, &tx.Channel, &tx.Status,
		&tx.GatewayReference, &tx.GatewayTransID, &tx.GatewayChannel, &tx.GatewayMSISDN,
		&tx.WebhookReceived, &payload, &tx.ErrorMessage, &tx.LastActor,
		&tx.CreatedAt, &tx.UpdatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		tx.WebhookPayload = payload
	}
	tx.CompletedAt = nullTime(completedAt)
	tx.FailedAt = nullTime(failedAt)
	return &tx, nil
}

func statusIn(s models.TransactionStatus, set []models.TransactionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
