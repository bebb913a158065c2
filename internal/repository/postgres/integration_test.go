//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	"github.com/honeynil/sms-billing/migrations"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("billing"),
		tcpostgres.WithUsername("billing"),
		tcpostgres.WithPassword("billing"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	goose.SetBaseFS(migrations.FS)
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.UpContext(ctx, db, "."))
	return db
}

func TestIntegration_ConcurrentCompletionCreditsOnce(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	txRepo := NewTransactionRepository(db)
	ledger := NewLedgerRepository(db)

	tx, p := newTestTransaction()
	require.NoError(t, txRepo.Create(ctx, tx, p))

	var wg sync.WaitGroup
	for _, actor := range []models.Actor{models.ActorWebhook, models.ActorScheduler, models.ActorWebhook, models.ActorScheduler} {
		wg.Add(1)
		go func(actor models.Actor) {
			defer wg.Done()
			_, err := txRepo.Transition(ctx, models.Transition{
				TransactionID: tx.ID,
				From:          models.Sources(models.StatusCompleted),
				To:            models.StatusCompleted,
				Actor:         actor,
				Gateway:       &models.GatewayDetails{Reference: "REF1", Payload: []byte(`{"result":"SUCCESS"}`)},
			})
			assert.NoError(t, err)
		}(actor)
	}
	wg.Wait()

	b, err := ledger.GetBalance(ctx, tx.TenantID)
	require.NoError(t, err)
	assert.Equal(t, p.Credits, b.Credits)
	assert.Equal(t, p.Credits, b.TotalPurchased)

	stored, err := txRepo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"result":"SUCCESS"}`, string(stored.WebhookPayload))

	events, err := txRepo.ListEvents(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = ledger.Debit(ctx, tx.TenantID, p.Credits+1, "msg-1", "")
	assert.Error(t, err)

	stale, err := txRepo.ListStale(ctx, repository.StaleFilter{CreatedBefore: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, stale)
}
