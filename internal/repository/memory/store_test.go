package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, id, tenant string, credits int64, created time.Time) {
	t.Helper()
	tx := &models.PaymentTransaction{
		ID:             id,
		TenantID:       tenant,
		OrderID:        "SMS-" + id,
		GatewayOrderID: "gw-" + id,
		InvoiceNumber:  "INV-" + id,
		Amount:         decimal.NewFromInt(credits * 30),
		Currency:       "TZS",
		Status:         models.StatusProcessing,
		CreatedAt:      created,
	}
	p := &models.Purchase{
		ID:            "p-" + id,
		TenantID:      tenant,
		Kind:          models.PurchaseCustom,
		InvoiceNumber: tx.InvoiceNumber,
		Credits:       credits,
		Amount:        tx.Amount,
		Status:        models.PurchasePending,
	}
	require.NoError(t, s.Create(context.Background(), tx, p))
}

func complete(id string) models.Transition {
	return models.Transition{
		TransactionID: id,
		From:          models.Sources(models.StatusCompleted),
		To:            models.StatusCompleted,
		Actor:         models.ActorWebhook,
		Gateway:       &models.GatewayDetails{Reference: "ref-1", TransID: "T1"},
	}
}

func TestStore_TransitionCompleteCreditsOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "tx1", "tenant-a", 500, time.Now())

	const callers = 32
	var wg sync.WaitGroup
	applied := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Transition(ctx, complete("tx1"))
			assert.NoError(t, err)
			applied <- res.Applied
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	for a := range applied {
		if a {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	bal, err := s.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Credits)
	assert.Equal(t, int64(500), bal.TotalPurchased)

	tx, err := s.GetByID(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	assert.Equal(t, "ref-1", tx.GatewayReference)
	assert.True(t, tx.WebhookReceived)
	require.NotNil(t, tx.CompletedAt)

	p, err := s.GetPurchase(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, p.Status)

	events, err := s.ListEvents(ctx, "tx1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusProcessing, events[0].From)
	assert.Equal(t, models.ActorWebhook, events[0].Actor)
	assert.Len(t, s.Entries("tenant-a"), 1)
}

func TestStore_TransitionRejectedFromTerminal(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "tx1", "tenant-a", 100, time.Now())

	res, err := s.Transition(ctx, models.Transition{
		TransactionID: "tx1",
		From:          models.Sources(models.StatusExpired),
		To:            models.StatusExpired,
		Actor:         models.ActorScheduler,
		Reason:        "expired",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	failedAt := res.Transaction.FailedAt

	res, err = s.Transition(ctx, complete("tx1"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.StatusExpired, res.Previous)
	assert.Equal(t, models.StatusExpired, res.Transaction.Status)
	assert.Equal(t, failedAt, res.Transaction.FailedAt)
	assert.Nil(t, res.Transaction.CompletedAt)

	p, err := s.GetPurchase(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseFailed, p.Status)

	_, err = s.GetBalance(ctx, "tenant-a")
	assert.ErrorIs(t, err, pkgerrors.ErrBalanceNotFound)
}

func TestStore_RecordWebhookOnlyWhileOpen(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "tx1", "tenant-a", 100, time.Now())

	require.NoError(t, s.RecordWebhook(ctx, "tx1", []byte(`{"payment_status":"PENDING"}`)))
	_, err := s.Transition(ctx, complete("tx1"))
	require.NoError(t, err)

	err = s.RecordWebhook(ctx, "tx1", []byte(`{"payment_status":"PENDING","late":true}`))
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
	got, err := s.GetByID(ctx, "tx1")
	require.NoError(t, err)
	assert.NotContains(t, string(got.WebhookPayload), "late")

	assert.ErrorIs(t, s.RecordWebhook(ctx, "missing", nil), pkgerrors.ErrTransactionNotFound)
}

func TestStore_Ledger(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	t.Run("EnsureBalanceIsIdempotent", func(t *testing.T) {
		b1, err := s.EnsureBalance(ctx, "t1")
		require.NoError(t, err)
		b2, err := s.EnsureBalance(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), b2.Credits)
		assert.Equal(t, b1.CreatedAt, b2.CreatedAt)
	})

	t.Run("CreditDuplicateReference", func(t *testing.T) {
		b, err := s.Credit(ctx, "t2", 5, "ref", "")
		require.NoError(t, err)
		assert.Equal(t, int64(5), b.Credits)

		b, err = s.Credit(ctx, "t2", 5, "ref", "")
		assert.ErrorIs(t, err, pkgerrors.ErrDuplicateReference)
		assert.Equal(t, int64(5), b.Credits)
	})

	t.Run("InsufficientCredits", func(t *testing.T) {
		_, err := s.Debit(ctx, "t2", 10, "use-1", "")
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientCredits)

		b, err := s.GetBalance(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, int64(5), b.Credits)
		assert.Equal(t, int64(0), b.TotalUsed)
	})

	t.Run("DebitKeepsInvariant", func(t *testing.T) {
		b, err := s.Debit(ctx, "t2", 3, "use-2", "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), b.Credits)
		assert.Equal(t, b.TotalPurchased-b.TotalUsed, b.Credits)
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		_, err := s.Credit(ctx, "t2", 0, "zero", "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	})
}

func TestStore_ListStale(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()
	seed(t, s, "old-a", "tenant-a", 1, now.Add(-time.Hour))
	seed(t, s, "old-b", "tenant-b", 1, now.Add(-30*time.Minute))
	seed(t, s, "fresh", "tenant-a", 1, now)

	txs, err := s.ListStale(ctx, repository.StaleFilter{CreatedBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "old-a", txs[0].ID)

	txs, err = s.ListStale(ctx, repository.StaleFilter{TenantID: "tenant-b", CreatedBefore: now})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "old-b", txs[0].ID)

	txs, err = s.ListStale(ctx, repository.StaleFilter{CreatedBefore: now, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestPackageStore(t *testing.T) {
	pkgs := models.DefaultPackages()
	pkgs[0].IsActive = false
	s := NewPackageStore(pkgs)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.GetByID(context.Background(), "lite")
	assert.ErrorIs(t, err, pkgerrors.ErrPackageNotFound)

	p, err := s.GetByID(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(250000), p.Credits)
}
