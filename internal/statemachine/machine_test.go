package statemachine

import (
	"context"
	"sync"
	"testing"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository/memory"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []models.TransitionEvent
	alerts      []models.TransitionEvent
}

func (p *recordingPublisher) PublishTransition(ctx context.Context, ev models.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, ev)
	return nil
}

func (p *recordingPublisher) PublishReconciliationAlert(ctx context.Context, ev models.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, ev)
	return nil
}

type countingCache struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingCache) Invalidate(ctx context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[tenantID]++
}

func newPending(t *testing.T, m *Machine, credits int64) *models.PaymentTransaction {
	t.Helper()
	tx, err := m.Create(context.Background(),
		&models.PaymentTransaction{
			TenantID:   "tenant-a",
			Amount:     decimal.NewFromInt(credits * 30),
			BuyerEmail: "a@b.tz",
			BuyerName:  "Asha",
			BuyerPhone: "0744963858",
			Channel:    models.ChannelVodacom,
		},
		&models.Purchase{Kind: models.PurchaseCustom, Credits: credits, UnitPrice: decimal.NewFromInt(30)},
	)
	require.NoError(t, err)
	return tx
}

func TestMachine_Create(t *testing.T) {
	store := memory.NewStore()
	m := New(store)

	tx := newPending(t, m, 500)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.Regexp(t, `^SMS-\d{8}-[0-9A-F]{8}$`, tx.OrderID)
	assert.Regexp(t, `^INV-\d{8}-[0-9A-F]{8}$`, tx.InvoiceNumber)
	assert.NotEmpty(t, tx.GatewayOrderID)
	assert.Equal(t, "TZS", tx.Currency)

	p, err := store.GetPurchase(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, p.Status)
	assert.Equal(t, tx.InvoiceNumber, p.InvoiceNumber)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(15000)))

	_, err = m.Create(context.Background(), &models.PaymentTransaction{Amount: decimal.NewFromInt(1)}, &models.Purchase{})
	assert.ErrorIs(t, err, pkgerrors.ErrMissingTenant)
	_, err = m.Create(context.Background(), &models.PaymentTransaction{TenantID: "t"}, &models.Purchase{})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
}

func TestMachine_CompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pub := &recordingPublisher{}
	cache := &countingCache{}
	m := New(store, WithPublisher(pub), WithBalanceCache(cache))
	tx := newPending(t, m, 500)

	_, err := m.MarkProcessing(ctx, tx.ID, models.ActorAPI)
	require.NoError(t, err)

	res, err := m.Complete(ctx, tx.ID, models.ActorWebhook, &models.GatewayDetails{Reference: "R1", TransID: "TX9"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.StatusProcessing, res.Previous)
	assert.Equal(t, "TX9", res.Transaction.GatewayTransID)
	assert.NotNil(t, res.Transaction.CompletedAt)
	assert.Equal(t, models.PurchaseCompleted, res.Purchase.Status)

	res, err = m.Complete(ctx, tx.ID, models.ActorScheduler, nil)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	b, err := store.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Credits)
	assert.Equal(t, int64(500), b.TotalPurchased)
	assert.Len(t, store.Entries("tenant-a"), 1)

	assert.Len(t, pub.transitions, 2)
	assert.Equal(t, 1, cache.calls["tenant-a"])
}

func TestMachine_ConcurrentCompletionCreditsOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := New(store)
	tx := newPending(t, m, 5000)

	actors := []models.Actor{models.ActorWebhook, models.ActorScheduler, models.ActorAPI}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(actor models.Actor) {
			defer wg.Done()
			res, err := m.Complete(ctx, tx.ID, actor, nil)
			if assert.NoError(t, err) && res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(actors[i%len(actors)])
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	b, err := store.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.Credits)

	events, err := store.ListEvents(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMachine_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()

	t.Run("FailedCannotComplete", func(t *testing.T) {
		store := memory.NewStore()
		m := New(store)
		tx := newPending(t, m, 100)

		res, err := m.Fail(ctx, tx.ID, models.ActorWebhook, "insufficient funds")
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, "insufficient funds", res.Transaction.ErrorMessage)
		assert.Equal(t, models.PurchaseFailed, res.Purchase.Status)

		_, err = m.Complete(ctx, tx.ID, models.ActorScheduler, nil)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)

		got, err := store.GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		_, err = store.GetBalance(ctx, "tenant-a")
		assert.ErrorIs(t, err, pkgerrors.ErrBalanceNotFound)
	})

	t.Run("CompletedCannotFail", func(t *testing.T) {
		m := New(memory.NewStore())
		tx := newPending(t, m, 100)
		_, err := m.Complete(ctx, tx.ID, models.ActorWebhook, nil)
		require.NoError(t, err)

		res, err := m.Fail(ctx, tx.ID, models.ActorScheduler, "late failure")
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, models.StatusCompleted, res.Transaction.Status)

		res, err = m.Expire(ctx, tx.ID, models.ActorScheduler, "timeout")
		require.NoError(t, err)
		assert.False(t, res.Applied)
	})

	t.Run("CancelTerminalIsRejected", func(t *testing.T) {
		m := New(memory.NewStore())
		tx := newPending(t, m, 100)
		_, err := m.Cancel(ctx, tx.ID, models.ActorAPI, "user cancelled")
		require.NoError(t, err)

		_, err = m.Cancel(ctx, tx.ID, models.ActorAPI, "again")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
	})

	t.Run("MarkProcessingOnlyFromPending", func(t *testing.T) {
		m := New(memory.NewStore())
		tx := newPending(t, m, 100)
		_, err := m.Expire(ctx, tx.ID, models.ActorScheduler, "timeout")
		require.NoError(t, err)

		got, err := m.MarkProcessing(ctx, tx.ID, models.ActorAPI)
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, got.Status)
	})
}

func TestMachine_LateCompletionAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pub := &recordingPublisher{}
	m := New(store, WithPublisher(pub))
	tx := newPending(t, m, 100)

	_, err := m.Expire(ctx, tx.ID, models.ActorScheduler, "no payment within max age")
	require.NoError(t, err)

	_, err = m.Complete(ctx, tx.ID, models.ActorWebhook, &models.GatewayDetails{TransID: "TX1"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)

	got, err := store.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Empty(t, store.Entries("tenant-a"))

	require.Len(t, pub.alerts, 1)
	assert.Equal(t, tx.ID, pub.alerts[0].TransactionID)
	assert.Equal(t, models.StatusExpired, pub.alerts[0].From)
}

func TestMachine_UnknownTransaction(t *testing.T) {
	m := New(memory.NewStore())
	_, err := m.Complete(context.Background(), "missing", models.ActorWebhook, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
}
