// Package memory is an in-process implementation of the billing
// repositories, used by tests and STORE_DRIVER=memory runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	"github.com/honeynil/sms-billing/internal/syncutil"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/oklog/ulid/v2"
)

// Store keeps every record behind a per-tenant lock so that a transition
// and the ledger movement it causes are observed together.
type Store struct {
	tenants syncutil.ShardedMutex

	mu           sync.RWMutex
	transactions map[string]*models.PaymentTransaction
	byGatewayID  map[string]string
	purchases    map[string]*models.Purchase
	balances     map[string]*models.Balance
	entries      map[string]models.LedgerEntry
	events       map[string][]models.TransitionEvent

	now func() time.Time
}

var (
	_ repository.TransactionRepository = (*Store)(nil)
	_ repository.LedgerRepository      = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		transactions: make(map[string]*models.PaymentTransaction),
		byGatewayID:  make(map[string]string),
		purchases:    make(map[string]*models.Purchase),
		balances:     make(map[string]*models.Balance),
		entries:      make(map[string]models.LedgerEntry),
		events:       make(map[string][]models.TransitionEvent),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, tx *models.PaymentTransaction, p *models.Purchase) error {
	if tx == nil || p == nil {
		return pkgerrors.ErrNilTransaction
	}
	unlock := s.tenants.Lock(tx.TenantID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if _, ok := s.byGatewayID[tx.GatewayOrderID]; ok {
		return fmt.Errorf("gateway order id %s already exists", tx.GatewayOrderID)
	}
	now := s.now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	p.TransactionID = tx.ID
	p.CreatedAt, p.UpdatedAt = tx.CreatedAt, now

	storedTx, storedP := *tx, *p
	s.transactions[tx.ID] = &storedTx
	s.byGatewayID[tx.GatewayOrderID] = tx.ID
	s.purchases[tx.ID] = &storedP
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	out := *tx
	return &out, nil
}

func (s *Store) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentTransaction, error) {
	s.mu.RLock()
	id, ok := s.byGatewayID[gatewayOrderID]
	s.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *Store) GetPurchase(ctx context.Context, transactionID string) (*models.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.purchases[transactionID]
	if !ok {
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) Transition(ctx context.Context, t models.Transition) (*models.TransitionResult, error) {
	current, err := s.GetByID(ctx, t.TransactionID)
	if err != nil {
		return nil, err
	}
	unlock := s.tenants.Lock(current.TenantID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.transactions[t.TransactionID]
	res := &models.TransitionResult{Previous: tx.Status}
	if !statusIn(tx.Status, t.From) {
		snapshot := *tx
		res.Transaction = &snapshot
		return res, nil
	}

	at := t.At
	if at.IsZero() {
		at = s.now()
	}
	tx.Status = t.To
	tx.LastActor = t.Actor
	tx.UpdatedAt = at
	switch t.To {
	case models.StatusCompleted:
		if tx.CompletedAt == nil {
			tx.CompletedAt = &at
		}
		if g := t.Gateway; g != nil {
			tx.GatewayReference, tx.GatewayTransID = g.Reference, g.TransID
			tx.GatewayChannel, tx.GatewayMSISDN = g.Channel, g.MSISDN
			if len(g.Payload) > 0 {
				tx.WebhookPayload = append([]byte(nil), g.Payload...)
			}
		}
	case models.StatusFailed, models.StatusCancelled, models.StatusExpired:
		if tx.FailedAt == nil {
			tx.FailedAt = &at
		}
		tx.ErrorMessage = t.Reason
	}
	if t.Actor == models.ActorWebhook {
		tx.WebhookReceived = true
	}

	if pstatus, ok := models.PurchaseStatusFor(t.To); ok {
		p := s.purchases[tx.ID]
		if p != nil && p.Status == models.PurchasePending {
			p.Status = pstatus
			p.UpdatedAt = at
			if pstatus == models.PurchaseCompleted {
				p.CompletedAt = &at
				bal, err := s.applyLocked(tx.TenantID, models.EntryCredit, p.Credits, tx.ID, "purchase "+p.InvoiceNumber, at)
				if err != nil && !errors.Is(err, pkgerrors.ErrDuplicateReference) {
					return nil, err
				}
				res.Balance = bal
			}
		}
		if p != nil {
			snapshot := *p
			res.Purchase = &snapshot
		}
	}

	s.events[tx.ID] = append(s.events[tx.ID], models.TransitionEvent{
		TransactionID: tx.ID,
		TenantID:      tx.TenantID,
		From:          res.Previous,
		To:            t.To,
		Actor:         t.Actor,
		Reason:        t.Reason,
		CreatedAt:     at,
	})

	snapshot := *tx
	res.Transaction = &snapshot
	res.Applied = true
	return res, nil
}

func (s *Store) RecordWebhook(ctx context.Context, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if tx.Status.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is %s", pkgerrors.ErrInvalidTransition, id, tx.Status)
	}
	tx.WebhookReceived = true
	tx.WebhookPayload = append([]byte(nil), payload...)
	tx.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListStale(ctx context.Context, f repository.StaleFilter) ([]models.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentTransaction
	for _, tx := range s.transactions {
		if tx.Status.IsTerminal() || tx.CreatedAt.After(f.CreatedBefore) {
			continue
		}
		if f.TenantID != "" && tx.TenantID != f.TenantID {
			continue
		}
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, transactionID string) ([]models.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TransitionEvent(nil), s.events[transactionID]...), nil
}

func (s *Store) EnsureBalance(ctx context.Context, tenantID string) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *s.ensureLocked(tenantID, s.now())
	return &b, nil
}

func (s *Store) GetBalance(ctx context.Context, tenantID string) (*models.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return nil, pkgerrors.ErrBalanceNotFound
	}
	out := *b
	return &out, nil
}

func (s *Store) Credit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error) {
	return s.apply(tenantID, models.EntryCredit, amount, reference, description)
}

func (s *Store) Debit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error) {
	return s.apply(tenantID, models.EntryDebit, amount, reference, description)
}

// Entries returns the ledger entries of a tenant, oldest first.
func (s *Store) Entries(tenantID string) []models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) apply(tenantID string, kind models.EntryKind, amount int64, reference, description string) (*models.Balance, error) {
	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	unlock := s.tenants.Lock(tenantID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(tenantID, kind, amount, reference, description, s.now())
}

// applyLocked requires the tenant lock and s.mu.
func (s *Store) applyLocked(tenantID string, kind models.EntryKind, amount int64, reference, description string, at time.Time) (*models.Balance, error) {
	b := s.ensureLocked(tenantID, at)
	key := string(kind) + ":" + reference
	if _, dup := s.entries[key]; dup {
		out := *b
		return &out, pkgerrors.ErrDuplicateReference
	}

	switch kind {
	case models.EntryCredit:
		b.Credits += amount
		b.TotalPurchased += amount
	case models.EntryDebit:
		if amount > b.Credits {
			out := *b
			return &out, pkgerrors.ErrInsufficientCredits
		}
		b.Credits -= amount
		b.TotalUsed += amount
	}
	b.LastUpdated = at

	s.entries[key] = models.LedgerEntry{
		ID:          ulid.Make().String(),
		TenantID:    tenantID,
		Kind:        kind,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   at,
	}
	out := *b
	return &out, nil
}

func (s *Store) ensureLocked(tenantID string, at time.Time) *models.Balance {
	b, ok := s.balances[tenantID]
	if !ok {
		b = &models.Balance{TenantID: tenantID, CreatedAt: at, LastUpdated: at}
		s.balances[tenantID] = b
	}
	return b
}

func statusIn(s models.TransactionStatus, set []models.TransactionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
