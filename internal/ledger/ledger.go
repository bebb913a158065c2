// Package ledger owns the per-tenant credit counters. Reads go through an
// optional Redis cache; writes always hit the repository.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/sms-billing/internal/infrastructure/redis"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultCacheTTL = time.Minute

type Ledger struct {
	repo     repository.LedgerRepository
	cache    redis.RedisClient
	cacheTTL time.Duration
}

// New returns a ledger over repo. cache may be nil.
func New(repo repository.LedgerRepository, cache redis.RedisClient) *Ledger {
	return &Ledger{repo: repo, cache: cache, cacheTTL: defaultCacheTTL}
}

func cacheKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:balance", tenantID)
}

// genKey changes on every invalidation. A read only fills the cache when the
// generation it started under is still current.
func genKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:balance:gen", tenantID)
}

// EnsureBalance creates the tenant's zero balance if it does not exist yet.
func (l *Ledger) EnsureBalance(ctx context.Context, tenantID string) (*models.Balance, error) {
	if tenantID == "" {
		return nil, pkgerrors.ErrMissingTenant
	}
	return l.repo.EnsureBalance(ctx, tenantID)
}

// Credit adds amount credits keyed by reference. Re-crediting a reference
// leaves the balance unchanged and reports ErrDuplicateReference.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error) {
	return l.apply(ctx, "Credit", tenantID, amount, reference, l.repo.Credit)
}

// Debit removes amount credits keyed by reference. It fails with
// ErrInsufficientCredits and changes nothing when amount exceeds the balance.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount int64, reference string) (*models.Balance, error) {
	return l.apply(ctx, "Debit", tenantID, amount, reference, l.repo.Debit)
}

type applyFunc func(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.Balance, error)

func (l *Ledger) apply(ctx context.Context, op, tenantID string, amount int64, reference string, fn applyFunc) (*models.Balance, error) {
	ctx, span := otel.Tracer("ledger").Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.Int64("amount", amount))

	if tenantID == "" {
		return nil, pkgerrors.ErrMissingTenant
	}
	if amount <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", pkgerrors.ErrValidation)
	}

	b, err := fn(ctx, tenantID, amount, reference, "")
	switch {
	case errors.Is(err, pkgerrors.ErrDuplicateReference):
		slog.Warn("ledger reference already applied", "op", op, "tenant_id", tenantID, "reference", reference)
		return b, err
	case errors.Is(err, pkgerrors.ErrInsufficientCredits):
		span.SetStatus(codes.Error, "insufficient credits")
		slog.Warn("insufficient credits", "tenant_id", tenantID, "requested", amount, "reference", reference)
		return nil, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("ledger update failed", "op", op, "tenant_id", tenantID, "error", err)
		return nil, err
	}

	l.Invalidate(ctx, tenantID)
	return b, nil
}

// Balance returns the tenant's counters, creating them lazily.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (*models.Balance, error) {
	if tenantID == "" {
		return nil, pkgerrors.ErrMissingTenant
	}
	if l.cache != nil {
		if raw, err := l.cache.Get(ctx, cacheKey(tenantID)); err == nil {
			var b models.Balance
			if err := json.Unmarshal([]byte(raw), &b); err == nil {
				return &b, nil
			}
			slog.Error("failed to unmarshal cached balance", "tenant_id", tenantID)
		} else if !errors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("balance cache unavailable", "tenant_id", tenantID, "error", err)
		}
	}

	var gen string
	cacheable := l.cache != nil
	if cacheable {
		gen, cacheable = l.generation(ctx, tenantID)
	}

	b, err := l.repo.EnsureBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		l.fill(ctx, tenantID, gen, b)
	}
	return b, nil
}

func (l *Ledger) generation(ctx context.Context, tenantID string) (string, bool) {
	gen, err := l.cache.Get(ctx, genKey(tenantID))
	switch {
	case errors.Is(err, redis.ErrKeyNotFound):
		return "", true
	case err != nil:
		return "", false
	}
	return gen, true
}

func (l *Ledger) fill(ctx context.Context, tenantID, gen string, b *models.Balance) {
	if current, ok := l.generation(ctx, tenantID); !ok || current != gen {
		slog.Debug("balance changed during read, not caching", "tenant_id", tenantID)
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, cacheKey(tenantID), string(raw), l.cacheTTL); err != nil {
		slog.Warn("failed to cache balance", "tenant_id", tenantID, "error", err)
	}
}

// Invalidate drops the cached balance of tenantID and bumps its generation
// so reads already in flight do not cache what they saw.
func (l *Ledger) Invalidate(ctx context.Context, tenantID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, genKey(tenantID), ulid.Make().String(), 2*l.cacheTTL); err != nil {
		slog.Warn("failed to bump balance generation", "tenant_id", tenantID, "error", err)
	}
	if err := l.cache.Del(ctx, cacheKey(tenantID)); err != nil {
		slog.Warn("failed to invalidate balance cache", "tenant_id", tenantID, "error", err)
	}
}
