// Package reconciler polls the gateway for transactions whose outcome never
// arrived by webhook and drives them to a terminal state.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/honeynil/sms-billing/internal/gateway"
	"github.com/honeynil/sms-billing/internal/infrastructure/observability"
	"github.com/honeynil/sms-billing/internal/infrastructure/redis"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	"github.com/honeynil/sms-billing/internal/statemachine"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const lockKey = "reconcile:lock"

type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
	MaxAge      time.Duration
	BatchSize   int
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Poller reports the gateway's view of an order.
type Poller interface {
	PollStatus(ctx context.Context, gatewayOrderID string) (*gateway.PollResult, error)
}

// Summary counts what one pass did.
type Summary struct {
	Checked      int `json:"checked"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Expired      int `json:"expired"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeFailed    outcome = "failed"
	outcomeExpired   outcome = "expired"
	outcomePending   outcome = "pending"
	outcomeSkipped   outcome = "skipped"
	outcomeError     outcome = "error"
)

func (s *Summary) add(o outcome) {
	s.Checked++
	switch o {
	case outcomeCompleted:
		s.Completed++
	case outcomeFailed:
		s.Failed++
	case outcomeExpired:
		s.Expired++
	case outcomePending:
		s.StillPending++
	case outcomeError:
		s.Errors++
	}
}

type Scheduler struct {
	repo    repository.TransactionRepository
	machine *statemachine.Machine
	gateway Poller
	lock    redis.RedisClient
	cfg     Config
	owner   string
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New returns a scheduler. lock may be nil, in which case every replica
// polls on every tick.
func New(repo repository.TransactionRepository, machine *statemachine.Machine, gw Poller, lock redis.RedisClient, cfg Config) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		repo:    repo,
		machine: machine,
		gateway: gw,
		lock:    lock,
		cfg:     cfg.withDefaults(),
		owner:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:     func() time.Time { return time.Now().UTC() },
		stop:    make(chan struct{}),
	}
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the periodic loop until ctx ends or Stop is called. Call in a
// goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciliation scheduler started", "interval", s.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop ends the loop after the current tick. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in reconciliation scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.SetNX(ctx, lockKey, s.owner, s.cfg.Interval)
		switch {
		case err != nil:
			slog.Warn("reconcile lock unavailable, running unlocked", "error", err)
		case !ok:
			slog.Debug("reconcile tick held by another replica")
			return
		default:
			defer s.unlock(ctx)
		}
	}

	observability.ReconcileRuns.WithLabelValues("tick").Inc()
	sum, err := s.run(ctx, "")
	if err != nil {
		slog.Warn("reconciliation run failed", "error", err)
		return
	}
	if sum.Checked > 0 {
		slog.Info("reconciliation run finished",
			"checked", sum.Checked,
			"completed", sum.Completed,
			"failed", sum.Failed,
			"expired", sum.Expired,
			"still_pending", sum.StillPending,
			"errors", sum.Errors)
	}
}

// unlock releases the tick lock if this replica still holds it.
func (s *Scheduler) unlock(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	holder, err := s.lock.Get(ctx, lockKey)
	if err != nil || holder != s.owner {
		return
	}
	if err := s.lock.Del(ctx, lockKey); err != nil {
		slog.Warn("failed to release reconcile lock", "error", err)
	}
}

// RunOnce reconciles stale transactions now, optionally for one tenant.
// It does not take the replica lock; the state machine keeps concurrent
// passes safe.
func (s *Scheduler) RunOnce(ctx context.Context, tenantID string) (Summary, error) {
	observability.ReconcileRuns.WithLabelValues("manual").Inc()
	return s.run(ctx, tenantID)
}

func (s *Scheduler) run(ctx context.Context, tenantID string) (Summary, error) {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	now := s.now()
	stale, err := s.repo.ListStale(ctx, repository.StaleFilter{
		TenantID:      tenantID,
		CreatedBefore: now.Add(-s.cfg.GracePeriod),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		span.RecordError(err)
		return Summary{}, fmt.Errorf("list stale transactions: %w", err)
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range stale {
		tx := stale[i]
		g.Go(func() error {
			o := s.reconcile(gctx, &tx, now)
			observability.ReconcileOutcomes.WithLabelValues(string(o)).Inc()
			mu.Lock()
			sum.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("checked", sum.Checked))
	return sum, nil
}

// reconcile decides one transaction. A completed report always wins, even
// past max age. A failed poll leaves the transaction untouched; expiry needs
// the gateway to have answered.
func (s *Scheduler) reconcile(ctx context.Context, tx *models.PaymentTransaction, now time.Time) outcome {
	tooOld := now.Sub(tx.CreatedAt) > s.cfg.MaxAge

	res, pollErr := s.gateway.PollStatus(ctx, tx.GatewayOrderID)
	if pollErr == nil && res.Status == gateway.StatusCompleted {
		tr, err := s.machine.Complete(ctx, tx.ID, models.ActorScheduler, &models.GatewayDetails{
			Reference: res.Reference,
			TransID:   res.TransID,
			Channel:   res.Channel,
			MSISDN:    res.MSISDN,
			Payload:   res.Raw,
		})
		return s.settled(tx, tr, err, outcomeCompleted)
	}

	if pollErr != nil {
		slog.Warn("gateway poll failed", "transaction_id", tx.ID, "order_id", tx.GatewayOrderID, "error", pollErr)
		return outcomeError
	}

	if tooOld {
		reason := fmt.Sprintf("no payment confirmation within %s", s.cfg.MaxAge)
		tr, err := s.machine.Expire(ctx, tx.ID, models.ActorScheduler, reason)
		return s.settled(tx, tr, err, outcomeExpired)
	}

	switch res.Status {
	case gateway.StatusFailed:
		tr, err := s.machine.Fail(ctx, tx.ID, models.ActorScheduler, "payment failed at gateway")
		return s.settled(tx, tr, err, outcomeFailed)
	case gateway.StatusCancelled:
		tr, err := s.machine.Cancel(ctx, tx.ID, models.ActorScheduler, "payment cancelled at gateway")
		return s.settled(tx, tr, err, outcomeFailed)
	}
	return outcomePending
}

func (s *Scheduler) settled(tx *models.PaymentTransaction, tr *models.TransitionResult, err error, want outcome) outcome {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		return outcomeSkipped
	case err != nil:
		slog.Error("reconcile transition failed", "transaction_id", tx.ID, "outcome", want, "error", err)
		return outcomeError
	case !tr.Applied:
		return outcomeSkipped
	}
	return want
}
