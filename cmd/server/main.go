package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/sms-billing/internal/api"
	"github.com/honeynil/sms-billing/internal/config"
	"github.com/honeynil/sms-billing/internal/gateway"
	"github.com/honeynil/sms-billing/internal/infrastructure/kafka"
	"github.com/honeynil/sms-billing/internal/infrastructure/redis"
	"github.com/honeynil/sms-billing/internal/ledger"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/observability"
	"github.com/honeynil/sms-billing/internal/pricing"
	"github.com/honeynil/sms-billing/internal/reconciler"
	"github.com/honeynil/sms-billing/internal/repository"
	"github.com/honeynil/sms-billing/internal/repository/memory"
	core "github.com/honeynil/sms-billing/internal/repository/postgres"
	service "github.com/honeynil/sms-billing/internal/services"
	"github.com/honeynil/sms-billing/internal/statemachine"
	"github.com/honeynil/sms-billing/internal/webhook"
	"github.com/honeynil/sms-billing/migrations"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

type stores struct {
	transactions repository.TransactionRepository
	ledger       repository.LedgerRepository
	packages     repository.PackageRepository
	close        func() error
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализируем логи, метрики, трейсы
	shutdown, metricsHandler := observability.Setup(ctx, observability.Options{
		ServiceName:  "sms-billing",
		LogLevel:     cfg.LogLevel,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("failed to shut down tracer", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.close()

	var redisClient redis.RedisClient
	if rc, err := redis.NewClient(ctx, cfg.RedisAddr); err != nil {
		slog.Warn("redis unavailable, using in-process cache and lock", "error", err)
		redisClient = redis.NewMemoryClient()
	} else {
		redisClient = rc
	}
	defer redisClient.Close()

	var producer kafka.KafkaProducer = kafka.NopProducer{}
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewProducer(cfg.KafkaBrokers)
	}
	defer producer.Close()

	// Инициализируем зависимости
	l := ledger.New(st.ledger, redisClient)
	machine := statemachine.New(st.transactions,
		statemachine.WithPublisher(kafka.NewEventPublisher(producer)),
		statemachine.WithBalanceCache(l),
	)
	gw := gateway.NewClient(cfg.GatewayConfig())
	scheduler := reconciler.New(st.transactions, machine, gw, redisClient, cfg.ReconcileConfig())
	svc := service.NewBillingService(pricing.MustDefault(), st.packages, st.transactions, machine, gw, l, scheduler)
	receiver := webhook.NewReceiver(st.transactions, machine, cfg.WebhookKey)

	go scheduler.Start(ctx)
	defer scheduler.Stop()

	if len(cfg.KafkaBrokers) > 0 {
		usage := kafka.NewUsageConsumer(cfg.KafkaBrokers, "sms-billing-usage", l)
		go usage.Consume(ctx)
		defer usage.Close()
	}

	// Настраиваем роутер
	router := api.SetupRouter(svc, receiver, redisClient, cfg.JWTSecret, metricsHandler)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	slog.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory store, data is lost on restart")
		store := memory.NewStore()
		return &stores{
			transactions: store,
			ledger:       store,
			packages:     memory.NewPackageStore(models.DefaultPackages()),
			close:        func() error { return nil },
		}, nil
	}

	// Подключаемся к Postgres
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.MigrateOnStart {
		goose.SetBaseFS(migrations.FS)
		if err := goose.SetDialect("postgres"); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := goose.UpContext(ctx, db, "."); err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.Info("migrations applied")
	}
	return &stores{
		transactions: core.NewTransactionRepository(db),
		ledger:       core.NewLedgerRepository(db),
		packages:     core.NewPackageRepository(db),
		close:        db.Close,
	}, nil
}
