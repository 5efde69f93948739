/**
 * @description
 * Main entry point for the settlement-service. It wires the Postgres repository, the
 * provider registries, the step executors and the flow orchestrator, then serves the
 * webhook and admin API, consumes flow trigger events and runs the stuck-flow sweeper.
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env files during local development.
 * - github.com/jackc/pgx/v5/pgxpool: Postgres connection pool.
 * - github.com/redis/go-redis/v9: webhook signal deduplication.
 */
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/settlement-service/internal/api"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/audit"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/notify"
	"github.com/transfa/settlement-service/internal/providers"
	"github.com/transfa/settlement-service/internal/refund"
	"github.com/transfa/settlement-service/internal/secrets"
	"github.com/transfa/settlement-service/internal/steps"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/anchorclient"
	applog "github.com/transfa/settlement-service/pkg/log"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
	"github.com/transfa/settlement-service/pkg/webhookclient"
)

func main() {
	// Load .env file for local development.
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		applog.New("settlement-service", "unknown", "info").Error("cannot load config", "error", err)
		os.Exit(1)
	}

	logger := applog.New("settlement-service", cfg.Environment, cfg.LogLevel)
	if envErr != nil {
		logger.Info("no .env file found, using environment variables")
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// Establish database connection with connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()

	repo := store.NewPostgresRepository(dbpool)
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("database connection established")

	// RabbitMQ is optional at startup; events are dropped until it is reachable.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable; using fallback producer", "error", err)
		producer = &rabbitmq.FallbackProducer{Logger: logger}
	} else {
		producer = eventProducer
	}
	defer producer.Close()

	secretProvider := secrets.NewProvider(logger)
	anchorAPIKey, err := secretProvider.Resolve(ctx, "ANCHOR_API_KEY", cfg.AnchorAPIKeySecretURL, cfg.AnchorAPIKey)
	if err != nil {
		logger.Warn("anchor api key unavailable; anchor payouts disabled", "error", err)
	}

	payments := providers.NewPaymentRegistry()
	if anchorAPIKey != "" {
		anchor := providers.NewAnchorPayoutService(anchorclient.NewClient(cfg.AnchorAPIBaseURL, anchorAPIKey), cfg.AnchorSourceAccountID, logger)
		payments.Register(anchor, []string{"bank_transfer", "nip"}, []string{"NGN"})
	}
	exchanges := providers.NewExchangeRegistry()
	wallets := providers.NewWalletRegistry()

	notifier := notify.NewNotifier(
		webhookclient.NewClient(cfg.PartnerWebhookURL, cfg.WebhookSigningSecret),
		webhookclient.NewClient(cfg.OperatorChatWebhookURL, ""),
		producer,
		cfg.EventsExchange,
		logger,
	)
	refunder := refund.NewRefunder(repo, wallets, logger)

	registry, err := flow.NewRegistry(steps.Executors(steps.Dependencies{
		Exchanges:    exchanges,
		Wallets:      wallets,
		Payments:     payments,
		Transactions: repo,
		Refunds:      refunder,
		Notifier:     notifier,
		Logger:       logger,
	})...)
	if err != nil {
		logger.Error("executor registry invalid", "error", err)
		os.Exit(1)
	}

	orchestrator := flow.NewOrchestrator(repo, registry,
		flow.WithLogger(logger),
		flow.WithStepTimeout(cfg.StepTimeout()),
		flow.WithDefaultMaxAttempts(cfg.DefaultStepMaxAttempts),
	)
	auditService := audit.NewService(repo, orchestrator, logger)

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	var deduper api.Deduper
	if redisClient != nil {
		deduper = app.NewRedisSignalDeduper(redisClient, cfg.SignalDedupePrefix, cfg.SignalDedupeTTL())
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; flow triggers disabled", "error", err)
	} else {
		defer consumer.Close()
		flowEvents := app.NewFlowEventConsumer(orchestrator, repo, notifier, logger)
		if err := consumer.ConsumeWithBindings(ctx, cfg.EventsExchange, cfg.FlowEventQueue, flowEvents.Bindings()); err != nil {
			logger.Error("failed to start flow event consumer", "error", err)
			os.Exit(1)
		}
		logger.Info("flow event consumer started", "queue", cfg.FlowEventQueue)
	}

	sweeper := app.NewStuckFlowSweeper(auditService, notifier, cfg.StuckFlowMinutes, logger)
	scheduler := app.NewScheduler(sweeper, cfg.StuckFlowSweepSchedule, logger)
	if err := scheduler.Start(); err != nil {
		os.Exit(1)
	}

	handler := api.NewHandler(orchestrator, auditService, deduper, cfg.WebhookSigningSecret, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			stopSignals()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
	}
	logger.Info("shutdown complete")
}

func connectRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; webhook dedupe disabled")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; webhook dedupe disabled", "error", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; webhook dedupe disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
