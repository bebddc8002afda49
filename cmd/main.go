/**
 * @description
 * This is the main entry point for the linked-account-service. It initializes
 * all necessary components, serves the HTTP API, and consumes bank webhooks.
 *
 * Key features:
 * - Loads application configuration from environment variables.
 * - Uses PostgreSQL when DATABASE_URL is set, applying the embedded schema,
 *   otherwise an in-memory store.
 * - Connects Redis for the distributed verification rate limit when configured.
 * - Publishes security events to RabbitMQ, falling back to a logging publisher.
 * - Runs the security event retention job and implements graceful shutdown.
 *
 * @dependencies
 * - pgxpool for database connection, godotenv for local config, go-redis,
 *   rabbitmq for messaging and cron for scheduled jobs.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/linked-account-service/internal/api"
	"github.com/transfa/linked-account-service/internal/app"
	"github.com/transfa/linked-account-service/internal/config"
	"github.com/transfa/linked-account-service/internal/store"
	"github.com/transfa/linked-account-service/migrations"
	"github.com/transfa/linked-account-service/pkg/middleware"
	"github.com/transfa/linked-account-service/pkg/rabbitmq"
)

type repositories struct {
	accounts      store.AccountRepository
	verifications store.VerificationRepository
	events        store.SecurityEventRepository
	webhooks      store.WebhookRepository
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	redisClient := connectRedis(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
			logger.Warn("failed to connect to RabbitMQ at startup; continuing without MQ", "error", err)
		} else {
			publisher = p
			logger.Info("rabbitmq producer connected")
		}
	}
	defer publisher.Close()

	// Setup services
	clock := app.SystemClock
	securityLog := app.NewSecurityLog(logger, clock,
		app.RepositorySink(repos.events),
		app.PublisherSink(publisher, cfg.SecurityEventExchange),
	)
	accountService := app.NewAccountService(repos.accounts, cfg.RegionPolicy, securityLog, clock, logger)

	var limiter app.GuessRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisGuessRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.SubmitRateLimitPerMinute, time.Minute)
	}
	verificationService := app.NewVerificationService(
		repos.verifications,
		accountService,
		app.NewRandomDepositGenerator(cfg.MicroDepositMinMinor, cfg.MicroDepositMaxMinor),
		limiter,
		securityLog,
		clock,
		logger,
		app.VerificationConfig{
			MaxAttempts: cfg.VerificationMaxAttempts,
			TTL:         cfg.VerificationTTL(),
		},
	)

	// Start the bank webhook consumer.
	if cfg.RabbitMQURL != "" {
		webhookHandler := app.NewBankWebhookHandler(repos.webhooks, verificationService, clock, logger)
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("failed to start bank webhook consumer", "error", err)
		} else {
			defer consumer.Close()
			go func() {
				logger.Info("starting bank webhook consumer", "queue", cfg.BankWebhookQueue, "routing_key", cfg.BankWebhookRoutingKey)
				if err := consumer.Consume(ctx, cfg.BankEventExchange, cfg.BankWebhookQueue, cfg.BankWebhookRoutingKey, webhookHandler.HandleBankWebhookEvent); err != nil {
					logger.Error("bank webhook consumer stopped", "error", err)
				}
			}()
		}
	} else {
		logger.Warn("RABBITMQ_URL not set; bank webhook consumer disabled")
	}

	// Start the cron scheduler.
	jobs := app.NewJobs(repos.events, cfg.SecurityEventRetention(), clock, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.SecurityEventRetentionCron)
	if err := scheduler.Start(); err != nil {
		logger.Warn("scheduler not started", "error", err)
	}

	// Setup and start HTTP server.
	handler := api.NewHandler(accountService, verificationService, repos.events, logger)
	router := api.NewRouter(api.RouterConfig{
		Auth:               middleware.AuthConfig{JWTSecret: cfg.JWTSecret, ExpectedIssuer: cfg.JWTIssuer},
		AllowedOrigins:     cfg.AllowedOrigins(),
		RateLimitPerMinute: cfg.HTTPRateLimitPerMinute,
	}, handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("could not start server", "error", err)
			stop()
		}
	}()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; trusting X-User-Id header for caller identity")
	}
	logger.Info("linked-account-service is running")

	// Wait for termination signal for graceful shutdown.
	<-ctx.Done()
	logger.Info("shutting down linked-account-service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("server gracefully stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repositories, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		mem := store.NewMemoryRepository()
		return repositories{accounts: mem, verifications: mem, events: mem, webhooks: mem}, func() {}, nil
	}

	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return repositories{}, nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	dbConfig.MaxConns = 50
	dbConfig.MinConns = 5
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return repositories{}, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return repositories{}, nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("database connection established")

	// Ensure required tables exist (idempotent)
	if _, err := dbpool.Exec(ctx, migrations.Schema); err != nil {
		dbpool.Close()
		return repositories{}, nil, fmt.Errorf("failed ensuring schema: %w", err)
	}

	events := store.NewPostgresSecurityEventRepository(dbpool)
	return repositories{
		accounts:      store.NewPostgresAccountRepository(dbpool),
		verifications: store.NewPostgresVerificationRepository(dbpool),
		events:        events,
		webhooks:      events,
	}, dbpool.Close, nil
}

func connectRedis(cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.SubmitRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; verification submit rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; verification submit rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; verification submit rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
