package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/api"
	"github.com/lalithlochan/nimbus-receipts/internal/callback"
	"github.com/lalithlochan/nimbus-receipts/internal/circuitbreaker"
	"github.com/lalithlochan/nimbus-receipts/internal/config"
	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/delivery"
	"github.com/lalithlochan/nimbus-receipts/internal/events"
	"github.com/lalithlochan/nimbus-receipts/internal/locator"
	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
	"github.com/lalithlochan/nimbus-receipts/internal/observ"
	"github.com/lalithlochan/nimbus-receipts/internal/pipeline"
	"github.com/lalithlochan/nimbus-receipts/internal/provider"
	"github.com/lalithlochan/nimbus-receipts/internal/reconcile"
	"github.com/lalithlochan/nimbus-receipts/internal/redis"
	"github.com/lalithlochan/nimbus-receipts/internal/retry"
	"github.com/lalithlochan/nimbus-receipts/internal/schema"
	"github.com/lalithlochan/nimbus-receipts/internal/sns"
	"github.com/lalithlochan/nimbus-receipts/internal/sqs"
	"github.com/lalithlochan/nimbus-receipts/internal/worker"
)

const version = "v1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting nimbus receipts",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
	)

	if cfg.ReceiptQueueURL == "" || cfg.CallbackQueueURL == "" {
		return errors.New("RECEIPT_QUEUE_URL and CALLBACK_QUEUE_URL must be set")
	}

	ctx := context.Background()

	shutdownTracing, err := observ.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := observ.ShutdownTracing(context.Background(), shutdownTracing); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs callback dedupe, the SNS certificate cache and receiver
	// rate limiting. All three degrade when it is missing.
	var (
		ledger      callback.Ledger = callback.NoLedger{}
		certs       sns.CertStore
		rateLimiter *redis.RateLimiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 2*cfg.WorkerConcurrency + 10,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, callback dedupe and rate limiting disabled",
			zap.Error(err),
			zap.String("addr", cfg.RedisAddr()),
		)
	} else {
		defer redisClient.Close()
		ledger = redis.NewDispatchLedger(redisClient, logger)
		certs = redis.NewCertCache(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.ReceiptsRateLimit,
			Window: time.Minute,
			Scope:  "receipts",
		})
	}

	sealer, err := callback.NewSealer(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to create sealer: %w", err)
	}

	schemas, err := schema.Load()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	// AWS clients
	sqsClient, err := sqs.NewClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		return fmt.Errorf("failed to create sqs client: %w", err)
	}
	snsClient, err := sns.NewClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		return fmt.Errorf("failed to create sns client: %w", err)
	}

	receiptProducer := sqs.NewProducer(sqsClient, cfg.ReceiptQueueURL, logger)
	retryProducer := sqs.NewProducer(sqsClient, cfg.RetryQueueURL, logger)
	callbackProducer := sqs.NewProducer(sqsClient, cfg.CallbackQueueURL, logger)

	// Analytics events
	var publisher pipeline.EventPublisher = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Warn("failed to close kafka writer", zap.Error(err))
			}
		}()
		publisher = kafkaPublisher
	} else {
		logger.Info("KAFKA_BROKERS not set, status events disabled")
	}

	// Receipt pipeline
	registry := provider.NewDefaultRegistry()
	router := callback.NewRouter(repo, sealer, cfg.SigningKey, logger)
	dispatcher := callback.NewDispatcher(router, ledger, callbackProducer, logger)
	loc := locator.New(repo, logger, locator.WithGraceWindow(cfg.GraceWindow))
	engine := reconcile.NewEngine(repo, logger)
	pipe := pipeline.New(registry, loc, engine, dispatcher, publisher, logger)
	controller := retry.NewController(repo, logger)

	// Callback delivery
	strategies := []delivery.Strategy{
		delivery.NewWebhookStrategy(sealer, logger, delivery.WebhookConfig{Timeout: cfg.WebhookTimeout}),
	}
	if cfg.StatusTopicARN != "" {
		strategies = append(strategies, delivery.NewQueueStrategy(sns.NewPublisher(snsClient, cfg.StatusTopicARN), sealer, logger))
	} else {
		logger.Warn("STATUS_TOPIC_ARN not set, queue-channel callbacks disabled")
	}
	breakers := circuitbreaker.NewGroup(nil, logger)
	strategy := circuitbreaker.NewProtectedStrategy(delivery.NewMultiStrategy(logger, strategies...), breakers, logger)

	receiptHandler := worker.NewReceiptHandler(pipe, controller, retryProducer, repo, logger).
		WithSchema(schemas.ReceiptEnvelope)
	callbackHandler := worker.NewCallbackHandler(strategy, controller, callbackProducer, logger)

	workerCfg := worker.Config{
		Concurrency:    cfg.WorkerConcurrency,
		BatchSize:      10,
		HandlerTimeout: 30 * time.Second,
	}
	workers := []*worker.Worker{
		worker.New("receipts", sqs.NewConsumer(sqsClient, cfg.ReceiptQueueURL, logger), receiptHandler, workerCfg, logger),
		worker.New("callbacks", sqs.NewConsumer(sqsClient, cfg.CallbackQueueURL, logger), callbackHandler, workerCfg, logger),
	}
	if cfg.RetryQueueURL != cfg.ReceiptQueueURL {
		workers = append(workers, worker.New("receipt-retries", sqs.NewConsumer(sqsClient, cfg.RetryQueueURL, logger), receiptHandler, workerCfg, logger))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Start(workerCtx)
		}(w)
	}

	logger.Info("background workers started", zap.Int("workers", len(workers)))

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	receivers := api.NewReceivers(
		receiptProducer,
		sns.NewVerifier(certs, logger),
		sns.NewConfirmer(snsClient, logger),
		schemas,
		registry,
		api.ReceiverConfig{
			PinpointAPIKey:  cfg.PinpointAPIKey,
			TwilioAuthToken: cfg.TwilioAuthToken,
			PublicBaseURL:   cfg.PublicBaseURL,
		},
		logger,
	)
	handler := api.NewHandler(logger, repo, repo, receiptProducer).WithBreakers(breakers)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/receipts", func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))
			receivers.Routes(r)
		})

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(api.AdminAuth(cfg.AdminToken, logger))

			r.Get("/notifications/{id}", handler.GetNotification)
			r.Patch("/notifications/{id}/status", handler.OverrideStatus)

			r.Get("/dlq", handler.ListDeadLetterQueue)
			r.Get("/dlq/{id}", handler.GetDeadLetterItem)
			r.Post("/dlq/{id}/retry", handler.RetryDeadLetterItem)
			r.Post("/dlq/{id}/discard", handler.DiscardDeadLetterItem)

			r.Get("/breakers", handler.ListBreakers)
			r.Post("/breakers/{name}/reset", handler.ResetBreaker)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := map[string]string{"status": "ok", "database": "ok", "redis": "disabled"}
		code := http.StatusOK
		if err := database.Health(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			report["status"], report["database"] = "unavailable", "unavailable"
			code = http.StatusServiceUnavailable
		}
		// Redis only degrades dedupe and rate limiting, so it never fails the check.
		if redisClient != nil {
			report["redis"] = "ok"
			if err := redisClient.Ping(ctx); err != nil {
				report["redis"] = "unavailable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		workerCancel()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// In-flight messages are redelivered after their visibility timeout.
		workerCancel()
		wg.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}
