package main

import (
	"context"
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

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/kafka"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/nats"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

// store is everything the service needs from a repository.
type store interface {
	queue.Store
	worker.Store
	worker.PreferenceLookup
	api.Repository
	Health(ctx context.Context) error
}

var (
	_ store = (*db.Repository)(nil)
	_ store = (*db.MemoryRepository)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("channel_mode", cfg.ChannelMode),
		zap.String("event_sink", cfg.EventSink),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := map[string]api.HealthChecker{}

	// Repository: Postgres when configured, memory otherwise
	var repo store
	if cfg.UsesPostgres() {
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		repo = db.NewRepository(database, logger)
		health["postgres"] = database
	} else {
		logger.Warn("DB_HOST not set, using in-memory repository")
		repo = db.NewMemoryRepository()
	}

	// Redis for template cache, idempotency and rate limiting
	var templates content.TemplateLookup = repo
	var templateCache *redis.TemplateCache
	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if cfg.UsesRedis() {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, caching, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			templateCache = redis.NewTemplateCache(redisClient, repo, cfg.TemplateCacheTTL, logger)
			templates = templateCache
			idempotencyService = redis.NewIdempotencyService(redisClient, logger)
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerMinute,
				Window: time.Minute,
			})
			health["redis"] = redisClient
		}
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()
	if hc, ok := publisher.(api.HealthChecker); ok {
		health["events"] = hc
	}

	backends, err := newBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := worker.NewRegistry(logger, backends...)
	channels := make([]string, 0, len(backends))
	for _, ch := range registry.Channels() {
		channels = append(channels, ch.String())
	}
	logger.Info("channel backends registered",
		zap.String("channel_mode", cfg.ChannelMode),
		zap.Strings("channels", channels),
	)

	dispatcher := worker.NewDispatcher(
		repo,
		repo,
		content.NewBuilder(templates, logger),
		registry,
		publisher,
		cfg.DispatchBatchSize,
		logger,
	)
	scheduler := worker.NewScheduler(dispatcher, cfg.DispatchPollInterval, logger)
	queueService := queue.NewService(repo, publisher, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if cfg.SQSInboundQueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			return fmt.Errorf("failed to create SQS client: %w", err)
		}
		listener := sqs.NewListener(client, cfg.SQSInboundQueueURL, queueService, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener.Run(ctx)
		}()
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	handler := api.NewHandler(logger, queueService, repo)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}
	if templateCache != nil {
		handler.WithTemplateCache(templateCache)
	}

	var limiter api.Limiter
	if rateLimiter != nil {
		limiter = rateLimiter
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, logger, api.ClientKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", api.HealthHandler(logger, health))
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
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		runErr = errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}

	// The scheduler finishes its in-flight notification before returning.
	wg.Wait()
	logger.Info("courier stopped")
	return runErr
}

func newEventPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.EventPublisher, func(), error) {
	noop := func() {}

	switch cfg.EventSink {
	case config.EventSinkSNS:
		p, err := sns.NewPublisherFromConfig(ctx, cfg.SNSRegion, cfg.SNSEventsTopicARN, cfg.AWSEndpoint, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create SNS event publisher: %w", err)
		}
		return p, noop, nil
	case config.EventSinkSQS:
		client, err := sqs.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create SQS client: %w", err)
		}
		return sqs.NewProducer(client, cfg.SQSEventsQueueURL, logger), noop, nil
	case config.EventSinkNATS:
		p, err := nats.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case config.EventSinkKafka:
		producer, err := kafka.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, noop, err
		}
		p := kafka.NewPublisher(producer, cfg.KafkaTopic, logger)
		logger.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.KafkaBrokers))
		return p, p.Close, nil
	default:
		return events.NewLogPublisher(logger), noop, nil
	}
}

// newBackends builds one backend per channel. Live backends are wrapped in a
// circuit breaker whose state is exported as a metric.
func newBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]worker.Backend, error) {
	if cfg.ChannelMode == config.ChannelModeLog {
		logger.Warn("CHANNEL_MODE=log, notifications are logged instead of sent")
		backends := make([]worker.Backend, 0, len(notification.Channels))
		for _, ch := range notification.Channels {
			backends = append(backends, worker.NewLogBackend(ch, logger))
		}
		return backends, nil
	}

	protect := func(name string, b worker.Backend) worker.Backend {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:                name,
			MaxFailures:         5,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenMaxRequests: 1,
			OnStateChange: func(breaker string, to circuitbreaker.State) {
				metrics.SetCircuitBreakerState(breaker, int(to))
			},
		}, logger)
		return circuitbreaker.NewProtectedBackend(b, breaker, logger)
	}

	email, err := worker.NewEmailBackendFromConfig(ctx, worker.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email backend: %w", err)
	}
	backends := []worker.Backend{protect("ses", email)}

	sms, err := worker.NewSMSBackendFromConfig(ctx, cfg.SNSRegion, logger)
	if err != nil {
		logger.Warn("SNS backend unavailable, SMS notifications will fail until configured", zap.Error(err))
	} else {
		backends = append(backends, protect("sns", sms))
	}

	if cfg.InAppInboxURL != "" {
		inApp := worker.NewInAppBackend(worker.InAppConfig{
			InboxURL: cfg.InAppInboxURL,
			Timeout:  cfg.InAppTimeout,
		}, logger)
		backends = append(backends, protect("inbox", inApp))
	} else {
		logger.Warn("INAPP_INBOX_URL not set, in-app notifications are logged")
		backends = append(backends, worker.NewLogBackend(notification.ChannelInApp, logger))
	}

	logger.Info("initialized channel backends",
		zap.Bool("sms_enabled", sms != nil),
		zap.Bool("inbox_enabled", cfg.InAppInboxURL != ""),
	)
	return backends, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
