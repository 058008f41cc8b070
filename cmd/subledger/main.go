package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/subledger/migrations"
	"github.com/platinummonkey/subledger/pkg/api"
	"github.com/platinummonkey/subledger/pkg/app"
	"github.com/platinummonkey/subledger/pkg/async"
	"github.com/platinummonkey/subledger/pkg/config"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/store"
	"github.com/platinummonkey/subledger/pkg/storage/postgres"
)

const poolMetricsInterval = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Observability.Environment,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer cm.Close()

	if cfg.Server.AutoMigrate {
		if err := migrations.Apply(ctx, cm.Primary()); err != nil {
			return err
		}
		logger.Info("Database schema applied")
	}

	opts := app.Options{
		DB:      cm.Primary(),
		Metrics: metrics,
		Logger:  logger,
	}

	stripeClient, err := processor.NewStripeClient(cfg.Stripe, logger)
	if err != nil {
		return err
	}
	opts.Processor = stripeClient

	var redisClient *postgres.RedisClient
	var pools []postgres.PoolReporter
	if cfg.Storage.RedisEnabled() {
		redisClient, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		opts.Locker = store.NewRedisLocker(redisClient.GetClient(), redisClient.LockTTL())
		pools = append(pools, redisClient)
		logger.Info("Using Redis for customer locks")
	}
	cm.StartHealthCheckRoutine(ctx, poolMetricsInterval, metrics, pools...)

	var archive *postgres.PayloadArchive
	if cfg.Storage.ArchiveEnabled() {
		archive, err = postgres.NewPayloadArchive(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize payload archive: %w", err)
		}
		opts.Archive = archive
		logger.WithField("bucket", cfg.Storage.S3Bucket).Info("Archiving webhook payloads")
	}

	services, err := app.Build(cfg, opts)
	if err != nil {
		return err
	}
	defer services.Close()

	limiter := newLimiter(ctx, cfg.Server, redisClient, logger)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(services.APIDependencies(limiter)).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var rdb *redis.Client
	if redisClient != nil {
		rdb = redisClient.GetClient()
	}
	health := observability.NewHealthChecker(cm.Primary(), rdb)
	if archive != nil {
		health.AddOptional("payload_archive", archive)
	}
	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           api.NewOpsRouter(health, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)

	if cfg.Sweeper.InProcess {
		sweeper := services.NewSweeper(cfg.Sweeper.Config)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		shutdown.Register("sweeper", sweeper.Stop)

		// Catch up on changes that came due while no sweeper was running
		async.SafeGo(ctx, logger, cfg.Sweeper.ItemTimeout, "startup sweep", func(ctx context.Context) error {
			_, err := sweeper.Tick(ctx)
			return err
		})
	}

	shutdown.Register("ops server", opsServer.Shutdown)
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	serveErr := make(chan error, 2)
	go serve(server, "api", logger, serveErr)
	go serve(opsServer, "ops", logger, serveErr)

	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("Server failed")
			shutdown.Trigger()
		}
	}()

	return shutdown.WaitForShutdown()
}

func serve(server *http.Server, name string, logger *observability.Logger, errs chan<- error) {
	logger.WithField("addr", server.Addr).Infof("Starting %s server", name)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

// newLimiter shares request counts through Redis when it is configured and
// counts in process otherwise
func newLimiter(ctx context.Context, cfg config.ServerConfig, redisClient *postgres.RedisClient, logger *observability.Logger) middleware.Limiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	if redisClient != nil {
		return middleware.NewDistributedRateLimiter(redisClient.GetClient(), cfg.RateLimit, "")
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	limiter.StartCleanup(ctx, logger)
	return limiter
}
