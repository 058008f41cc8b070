package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/subledger/pkg/app"
	"github.com/platinummonkey/subledger/pkg/config"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/scheduler"
	"github.com/platinummonkey/subledger/pkg/store"
	"github.com/platinummonkey/subledger/pkg/storage/postgres"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule overriding the configured sweep schedule")
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit")
	timeout  = flag.Duration("timeout", 10*time.Minute, "Deadline for a --run-once sweep")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *schedule != "" {
		cfg.Sweeper.Schedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer cm.Close()

	stripeClient, err := processor.NewStripeClient(cfg.Stripe, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to create processor client")
	}

	opts := app.Options{
		DB:        cm.Primary(),
		Processor: stripeClient,
		Logger:    logger,
	}
	if cfg.Storage.RedisEnabled() {
		redisClient, err := postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		opts.Locker = store.NewRedisLocker(redisClient.GetClient(), redisClient.LockTTL())
	}

	services, err := app.Build(cfg, opts)
	if err != nil {
		log.WithError(err).Fatal("Failed to build services")
	}
	defer services.Close()

	sweeper := services.NewSweeper(cfg.Sweeper.Config)

	// Run once mode (for testing or manual catch-up)
	if *runOnce {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()

		result, err := sweeper.Tick(ctx)
		fields := resultFields(result)
		if err != nil {
			log.WithFields(fields).WithError(err).Error("Sweep failed")
			return
		}
		log.WithFields(fields).Info("Sweep completed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sweeper.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to schedule sweeper")
		return
	}
	log.WithField("schedule", cfg.Sweeper.Schedule).Info("Subledger sweeper started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutting down gracefully...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := sweeper.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Sweep still running at shutdown")
	}

	log.Info("Sweeper stopped")
}

func resultFields(result scheduler.TickResult) logrus.Fields {
	return logrus.Fields{
		"due":       result.Due,
		"skipped":   result.Skipped,
		"completed": result.Completed,
		"failed":    result.Failed,
	}
}
