package app

import (
	"database/sql"
	"fmt"

	"github.com/platinummonkey/subledger/pkg/api"
	"github.com/platinummonkey/subledger/pkg/audit"
	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/checkout"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/config"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/planchange"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/scheduler"
	"github.com/platinummonkey/subledger/pkg/store"
	"github.com/platinummonkey/subledger/pkg/subsync"
	"github.com/platinummonkey/subledger/pkg/webhooks"
)

// Options are the process level collaborators the services are built on.
// Locker and Archive are optional.
type Options struct {
	DB        *sql.DB
	Processor processor.Client
	Locker    store.Locker
	Archive   webhooks.PayloadArchiver
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// Services is the wired service graph shared by the API server and the
// sweeper binary
type Services struct {
	Store        *store.Store
	Repository   *billing.PostgresRepository
	Catalog      *billing.PriceCatalog
	Customers    *billing.CustomerService
	Queue        *compensation.Queue
	Refunds      *compensation.RefundService
	Audit        audit.Logger
	Checkouts    *checkout.Service
	Finalizer    *checkout.Finalizer
	Ledger       *webhooks.Ledger
	Dispatcher   *webhooks.Dispatcher
	Intake       *webhooks.Intake
	Synchronizer *subsync.Synchronizer
	Changes      *planchange.ChangeStore
	PlanChanges  *planchange.Service

	metrics *observability.Metrics
	logger  *observability.Logger
}

// Build wires every service onto one store
func Build(cfg *config.Config, opts Options) (*Services, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("processor client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	metrics := opts.Metrics

	storeOpts := []store.Option{store.WithMetrics(metrics)}
	if opts.Locker != nil {
		storeOpts = append(storeOpts, store.WithLocker(opts.Locker))
	}
	st := store.New(opts.DB, cfg.Retry, logger, storeOpts...)

	dbAudit, err := audit.NewDBLogger(opts.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	s := &Services{
		Store:   st,
		Audit:   audit.NewMultiLogger(dbAudit, audit.NewLogLogger(logger)),
		metrics: metrics,
		logger:  logger,
	}

	s.Repository = billing.NewPostgresRepository(st)
	s.Catalog = billing.NewPriceCatalog(s.Repository, billing.DefaultCatalogConfig(), metrics)
	s.Customers = billing.NewCustomerService(s.Repository, logger)

	s.Queue = compensation.NewQueue(st, logger, metrics)
	s.Refunds = compensation.NewRefundService(opts.Processor, s.Queue, s.Audit, logger, metrics)

	metadata := checkout.NewStore(st, cfg.Checkout)
	s.Checkouts = checkout.NewService(metadata, s.Catalog, s.Repository, opts.Processor, logger, metrics)
	s.Finalizer = checkout.NewFinalizer(metadata, s.Repository, s.Customers, opts.Processor, s.Refunds, s.Queue, logger, metrics)

	s.Ledger = webhooks.NewLedger(st, cfg.Webhooks, logger)
	s.Dispatcher = webhooks.NewDispatcher(logger, metrics)
	s.Synchronizer = subsync.New(s.Repository, opts.Processor, logger,
		subsync.WithCheckout(s.Finalizer),
		subsync.WithReporter(s.Queue),
		subsync.WithAudit(s.Audit),
	)
	s.Synchronizer.Register(s.Dispatcher)

	intakeOpts := []webhooks.IntakeOption{webhooks.WithEscalation(s.Queue)}
	if opts.Archive != nil {
		intakeOpts = append(intakeOpts, webhooks.WithArchive(opts.Archive))
	}
	s.Intake = webhooks.NewIntake(opts.Processor, s.Ledger, s.Dispatcher, logger, metrics, intakeOpts...)

	s.Changes = planchange.NewChangeStore(st)
	s.PlanChanges = planchange.NewService(s.Repository, s.Catalog, s.Changes, opts.Processor, s.Queue, logger, metrics)

	return s, nil
}

// NewSweeper creates a sweeper executing scheduled changes through the plan
// change service
func (s *Services) NewSweeper(cfg scheduler.Config) *scheduler.Sweeper {
	return scheduler.NewSweeper(s.Changes, s.PlanChanges, s.Queue, cfg, s.logger, s.metrics)
}

// APIDependencies returns the HTTP surface's collaborators. A nil limiter
// disables rate limiting.
func (s *Services) APIDependencies(limiter middleware.Limiter) api.Dependencies {
	return api.Dependencies{
		Webhooks:       s.Intake,
		PlanChanges:    s.PlanChanges,
		Checkouts:      s.Checkouts,
		Customers:      s.Customers,
		Entitlements:   s.Synchronizer,
		Reconciliation: s.Queue,
		Limiter:        limiter,
		Metrics:        s.metrics,
		Logger:         s.logger,
	}
}

// Close flushes the audit loggers
func (s *Services) Close() error {
	return s.Audit.Close()
}
