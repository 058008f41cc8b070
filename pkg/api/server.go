package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/checkout"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/planchange"
	"github.com/platinummonkey/subledger/pkg/subsync"
)

// maxRequestBytes bounds JSON bodies of the tenant API
const maxRequestBytes = 64 << 10

// PlanChanger quotes and executes plan changes
type PlanChanger interface {
	Preview(ctx context.Context, req planchange.Request) (*planchange.Preview, error)
	ChangePlan(ctx context.Context, req planchange.Request) (*planchange.Result, error)
	History(ctx context.Context, organizationID, subscriptionID string) ([]*planchange.Change, error)
}

// Checkouts begins and reads checkouts
type Checkouts interface {
	Start(ctx context.Context, req *checkout.StartRequest) (*checkout.StartResult, error)
	Get(ctx context.Context, organizationID, id string) (*checkout.Metadata, error)
}

// Customers writes customers
type Customers interface {
	Upsert(ctx context.Context, req *billing.UpsertCustomerRequest) (*billing.Customer, bool, error)
	SoftDelete(ctx context.Context, organizationID, id string) error
}

// EntitlementResyncer reconciles a customer's grants with the processor
type EntitlementResyncer interface {
	ResyncEntitlements(ctx context.Context, organizationID, customerID string) (subsync.ResyncResult, error)
}

// Reconciliation lists and resolves reconciliation queue items
type Reconciliation interface {
	List(ctx context.Context, filter compensation.ListFilter) ([]*compensation.Item, error)
	Resolve(ctx context.Context, id, resolution string) error
}

// Dependencies are the services behind the HTTP surface. Limiter is
// optional; nil disables rate limiting.
type Dependencies struct {
	Webhooks       http.Handler
	PlanChanges    PlanChanger
	Checkouts      Checkouts
	Customers      Customers
	Entitlements   EntitlementResyncer
	Reconciliation Reconciliation
	Limiter        middleware.Limiter
	Metrics        *observability.Metrics
	Logger         *observability.Logger
}

// Server is the public HTTP API
type Server struct {
	deps   Dependencies
	router *mux.Router
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Processor webhooks authenticate by signature, not by tenant
	webhooks := &WebhookHandlers{intake: s.deps.Webhooks}
	webhooks.RegisterRoutes(v1)

	// Operator surface, authenticated by the gateway
	ops := v1.PathPrefix("/reconciliation").Subrouter()
	if s.deps.Limiter != nil {
		ops.Use(middleware.RateLimitMiddleware(s.deps.Limiter))
	}
	ops.Use(httputil.MaxBytesMiddleware(maxRequestBytes))
	(&ReconciliationHandlers{queue: s.deps.Reconciliation}).RegisterRoutes(ops)

	tenant := v1.NewRoute().Subrouter()
	tenant.Use(middleware.TenantMiddleware)
	if s.deps.Limiter != nil {
		tenant.Use(middleware.RateLimitMiddleware(s.deps.Limiter))
	}
	tenant.Use(httputil.MaxBytesMiddleware(maxRequestBytes))

	(&SubscriptionHandlers{changes: s.deps.PlanChanges}).RegisterRoutes(tenant)
	(&CheckoutHandlers{checkouts: s.deps.Checkouts}).RegisterRoutes(tenant)
	(&CustomerHandlers{customers: s.deps.Customers, entitlements: s.deps.Entitlements}).RegisterRoutes(tenant)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, r, "route not found")
	})
}

// ServeHTTP implements http.Handler without the outer middleware stack
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router behind tracing, request ids, logging and panic
// recovery
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggerMiddleware(s.deps.Logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)
	return otelhttp.NewHandler(chain(s.router), "subledger.http")
}

// NewOpsRouter serves health checks and Prometheus metrics on the health port
func NewOpsRouter(checker *observability.HealthChecker, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, checker)
	if registry != nil {
		observability.RegisterMetricsEndpoint(router, registry)
	}
	return router
}
