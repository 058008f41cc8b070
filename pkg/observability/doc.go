// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Overview
//
// Every component logs through Logger, a JSON slog wrapper with chained
// fields. Request handlers store a correlation id in the context and derive
// loggers with FromContext so webhook, checkout and plan-change logs can be
// joined on request_id.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithEvent(evt.ID, evt.Type).WithError(err).Warn("Entitlement sync failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.WebhookEventsTotal.WithLabelValues("invoice.paid", "processed").Inc()
//	metrics.SweeperClaimsTotal.WithLabelValues("claimed").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddOptional("payload_archive", archive)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "subledger",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request correlation middleware
package observability
