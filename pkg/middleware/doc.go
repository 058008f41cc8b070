// Package middleware provides tenant scoping and rate limiting for the HTTP API.
//
// TenantMiddleware reads the organization from the X-Organization-ID header set
// by the authenticating gateway and stores it in the request context, where the
// handlers and RateLimitMiddleware pick it up.
//
// Two Limiter implementations exist:
//
//	limiter := middleware.NewRateLimiter(cfg)                          // per process token bucket
//	limiter := middleware.NewDistributedRateLimiter(client, cfg, "")   // fixed window in Redis
//	router.Use(middleware.RateLimitMiddleware(limiter))
//
// Requests are keyed by organization, or by client IP when no organization is
// known. A failing limiter allows the request and logs a warning.
package middleware
