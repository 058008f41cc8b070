// Package httputil provides the JSON reply helpers, request parsing and
// middleware shared by the HTTP surface.
//
// Every error reply carries the request correlation id:
//
//	{"error": "price does not exist", "kind": "validation", "request_id": "4b6c..."}
//
// Middleware order used by the API server:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggerMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
