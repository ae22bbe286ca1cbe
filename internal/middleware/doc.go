// Package middleware provides the HTTP middleware that wraps the identity
// pipeline.
//
// # Middleware Components
//
//   - RequestID: unique request identifier injection
//   - Recovery: panic recovery with stack trace logging
//   - AccessLog: structured access logging with per-route metrics
//   - Tracing: server spans continuing inbound W3C trace context
//
// # Usage
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.Chain(
//	    pipelineHandler,
//	    middleware.RequestID(),
//	    middleware.Recovery(logger, metrics),
//	    middleware.AccessLog(logger, metrics),
//	)
package middleware
