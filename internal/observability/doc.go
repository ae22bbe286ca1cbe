// Package observability provides logging, metrics, and tracing
// functionality for the identity gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("identity resolved",
//	    observability.String("username", user.Username),
//	)
//
// # Metrics
//
// Prometheus metrics for sanitization, identity resolution, provisioning,
// directory operations, and header contribution live on a private registry:
//
//	metrics := observability.NewMetrics("identity")
//	http.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// OpenTelemetry tracing with optional OTLP gRPC export:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName: "identity-gateway",
//	    Enabled:     true,
//	})
package observability
