package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the identity layer.
// All record methods are safe to call on a nil *Metrics.
type Metrics struct {
	sanitizedHeaders   *prometheus.CounterVec
	resolutions        *prometheus.CounterVec
	provisioning       *prometheus.CounterVec
	directoryOps       *prometheus.CounterVec
	directoryDuration  *prometheus.HistogramVec
	directoryBreaker   *prometheus.GaugeVec
	notifications      *prometheus.CounterVec
	contributedHeaders *prometheus.CounterVec
	pipelineRejections *prometheus.CounterVec
	configReloads      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	panicsRecovered    prometheus.Counter
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "identity"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.sanitizedHeaders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sanitizer",
			Name:      "stripped_headers_total",
			Help:      "Total number of inbound headers stripped by the security sanitizer",
		},
		[]string{"reason"},
	)

	m.resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total number of identity resolutions",
		},
		[]string{"source", "outcome"},
	)

	m.provisioning = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accounts",
			Name:      "provisioning_total",
			Help:      "Total number of account get-or-create calls by outcome",
		},
		[]string{"outcome"},
	)

	m.directoryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "operations_total",
			Help:      "Total number of directory store operations",
		},
		[]string{"operation", "status"},
	)

	m.directoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "operation_duration_seconds",
			Help:      "Directory store operation duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	m.directoryBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "circuit_breaker_state",
			Help:      "Directory circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "notifications_total",
			Help:      "Total number of account-created notifications by publish status",
		},
		[]string{"publisher", "status"},
	)

	m.contributedHeaders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "headers",
			Name:      "contributed_total",
			Help:      "Total number of outbound identity headers contributed",
		},
		[]string{"contributor"},
	)

	m.pipelineRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected by a pipeline stage",
		},
		[]string{"stage", "reason"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Total number of route configuration reloads",
		},
		[]string{"status"},
	)

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	m.panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered by the HTTP middleware",
		},
	)

	m.registry.MustRegister(
		m.sanitizedHeaders,
		m.resolutions,
		m.provisioning,
		m.directoryOps,
		m.directoryDuration,
		m.directoryBreaker,
		m.notifications,
		m.contributedHeaders,
		m.pipelineRejections,
		m.configReloads,
		m.httpRequests,
		m.httpDuration,
		m.panicsRecovered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordSanitized records a stripped inbound header.
func (m *Metrics) RecordSanitized(reason string) {
	if m == nil {
		return
	}
	m.sanitizedHeaders.WithLabelValues(reason).Inc()
}

// RecordResolution records an identity resolution outcome.
func (m *Metrics) RecordResolution(source, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(source, outcome).Inc()
}

// RecordProvisioning records a get-or-create outcome.
func (m *Metrics) RecordProvisioning(outcome string) {
	if m == nil {
		return
	}
	m.provisioning.WithLabelValues(outcome).Inc()
}

// RecordDirectoryOperation records a directory store operation.
func (m *Metrics) RecordDirectoryOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.directoryOps.WithLabelValues(operation, status).Inc()
	m.directoryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetDirectoryBreakerState sets the directory circuit breaker gauge.
func (m *Metrics) SetDirectoryBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.directoryBreaker.WithLabelValues(name).Set(float64(state))
}

// RecordNotification records an account-created publish attempt.
func (m *Metrics) RecordNotification(publisher, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(publisher, status).Inc()
}

// RecordContributedHeaders records headers emitted by a contributor.
func (m *Metrics) RecordContributedHeaders(contributor string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.contributedHeaders.WithLabelValues(contributor).Add(float64(count))
}

// RecordRejection records a request rejected by a pipeline stage.
func (m *Metrics) RecordRejection(stage, reason string) {
	if m == nil {
		return
	}
	m.pipelineRejections.WithLabelValues(stage, reason).Inc()
}

// RecordConfigReload records a route configuration reload.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordPanic records a recovered handler panic.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
