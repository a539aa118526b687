// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowmesh-io/gateway/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics for a gateway node.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Connection / routing metrics
	ConnectionsOpen    prometheus.Gauge
	EventsRoutedTotal  *prometheus.CounterVec
	EventsDroppedTotal *prometheus.CounterVec
	RouteFanoutLatency *prometheus.HistogramVec

	// Delivery engine metrics
	DeliveriesTotal        *prometheus.CounterVec
	DeliveryDuration       *prometheus.HistogramVec
	DeliveryQueueDepth     prometheus.Gauge
	DeliveryBackpressure   *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Connection / routing metrics
		ConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_connections_open",
				Help: "Current number of open client connections on this node",
			},
		),
		EventsRoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_routed_total",
				Help: "Total number of events routed across server nodes",
			},
			[]string{"org_id", "channel_kind"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_dropped_total",
				Help: "Total number of events dropped (backpressure, no subscriber, tenant limit)",
			},
			[]string{"org_id", "reason"},
		),
		RouteFanoutLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_route_fanout_seconds",
				Help:    "Cross-server fan-out latency for a routed event",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
			},
			[]string{"org_id"},
		),

		// Delivery engine metrics
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"org_id", "status"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery attempt duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"org_id"},
		),
		DeliveryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_webhook_queue_depth",
				Help: "Current depth of the webhook delivery queue",
			},
		),
		DeliveryBackpressure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_backpressure_total",
				Help: "Total number of deliveries shed due to backpressure",
			},
			[]string{"org_id"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ConnectionsOpen,
			m.EventsRoutedTotal,
			m.EventsDroppedTotal,
			m.RouteFanoutLatency,
			m.DeliveriesTotal,
			m.DeliveryDuration,
			m.DeliveryQueueDepth,
			m.DeliveryBackpressure,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordEventRouted records a cross-server routed event and its fan-out latency.
func (m *Metrics) RecordEventRouted(orgID, channelKind string, fanoutDuration time.Duration) {
	m.EventsRoutedTotal.WithLabelValues(orgID, channelKind).Inc()
	m.RouteFanoutLatency.WithLabelValues(orgID).Observe(fanoutDuration.Seconds())
}

// RecordEventDropped records an event dropped before delivery to any subscriber.
func (m *Metrics) RecordEventDropped(orgID, reason string) {
	m.EventsDroppedTotal.WithLabelValues(orgID, reason).Inc()
}

// RecordDelivery records a webhook delivery attempt outcome and duration.
func (m *Metrics) RecordDelivery(orgID, status string, duration time.Duration) {
	m.DeliveriesTotal.WithLabelValues(orgID, status).Inc()
	m.DeliveryDuration.WithLabelValues(orgID).Observe(duration.Seconds())
}

// RecordDeliveryBackpressure records a delivery shed due to queue saturation.
func (m *Metrics) RecordDeliveryBackpressure(orgID string) {
	m.DeliveryBackpressure.WithLabelValues(orgID).Inc()
}

// SetConnectionsOpen sets the current number of open client connections.
func (m *Metrics) SetConnectionsOpen(count int) {
	m.ConnectionsOpen.Set(float64(count))
}

// SetDeliveryQueueDepth sets the current webhook delivery queue depth.
func (m *Metrics) SetDeliveryQueueDepth(depth int) {
	m.DeliveryQueueDepth.Set(float64(depth))
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
