// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the bus middleware, plus a middleware that instruments any
// node handle without the backends knowing about it.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName string
	Environment string

	// Prometheus configuration
	MetricsPath string // HTTP path for the metrics endpoint (default: /metrics)
	MetricsPort int    // Port for the metrics server (default: 9090)

	// Metric options
	Namespace        string    // Prometheus namespace (default: rosbus)
	HistogramBuckets []float64 // Custom latency buckets

	// Labels added to all metrics
	ConstLabels prometheus.Labels
}

// MetricsProvider records bus operations
type MetricsProvider interface {
	// Pub/sub operations
	RecordPublish(backend, topic, status string, duration time.Duration)
	RecordDelivery(backend, topic string)
	RecordActivePublishers(backend string, delta int)
	RecordActiveSubscribers(backend string, delta int)

	// Service operations
	RecordServiceCall(backend, service, status string, duration time.Duration)
	RecordDispatch(backend, service, status string, duration time.Duration)
	RecordActiveServices(backend string, delta int)

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config MetricsConfig
	server *http.Server

	publishDuration     *prometheus.HistogramVec
	publishTotal        *prometheus.CounterVec
	deliveryTotal       *prometheus.CounterVec
	serviceCallDuration *prometheus.HistogramVec
	serviceCallTotal    *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	dispatchTotal       *prometheus.CounterVec
	activePublishers    *prometheus.GaugeVec
	activeSubscribers   *prometheus.GaugeVec
	activeServices      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsProvider creates a metrics provider with its own
// registry.
func NewPrometheusMetricsProvider(config MetricsConfig) *PrometheusMetricsProvider {
	if config.Namespace == "" {
		config.Namespace = "rosbus"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	buckets := config.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	p := &PrometheusMetricsProvider{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	p.publishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Name:        "publish_duration_seconds",
		Help:        "Time to hand a message to the backend's outbound path",
		Buckets:     buckets,
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "topic", "status"})

	p.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "publish_total",
		Help:        "Total messages published",
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "topic", "status"})

	p.deliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "delivery_total",
		Help:        "Total messages delivered to subscribers",
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "topic"})

	p.serviceCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Name:        "service_call_duration_seconds",
		Help:        "Round-trip time of service calls",
		Buckets:     buckets,
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "service", "status"})

	p.serviceCallTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "service_call_total",
		Help:        "Total service calls issued",
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "service", "status"})

	p.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Name:        "dispatch_duration_seconds",
		Help:        "Execution time of service callbacks",
		Buckets:     buckets,
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "service", "status"})

	p.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Name:        "dispatch_total",
		Help:        "Total service callback invocations",
		ConstLabels: config.ConstLabels,
	}, []string{"backend", "service", "status"})

	p.activePublishers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Name:        "active_publishers",
		Help:        "Currently registered publishers",
		ConstLabels: config.ConstLabels,
	}, []string{"backend"})

	p.activeSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Name:        "active_subscribers",
		Help:        "Currently registered subscribers",
		ConstLabels: config.ConstLabels,
	}, []string{"backend"})

	p.activeServices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Name:        "active_services",
		Help:        "Currently advertised services",
		ConstLabels: config.ConstLabels,
	}, []string{"backend"})

	p.registry.MustRegister(
		p.publishDuration, p.publishTotal, p.deliveryTotal,
		p.serviceCallDuration, p.serviceCallTotal,
		p.dispatchDuration, p.dispatchTotal,
		p.activePublishers, p.activeSubscribers, p.activeServices,
	)

	return p
}

// RecordPublish records one publish operation
func (p *PrometheusMetricsProvider) RecordPublish(backend, topic, status string, duration time.Duration) {
	p.publishDuration.WithLabelValues(backend, topic, status).Observe(duration.Seconds())
	p.publishTotal.WithLabelValues(backend, topic, status).Inc()
}

// RecordDelivery records one message delivered to a subscriber
func (p *PrometheusMetricsProvider) RecordDelivery(backend, topic string) {
	p.deliveryTotal.WithLabelValues(backend, topic).Inc()
}

// RecordActivePublishers adjusts the active publisher gauge
func (p *PrometheusMetricsProvider) RecordActivePublishers(backend string, delta int) {
	p.activePublishers.WithLabelValues(backend).Add(float64(delta))
}

// RecordActiveSubscribers adjusts the active subscriber gauge
func (p *PrometheusMetricsProvider) RecordActiveSubscribers(backend string, delta int) {
	p.activeSubscribers.WithLabelValues(backend).Add(float64(delta))
}

// RecordServiceCall records one client-side service call
func (p *PrometheusMetricsProvider) RecordServiceCall(backend, service, status string, duration time.Duration) {
	p.serviceCallDuration.WithLabelValues(backend, service, status).Observe(duration.Seconds())
	p.serviceCallTotal.WithLabelValues(backend, service, status).Inc()
}

// RecordDispatch records one server-side callback invocation
func (p *PrometheusMetricsProvider) RecordDispatch(backend, service, status string, duration time.Duration) {
	p.dispatchDuration.WithLabelValues(backend, service, status).Observe(duration.Seconds())
	p.dispatchTotal.WithLabelValues(backend, service, status).Inc()
}

// RecordActiveServices adjusts the active service gauge
func (p *PrometheusMetricsProvider) RecordActiveServices(backend string, delta int) {
	p.activeServices.WithLabelValues(backend).Add(float64(delta))
}

// Start serves the metrics endpoint
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	p.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are best-effort; the bus keeps running without them.
			_ = err
		}
	}()
	return nil
}

// Shutdown stops the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
