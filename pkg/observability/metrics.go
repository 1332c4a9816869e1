// Package observability provides the metrics and tracing providers for
// conduit: Prometheus exposition for request and connection activity, and
// OpenTelemetry trace export over OTLP.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
)

// MetricsConfig configures the Prometheus provider.
type MetricsConfig struct {
	// Namespace prefixes every metric (default "conduit").
	Namespace string

	// ListenAddress serves the exposition endpoint when non-empty.
	ListenAddress string

	// Path of the exposition endpoint (default "/metrics").
	Path string

	// HistogramBuckets override the request latency buckets.
	HistogramBuckets []float64

	// ConstLabels are attached to every metric.
	ConstLabels prometheus.Labels

	Logger logging.Logger
}

// MetricsProvider records request and connection activity into a Prometheus
// registry and optionally serves the exposition endpoint. It satisfies the
// server's Recorder contract.
type MetricsProvider struct {
	cfg      MetricsConfig
	registry *prometheus.Registry
	server   *http.Server
	logger   logging.Logger

	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections prometheus.Gauge
}

// NewMetricsProvider creates a Prometheus provider with its own registry.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "conduit"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("metrics")
	}
	buckets := cfg.HistogramBuckets
	if len(buckets) == 0 {
		buckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	}

	p := &MetricsProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   cfg.Logger,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "requests_total",
			Help:        "Total requests dispatched, by method and outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"method", "success"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "request_duration_seconds",
			Help:        "Request handling latency in seconds, by method.",
			Buckets:     buckets,
			ConstLabels: cfg.ConstLabels,
		}, []string{"method"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "active_connections",
			Help:        "Connections currently tracked by the server.",
			ConstLabels: cfg.ConstLabels,
		}),
	}

	for _, c := range []prometheus.Collector{p.requestTotal, p.requestDuration, p.activeConnections} {
		if err := p.registry.Register(c); err != nil {
			return nil, cerrors.Wrap(err, cerrors.KindInternal, "metric registration failed")
		}
	}
	return p, nil
}

// RecordRequest implements the server recorder contract.
func (p *MetricsProvider) RecordRequest(method string, elapsed time.Duration, success bool) {
	p.requestTotal.WithLabelValues(method, strconv.FormatBool(success)).Inc()
	p.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordConnection implements the server recorder contract.
func (p *MetricsProvider) RecordConnection(active int) {
	p.activeConnections.Set(float64(active))
}

// Registry exposes the underlying registry for additional collectors.
func (p *MetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the exposition handler for mounting on an existing mux.
func (p *MetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Start serves the exposition endpoint when a listen address is configured.
func (p *MetricsProvider) Start(ctx context.Context) error {
	if p.cfg.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, p.Handler())
	p.server = &http.Server{
		Addr:              p.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("metrics endpoint failed", logging.ErrorField(err))
		}
	}()
	p.logger.Info("metrics endpoint up",
		logging.String("addr", fmt.Sprintf("%s%s", p.cfg.ListenAddress, p.cfg.Path)))
	return nil
}

// Shutdown stops the exposition endpoint.
func (p *MetricsProvider) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
