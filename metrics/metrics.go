// Package metrics exports session measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/ecos-remote/session"
)

// Config configures the Prometheus recorder.
type Config struct {
	// Namespace is the metrics namespace (default: "ecos").
	Namespace string

	// Subsystem is the metrics subsystem (default: "session").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	Buckets []float64

	// Registry receives the collectors. Default: a fresh registry, so
	// several recorders can coexist in one process (tests).
	Registry *prometheus.Registry
}

// Option configures the Prometheus recorder.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics, e.g. the station address.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "ecos",
		Subsystem: "session",
		// A LAN round trip to the station is a few milliseconds.
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}
}

// Recorder implements session.Recorder with Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	reconnectsTotal prometheus.Counter
	eventsTotal     prometheus.Counter
	connectionState prometheus.Gauge
	queueDepth      prometheus.Gauge
}

var _ session.Recorder = (*Recorder)(nil)

// New creates a Recorder and registers its collectors.
//
// Parameters:
//   - opts: Namespace, labels, buckets and registry options
//
// Returns:
//   - A *Recorder to pass to session.WithRecorder
func New(opts ...Option) *Recorder {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)

	return &Recorder{
		registry: config.Registry,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from dequeue to reply or failure in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total number of reconnect attempts",
			ConstLabels: config.ConstLabels,
		}),

		eventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of event lines received",
			ConstLabels: config.ConstLabels,
		}),

		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state",
			Help:        "Connection state (0 disconnected, 1 connecting, 2 ready, 3 closed)",
			ConstLabels: config.ConstLabels,
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_depth",
			Help:        "Requests waiting behind the one in flight",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveRequest implements session.Recorder.
func (r *Recorder) ObserveRequest(result string, elapsed time.Duration) {
	r.requestsTotal.WithLabelValues(result).Inc()
	r.requestDuration.Observe(elapsed.Seconds())
}

// IncReconnects implements session.Recorder.
func (r *Recorder) IncReconnects() {
	r.reconnectsTotal.Inc()
}

// IncEvents implements session.Recorder.
func (r *Recorder) IncEvents() {
	r.eventsTotal.Inc()
}

// SetState implements session.Recorder.
func (r *Recorder) SetState(state session.ConnectionState) {
	r.connectionState.Set(float64(state))
}

// SetQueueDepth implements session.Recorder.
func (r *Recorder) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// Registry returns the registry the collectors live in.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
