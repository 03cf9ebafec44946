// Package metrics collects Prometheus metrics for the development loop.
//
// A Metrics value owns its own registry so several sessions (and tests) can
// coexist in one process. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the metrics set.
type Config struct {
	// Namespace is the metrics namespace (default: "huncwot").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for restart duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Runtime registers the Go runtime and process collectors.
	Runtime bool
}

// Metrics holds the Prometheus metrics for one development session.
type Metrics struct {
	registry *prometheus.Registry

	reactions       *prometheus.CounterVec
	reactionErrors  *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	restartDuration prometheus.Histogram
	drainedSockets  prometheus.Counter
	broadcasts      *prometheus.CounterVec
	clients         prometheus.Gauge
	rpcCalls        *prometheus.CounterVec
	generations     *prometheus.CounterVec
}

// New creates a metrics set registered on a fresh registry.
func New(config Config) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "huncwot"
	}
	if config.Buckets == nil {
		config.Buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	if config.Runtime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		reactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reactions_total",
			Help:        "Total number of watch events handled, by event and reaction kind",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "reaction"}),

		reactionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reaction_errors_total",
			Help:        "Total number of failed reactions by error code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),

		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "server_starts_total",
			Help:        "Total number of server start attempts by kind and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "outcome"}),

		restartDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "server_restart_duration_seconds",
			Help:        "Time from drain to the replacement server accepting connections",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		drainedSockets: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "drained_sockets_total",
			Help:        "Total number of sockets force-closed by restarts",
			ConstLabels: config.ConstLabels,
		}),

		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reload_messages_total",
			Help:        "Total live-reload messages by type and delivery outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"type", "outcome"}),

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "reload_clients",
			Help:        "Number of connected live-reload clients",
			ConstLabels: config.ConstLabels,
		}),

		rpcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "rpc_calls_total",
			Help:        "Total RPC calls by service, method and status code",
			ConstLabels: config.ConstLabels,
		}, []string{"service", "method", "status"}),

		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "rpc_generations_total",
			Help:        "Total caller generations by outcome (written, unchanged, failed)",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Reaction records a handled watch event.
func (m *Metrics) Reaction(event, reaction string) {
	if m == nil {
		return
	}
	m.reactions.WithLabelValues(event, reaction).Inc()
}

// ReactionError records a failed reaction.
func (m *Metrics) ReactionError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.reactionErrors.WithLabelValues(code).Inc()
}

// ServerStart records a start or restart attempt.
func (m *Metrics) ServerStart(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.restarts.WithLabelValues(kind, outcome).Inc()
}

// RestartDuration records how long a restart took.
func (m *Metrics) RestartDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.restartDuration.Observe(d.Seconds())
}

// DrainedSockets records sockets closed by a forced drain.
func (m *Metrics) DrainedSockets(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drainedSockets.Add(float64(n))
}

// Broadcast records delivery outcomes for one reload message.
func (m *Metrics) Broadcast(msgType string, delivered, failed int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(msgType, "delivered").Add(float64(delivered))
	if failed > 0 {
		m.broadcasts.WithLabelValues(msgType, "failed").Add(float64(failed))
	}
}

// Clients sets the number of connected live-reload clients.
func (m *Metrics) Clients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

// RPCCall records one RPC call.
func (m *Metrics) RPCCall(service, method string, status int) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(service, method, http.StatusText(status)).Inc()
}

// Generation records one caller generation outcome.
func (m *Metrics) Generation(outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
}
