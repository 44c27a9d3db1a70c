// Package metrics exposes Prometheus instrumentation for the lead pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics dependency without nil checks at every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadbroker"

// Metrics holds every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	inbound        *prometheus.CounterVec
	inboundLatency prometheus.Histogram
	searches       *prometheus.CounterVec
	searchLatency  prometheus.Histogram
	searchResults  prometheus.Histogram
	embeddings     *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	swept          *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry, which also
// carries the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by processing outcome.",
		}, []string{"outcome"}),
		inboundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inbound_message_duration_seconds",
			Help:      "Time to process one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Property searches by mode (hybrid, lexical, cached, failed).",
		}, []string{"mode"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Hybrid search latency including embedding.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of properties returned per search.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),
		embeddings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_requests_total",
			Help:      "Embedding cache lookups by result (hit, miss, coalesced, error).",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urgency_alerts_total",
			Help:      "Urgency alerts raised by level.",
		}, []string{"level"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_transitions_total",
			Help:      "Conversation state transitions.",
		}, []string{"from", "to"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_rows_total",
			Help:      "Rows removed by the retention sweeper.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inbound, m.inboundLatency,
		m.searches, m.searchLatency, m.searchResults,
		m.embeddings, m.alerts, m.transitions, m.swept,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
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

// ObserveInbound records one processed inbound message.
func (m *Metrics) ObserveInbound(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
	m.inboundLatency.Observe(elapsed.Seconds())
}

// ObserveSearch records one search.
func (m *Metrics) ObserveSearch(mode string, results int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(mode).Inc()
	m.searchLatency.Observe(elapsed.Seconds())
	m.searchResults.Observe(float64(results))
}

// EmbeddingLookup records one embedding cache lookup.
func (m *Metrics) EmbeddingLookup(result string) {
	if m == nil {
		return
	}
	m.embeddings.WithLabelValues(result).Inc()
}

// AlertRaised records an urgency alert.
func (m *Metrics) AlertRaised(level int) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(levelLabel(level)).Inc()
}

// Transition records a conversation state change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Swept records rows removed by the sweeper.
func (m *Metrics) Swept(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}

func levelLabel(level int) string {
	if level < 1 || level > 9 {
		return "other"
	}
	return string(rune('0' + level))
}
