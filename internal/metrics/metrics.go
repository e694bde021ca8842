// Package metrics exposes traversal counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticmrf/internal/stream"
)

// Manager owns the ticmrf metrics and implements stream.Recorder.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	items      prometheus.Counter
	candidates prometheus.Counter
	written    prometheus.Counter
	skipped    *prometheus.CounterVec
	anomalies  *prometheus.CounterVec
	unresolved prometheus.Counter
	documents  *prometheus.CounterVec
	fetches    *prometheus.CounterVec
	duration   prometheus.Histogram
	inFlight   prometheus.Gauge
}

var _ stream.Recorder = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the metric namespace.
func WithNamespace(ns string) Option {
	return func(m *Manager) {
		if ns != "" {
			m.namespace = ns
		}
	}
}

// WithRegistry registers metrics on r instead of a fresh registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithDurationBuckets sets the document duration histogram buckets, in
// seconds.
func WithDurationBuckets(b []float64) Option {
	return func(m *Manager) {
		if len(b) > 0 {
			m.buckets = b
		}
	}
}

// NewManager creates the metrics on their own registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "ticmrf",
		buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}

	f := promauto.With(m.registry)
	m.items = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "items_total",
		Help: "In-network items processed.",
	})
	m.candidates = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "candidates_total",
		Help: "Candidate records produced before normalization.",
	})
	m.written = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "records_written_total",
		Help: "Normalized records written to sinks.",
	})
	m.skipped = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "records_skipped_total",
		Help: "Candidates rejected by the normalizer.",
	}, []string{"reason"})
	m.anomalies = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "anomalies_total",
		Help: "Structural anomalies absorbed during traversal.",
	}, []string{"kind"})
	m.unresolved = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "unresolved_references_total",
		Help: "Provider reference lookups that failed.",
	})
	m.documents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "documents_total",
		Help: "Documents finished, by status.",
	}, []string{"status"})
	m.fetches = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Name: "provider_fetches_total",
		Help: "Provider reference location fetches, by outcome.",
	}, []string{"outcome"})
	m.duration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Name: "document_duration_seconds",
		Help:    "Time spent per document.",
		Buckets: m.buckets,
	})
	m.inFlight = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Name: "documents_in_flight",
		Help: "Documents currently being processed.",
	})
	return m
}

func (m *Manager) ItemProcessed()    { m.items.Inc() }
func (m *Manager) CandidateEmitted() { m.candidates.Inc() }
func (m *Manager) RecordWritten()    { m.written.Inc() }

func (m *Manager) RecordSkipped(reason string) { m.skipped.WithLabelValues(reason).Inc() }

// DocumentStarted marks a document as in flight.
func (m *Manager) DocumentStarted() { m.inFlight.Inc() }

// DocumentFinished records per-document totals.
func (m *Manager) DocumentFinished(st *stream.Stats, err error) {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case st.StopReason != stream.StopComplete:
		status = "stopped"
	}
	m.documents.WithLabelValues(status).Inc()
	m.duration.Observe(st.Elapsed.Seconds())

	for kind, n := range st.Anomalies() {
		if n > 0 {
			m.anomalies.WithLabelValues(kind).Add(float64(n))
		}
	}
	m.unresolved.Add(float64(st.Extraction.UnresolvedRefs))
	m.fetches.WithLabelValues("ok").Add(float64(st.Resolver.Fetched))
	m.fetches.WithLabelValues("failed").Add(float64(st.Resolver.FetchFailed))
}

// DocumentDone clears the in-flight mark set by DocumentStarted.
func (m *Manager) DocumentDone() { m.inFlight.Dec() }

// Registry returns the registry the metrics live on.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
