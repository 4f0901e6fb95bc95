// Package metrics exposes Prometheus instrumentation for voice sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callcoach"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	turnsTotal      *prometheus.CounterVec
	bargeIns        prometheus.Counter
	transitions     *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterRequests *prometheus.CounterVec
	segmentsDropped prometheus.Counter
	eventsDropped   prometheus.Counter
	sessionScore    prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live voice sessions",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions by outcome",
		}, []string{"outcome"}), // started, start_failed, scored, unscored
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Utterances processed by outcome",
		}, []string{"outcome"}), // reply, presence, silent, aborted
		bargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Replies interrupted by the trainee",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn controller state transitions",
		}, []string{"from", "to"}),
		adapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_request_duration_seconds",
			Help:      "Duration of recognition, generation, synthesis and scoring calls",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 15, 30},
		}, []string{"adapter"}),
		adapterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_requests_total",
			Help:      "Adapter calls by status",
		}, []string{"adapter", "status"}),
		segmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Buffered audio segments evicted on overflow",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outbound session events dropped because the subscriber lagged",
		}),
		sessionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_score",
			Help:      "Distribution of post-session scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive, m.sessionsTotal, m.turnsTotal, m.bargeIns, m.transitions,
		m.adapterDuration, m.adapterRequests, m.segmentsDropped, m.eventsDropped, m.sessionScore,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionStartFailed() {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues("start_failed").Inc()
}

// SessionEnded records a finished session; score is nil when it was not scored.
func (m *Metrics) SessionEnded(score *int) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	if score == nil {
		m.sessionsTotal.WithLabelValues("unscored").Inc()
		return
	}
	m.sessionsTotal.WithLabelValues("scored").Inc()
	m.sessionScore.Observe(float64(*score))
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BargeIn() {
	if m == nil {
		return
	}
	m.bargeIns.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveAdapter records one external call.
func (m *Metrics) ObserveAdapter(adapter string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.adapterDuration.WithLabelValues(adapter).Observe(d.Seconds())
	m.adapterRequests.WithLabelValues(adapter, status).Inc()
}

func (m *Metrics) SegmentDropped() {
	if m == nil {
		return
	}
	m.segmentsDropped.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
