package swcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	responses          *prometheus.CounterVec
	failures           *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec
	background         *prometheus.CounterVec
	transitions        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "responses_total",
			Help:      "Responses delivered for intercepted requests.",
		}, []string{"class", "source"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "propagated_errors_total",
			Help:      "Intercepted requests whose network error was passed to the requester.",
		}, []string{"class"}),
		cacheWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "cache_write_failures_total",
			Help:      "Best-effort cache writes that failed.",
		}, []string{"cache"}),
		background: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "background_tasks_total",
			Help:      "Detached tasks by kind and result.",
		}, []string{"kind", "result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle states entered.",
		}, []string{"state"}),
	}
}

func (m *Metrics) responded(c Class, s Source) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(c.String(), string(s)).Inc()
}

func (m *Metrics) failed(c Class) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) cacheWriteFailed(cache string) {
	if m == nil {
		return
	}
	m.cacheWriteFailures.WithLabelValues(cache).Inc()
}

func (m *Metrics) backgroundDone(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.background.WithLabelValues(kind, result).Inc()
}

// backgroundDropped records a task the shim refused to start.
func (m *Metrics) backgroundDropped() {
	if m == nil {
		return
	}
	m.background.WithLabelValues("any", "dropped").Inc()
}

func (m *Metrics) lifecycle(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}
