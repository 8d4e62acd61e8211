package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var handlerDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}

// Metrics holds the Prometheus instruments of the engine and its worker.
// A nil *Metrics records nothing.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	IllegalTransitions *prometheus.CounterVec
	Stuck              *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	InFlight           prometheus.Gauge
}

// NewMetrics creates and registers the engine metric instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecmd_engine_transitions_total",
			Help: "Total number of accepted command state transitions.",
		}, []string{"operation", "status"}),
		IllegalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecmd_engine_illegal_transitions_total",
			Help: "Total number of rejected command state transitions.",
		}, []string{"operation"}),
		Stuck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecmd_engine_commands_stuck_total",
			Help: "Total number of commands that exceeded their timeout.",
		}, []string{"operation"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgecmd_engine_handler_duration_seconds",
			Help:    "State handler execution duration in seconds.",
			Buckets: handlerDurationBuckets,
		}, []string{"operation", "status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgecmd_engine_handlers_in_flight",
			Help: "Number of state handlers currently executing.",
		}),
	}
	reg.MustRegister(
		m.Transitions,
		m.IllegalTransitions,
		m.Stuck,
		m.HandlerDuration,
		m.InFlight,
	)
	return m
}

func (m *Metrics) transition(op, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(op, status).Inc()
}

func (m *Metrics) illegal(op string) {
	if m == nil {
		return
	}
	m.IllegalTransitions.WithLabelValues(op).Inc()
}

func (m *Metrics) stuck(op string) {
	if m == nil {
		return
	}
	m.Stuck.WithLabelValues(op).Inc()
}

// handlerStarted returns a func to be called once the handler returned.
func (m *Metrics) handlerStarted(op, status string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.InFlight.Inc()
	return func() {
		m.InFlight.Dec()
		m.HandlerDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}
}
