package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments shared across the pipeline.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	SignalsDetected *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	ConsultLatency  prometheus.Histogram
	ConsultFailures prometheus.Counter
	CallsDispatched *prometheus.CounterVec
	TrackedUsers    prometheus.GaugeFunc
}

// New registers the cartwatch instruments on a fresh registry and
// returns both. trackedUsers may be nil.
func New(trackedUsers func() float64) (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartwatch_events_ingested_total",
			Help: "Telemetry snapshots accepted, by transport",
		}, []string{"source"}),

		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartwatch_events_dropped_total",
			Help: "Telemetry snapshots rejected or dropped, by cause",
		}, []string{"cause"}),

		SignalsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartwatch_signals_detected_total",
			Help: "Disengagement signals raised, by kind",
		}, []string{"kind"}),

		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartwatch_decisions_total",
			Help: "Outreach decisions, by source and outcome",
		}, []string{"source", "should_call"}),

		ConsultLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cartwatch_consult_duration_seconds",
			Help:    "Reasoning service consultation latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		ConsultFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cartwatch_consult_failures_total",
			Help: "Reasoning consultations that fell back to deterministic rules",
		}),

		CallsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartwatch_calls_dispatched_total",
			Help: "Telephony dispatch attempts, by result",
		}, []string{"result"}),
	}

	if trackedUsers != nil {
		m.TrackedUsers = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cartwatch_tracked_users",
			Help: "Users with live tracking state",
		}, trackedUsers)
	}

	return m, reg
}

func (m *Metrics) RecordSignals(abandoned, removed, inactive bool) {
	if m == nil {
		return
	}
	if abandoned {
		m.SignalsDetected.WithLabelValues("cart_abandoned_long").Inc()
	}
	if removed {
		m.SignalsDetected.WithLabelValues("cart_item_removed").Inc()
	}
	if inactive {
		m.SignalsDetected.WithLabelValues("long_inactive").Inc()
	}
}

func (m *Metrics) RecordDecision(source string, shouldCall bool) {
	if m == nil {
		return
	}
	outcome := "no_call"
	if shouldCall {
		outcome = "call"
	}
	m.Decisions.WithLabelValues(source, outcome).Inc()
}
