// Package metrics exposes engine counters in prometheus format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/registry"
)

const namespace = "statusflow"

// Recorder implements engine.Observer. Each Recorder owns its registry so
// several can coexist in one process.
type Recorder struct {
	Registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	denials         *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	conditionFaults *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
}

var _ engine.Observer = (*Recorder)(nil)

func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied status transitions.",
		}, []string{"kind", "from", "to", "trigger"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_denials_total",
			Help:      "Rejected transition requests by denial code.",
		}, []string{"kind", "code"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_conflicts_total",
			Help:      "Transitions lost to a concurrent status change.",
		}, []string{"kind"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation actions dispatched.",
		}, []string{"kind", "action"}),
		conditionFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_faults_total",
			Help:      "Condition evaluations that failed.",
		}, []string{"kind", "condition"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of one kind within a scheduled pass.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind"}),
	}
	r.Registry.MustRegister(
		r.transitions,
		r.denials,
		r.conflicts,
		r.escalations,
		r.conditionFaults,
		r.passDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Transitioned(kind domain.Kind, from, to domain.Status, system bool) {
	trigger := "request"
	if system {
		trigger = "system"
	}
	r.transitions.WithLabelValues(kind.String(), string(from), string(to), trigger).Inc()
}

func (r *Recorder) Denied(kind domain.Kind, code engine.DenialCode) {
	r.denials.WithLabelValues(kind.String(), string(code)).Inc()
}

func (r *Recorder) Conflict(kind domain.Kind) {
	r.conflicts.WithLabelValues(kind.String()).Inc()
}

func (r *Recorder) Escalated(kind domain.Kind, action registry.Action) {
	r.escalations.WithLabelValues(kind.String(), string(action)).Inc()
}

func (r *Recorder) ConditionFault(kind domain.Kind, name string) {
	r.conditionFaults.WithLabelValues(kind.String(), name).Inc()
}

func (r *Recorder) PassCompleted(kind domain.Kind, d time.Duration) {
	r.passDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}
