// Package metrics exposes Prometheus instrumentation for the decision engine
// and the event sink. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgeguard"

// Decision outcomes.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeWouldBlock = "would_block"
	OutcomeSkipped    = "skipped"
)

// Recorder holds the registered collectors.
type Recorder struct {
	decisions      *prometheus.CounterVec
	detectorErrors *prometheus.CounterVec
	evaluation     prometheus.Histogram
	events         *prometheus.CounterVec
	sinkFailures   *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	tasksDropped   prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Security decisions by reason, mode and outcome.",
		}, []string{"reason", "mode", "outcome"}),
		detectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_errors_total",
			Help:      "Detector failures treated as no-match (fail open).",
		}, []string{"detector"}),
		evaluation: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent computing a decision.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .075, .1, .25},
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "events_total",
			Help:      "Security events persisted, by type.",
		}, []string{"type"}),
		sinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Sink operations that failed, by stage.",
		}, []string{"stage"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "notifications_total",
			Help:      "Webhook notifications by result.",
		}, []string{"result"}),
		tasksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_dropped_total",
			Help:      "Background tasks dropped because the runner was saturated or closed.",
		}),
	}
}

// Decision records one decision.
func (r *Recorder) Decision(reason, mode, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(reason, mode, outcome).Inc()
	r.evaluation.Observe(took.Seconds())
}

// DetectorError records a detector that failed open.
func (r *Recorder) DetectorError(detector string) {
	if r == nil {
		return
	}
	r.detectorErrors.WithLabelValues(detector).Inc()
}

// Event records a persisted event.
func (r *Recorder) Event(eventType string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType).Inc()
}

// SinkFailure records a failed sink stage (store, metrics, notify).
func (r *Recorder) SinkFailure(stage string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(stage).Inc()
}

// Notification records a webhook outcome (sent, throttled, failed).
func (r *Recorder) Notification(result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(result).Inc()
}

// TaskDropped records a dropped background task.
func (r *Recorder) TaskDropped() {
	if r == nil {
		return
	}
	r.tasksDropped.Inc()
}
