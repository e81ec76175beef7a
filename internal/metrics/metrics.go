// Package metrics exposes Prometheus instrumentation for RefillPipe.
package metrics

import (
	"net/http"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the engine's MetricsRecorder over a Prometheus
// registry. All collectors are registered at construction; methods are
// safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	escalations  *prometheus.CounterVec
	capabilities *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refillpipe",
		Name:      "turns_total",
		Help:      "Conversation turns processed, by resulting workflow state.",
	}, []string{"state"})

	r.turnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "refillpipe",
		Name:      "turn_duration_seconds",
		Help:      "Time spent processing one conversation turn.",
		Buckets:   prometheus.DefBuckets,
	})

	r.escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refillpipe",
		Name:      "escalations_total",
		Help:      "Escalation verdicts requiring a human professional, by reason.",
	}, []string{"reason"})

	r.capabilities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refillpipe",
		Name:      "capability_invocations_total",
		Help:      "Capability invocations, by name, provenance, and outcome.",
	}, []string{"capability", "provenance", "outcome"})

	r.registry.MustRegister(r.turns, r.turnDuration, r.escalations, r.capabilities)
	return r
}

// RecordTurn counts a processed turn and its latency.
func (r *Recorder) RecordTurn(state models.WorkflowState, d time.Duration) {
	r.turns.WithLabelValues(string(state)).Inc()
	r.turnDuration.Observe(d.Seconds())
}

// RecordEscalation counts an escalation verdict by reason.
func (r *Recorder) RecordEscalation(reason models.EscalationReason) {
	r.escalations.WithLabelValues(string(reason)).Inc()
}

// RecordCapability counts a capability invocation.
func (r *Recorder) RecordCapability(name string, provenance models.Provenance, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.capabilities.WithLabelValues(name, string(provenance), outcome).Inc()
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
