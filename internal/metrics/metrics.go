// Package metrics collects and exposes Prometheus metrics for the storage layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector is the recording interface used by the router, the
// probe, the reconciler and the activity service.
type MetricsCollector interface {
	RecordProbeFailure()
	RecordFallback(op string)
	RecordReconcile(merged bool)
	RecordMergedEntries(kind string, count int)
	RecordOtpOutcome(outcome string)
}

// Collector is the Prometheus implementation.
type Collector struct {
	probeFail     prometheus.Counter
	fallbacks     *prometheus.CounterVec
	reconciles    *prometheus.CounterVec
	mergedEntries *prometheus.CounterVec
	otpOutcomes   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		probeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindspace_probe_failures_total",
			Help: "Availability probes that found the remote store unusable",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindspace_local_fallbacks_total",
			Help: "Storage operations served by the local store instead of the remote",
		}, []string{"op"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindspace_reconciles_total",
			Help: "Completed reconciliations by whether anything was merged",
		}, []string{"merged"}),
		mergedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindspace_merged_entries_total",
			Help: "Local-only entries pushed to the remote store during reconciliation",
		}, []string{"kind"}),
		otpOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindspace_otp_outcomes_total",
			Help: "OTP sends and verification results",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.probeFail,
		c.fallbacks,
		c.reconciles,
		c.mergedEntries,
		c.otpOutcomes,
	)

	return c
}

func (c *Collector) RecordProbeFailure() {
	c.probeFail.Inc()
}

func (c *Collector) RecordFallback(op string) {
	c.fallbacks.WithLabelValues(op).Inc()
}

func (c *Collector) RecordReconcile(merged bool) {
	label := "false"
	if merged {
		label = "true"
	}
	c.reconciles.WithLabelValues(label).Inc()
}

func (c *Collector) RecordMergedEntries(kind string, count int) {
	c.mergedEntries.WithLabelValues(kind).Add(float64(count))
}

func (c *Collector) RecordOtpOutcome(outcome string) {
	c.otpOutcomes.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordProbeFailure()             {}
func (Nop) RecordFallback(string)           {}
func (Nop) RecordReconcile(bool)            {}
func (Nop) RecordMergedEntries(string, int) {}
func (Nop) RecordOtpOutcome(string)         {}

// OrNop returns m, or Nop when m is nil.
func OrNop(m MetricsCollector) MetricsCollector {
	if m == nil {
		return Nop{}
	}
	return m
}
