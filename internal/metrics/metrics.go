// Package metrics exposes Prometheus instruments for PIN checks and relay dispatch.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PIN verification results.
const (
	PinOK       = "ok"
	PinMismatch = "mismatch"
	PinLocked   = "locked"
	PinNoPin    = "no_pin"
)

// Dispatch outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Metrics groups the service instruments.
type Metrics struct {
	pinVerifications *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	recovered        prometheus.Counter
	submitSeconds    prometheus.Histogram
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pinVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletrelay",
			Name:      "pin_verifications_total",
			Help:      "PIN verification attempts by result.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletrelay",
			Name:      "relay_dispatch_total",
			Help:      "Relay dispatch attempts by outcome.",
		}, []string{"outcome"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletrelay",
			Name:      "queue_recovered_total",
			Help:      "Entries failed back from an abandoned SENDING claim.",
		}),
		submitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "walletrelay",
			Name:      "relay_submit_seconds",
			Help:      "Latency of relay submissions.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pinVerifications, m.dispatches, m.recovered, m.submitSeconds)
	}
	return m
}

// PinVerification counts one PIN check.
func (m *Metrics) PinVerification(result string) {
	if m == nil {
		return
	}
	m.pinVerifications.WithLabelValues(result).Inc()
}

// Dispatch counts one dispatch outcome.
func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// Recovered counts entries released by stuck recovery.
func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}

// ObserveSubmit records the duration of a relay submission.
func (m *Metrics) ObserveSubmit(d time.Duration) {
	if m == nil {
		return
	}
	m.submitSeconds.Observe(d.Seconds())
}
