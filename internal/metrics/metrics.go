// Package metrics exposes Prometheus collectors for canister calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portal"

// Call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeApplication = "application_error"
	OutcomeRateLimited = "rate_limited"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

type Metrics struct {
	Calls            *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	RateLimitDenials *prometheus.CounterVec
	Timeouts         prometheus.Counter
	CallDuration     *prometheus.HistogramVec
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Canister calls by outcome.",
			},
			[]string{"canister", "method", "outcome"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried attempts by operation.",
			},
			[]string{"op"},
		),
		RateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Calls refused by the local rate limiter.",
			},
			[]string{"class"},
		),
		Timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_timeouts_total",
				Help:      "Calls abandoned after the overall timeout.",
			},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Canister call duration in seconds, retries included.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"canister", "method"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.Retries, m.RateLimitDenials, m.Timeouts, m.CallDuration)
	}
	return m
}

// RecordCall is safe on a nil receiver.
func (m *Metrics) RecordCall(canister, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(canister, method, outcome).Inc()
	m.CallDuration.WithLabelValues(canister, method).Observe(duration.Seconds())
	if outcome == OutcomeTimeout {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordRateLimitDenial(class string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(class).Inc()
}
