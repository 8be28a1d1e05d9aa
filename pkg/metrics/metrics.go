package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvitationOutcomes counts per-recipient invitation outcomes by result
	// (sent|email.invalid|email.domain.not.allowed|user.ambiguous|error).
	InvitationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonegate_invitation_outcomes_total",
			Help: "Total number of per-recipient invitation outcomes",
		},
		[]string{"result"},
	)

	// CodesIssued counts expiring codes issued by intent.
	CodesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonegate_codes_issued_total",
			Help: "Total number of expiring codes issued",
		},
		[]string{"intent"},
	)

	// CodesRedeemed counts redemption attempts by result
	// (success|not_found|expired|intent_mismatch).
	CodesRedeemed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonegate_codes_redeemed_total",
			Help: "Total number of expiring code redemption attempts",
		},
		[]string{"result"},
	)

	// CodesPurged counts expired codes removed by the maintenance sweep.
	CodesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zonegate_codes_purged_total",
			Help: "Total number of expired codes removed by cleanup",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zonegate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
