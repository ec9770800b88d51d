package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture gate metrics
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbscan_gate_decisions_total",
			Help: "Total capture gate decisions by result and deny reason",
		},
		[]string{"result", "reason"},
	)

	QuotaResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbscan_quota_resets_total",
			Help: "Total quota resets by trigger",
		},
		[]string{"trigger"}, // scheduled, stale, purchase, manual
	)

	// Inference metrics
	InferenceJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbscan_inference_jobs_total",
			Help: "Total inference jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	InferenceDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carbscan_inference_duration_seconds",
			Help:    "Wall time of inference requests",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		},
	)

	InferenceInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carbscan_inference_in_flight",
			Help: "Inference requests currently running",
		},
	)

	// Entitlement metrics
	EntitlementTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carbscan_entitlement_tier",
			Help: "Currently resolved tier (1 for the active tier, 0 otherwise)",
		},
		[]string{"tier"},
	)

	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbscan_transactions_total",
			Help: "Ledger transactions observed by result",
		},
		[]string{"result"}, // finished, unverified, finish_failed
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbscan_notifications_total",
			Help: "Notification decisions by identifier and action",
		},
		[]string{"identifier", "action"}, // delivered, suppressed, failed, withdrawn
	)
)

var knownTiers = []string{"undetermined", "none", "trial", "standard", "unlimited"}

// RecordGateDecision records a permit or deny from the capture gate
func RecordGateDecision(allowed bool, reason string) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	GateDecisionsTotal.WithLabelValues(result, reason).Inc()
}

// RecordQuotaReset records a quota counter reset
func RecordQuotaReset(trigger string) {
	QuotaResetsTotal.WithLabelValues(trigger).Inc()
}

// RecordInference records a finished inference request
func RecordInference(outcome string, duration time.Duration) {
	InferenceJobsTotal.WithLabelValues(outcome).Inc()
	InferenceDurationSeconds.Observe(duration.Seconds())
}

// RecordTier marks tier as the active one
func RecordTier(tier string) {
	for _, t := range knownTiers {
		value := 0.0
		if t == tier {
			value = 1
		}
		EntitlementTier.WithLabelValues(t).Set(value)
	}
}

// RecordTransaction records a ledger transaction result
func RecordTransaction(result string) {
	TransactionsTotal.WithLabelValues(result).Inc()
}

// RecordNotification records a notifier decision
func RecordNotification(identifier, action string) {
	NotificationsTotal.WithLabelValues(identifier, action).Inc()
}
