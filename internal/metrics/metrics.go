// Package metrics exposes Prometheus collectors for entitlement resolution,
// quota enforcement and purchase flows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

var (
	// Resolution metrics
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_resolutions_total",
			Help: "Total entitlement resolution passes by outcome and resolved tier",
		},
		[]string{"outcome", "tier"}, // resolved, fail_closed, cache
	)

	UnverifiedTransactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlement_unverified_transactions_total",
			Help: "Total number of transactions discarded because they failed verification",
		},
	)

	CurrentTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entitlement_current_tier",
			Help: "1 for the currently resolved tier, 0 otherwise",
		},
		[]string{"tier"},
	)

	ListenerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_listener_events_total",
			Help: "Total transaction-update events handled by the listener by result",
		},
		[]string{"result"}, // processed, finish_failed, panic
	)

	// Quota metrics
	QuotaChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_quota_checks_total",
			Help: "Total quota checks by dimension and verdict",
		},
		[]string{"dimension", "verdict"},
	)

	UsageIncrementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_usage_increments_total",
			Help: "Total usage increments recorded by dimension",
		},
		[]string{"dimension"},
	)

	// Purchase metrics
	PurchaseOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_purchase_outcomes_total",
			Help: "Total purchase and restore flows by flow and final state",
		},
		[]string{"flow", "state"}, // flow: purchase, restore
	)
)

// Resolution outcomes.
const (
	OutcomeResolved   = "resolved"
	OutcomeFailClosed = "fail_closed"
	OutcomeCache      = "cache"
)

// RecordResolution records a completed resolution pass and updates the tier gauge.
func RecordResolution(outcome string, tier licensing.Tier) {
	ResolutionsTotal.WithLabelValues(outcome, string(tier)).Inc()
	for _, t := range licensing.AllTiers {
		value := 0.0
		if t == tier {
			value = 1
		}
		CurrentTier.WithLabelValues(string(t)).Set(value)
	}
}

// RecordUnverified records a discarded unverified transaction.
func RecordUnverified() {
	UnverifiedTransactionsTotal.Inc()
}

// RecordListenerEvent records one handled update event.
func RecordListenerEvent(result string) {
	ListenerEventsTotal.WithLabelValues(result).Inc()
}

// RecordQuotaCheck records a quota verdict.
func RecordQuotaCheck(dim licensing.Dimension, verdict licensing.Verdict) {
	QuotaChecksTotal.WithLabelValues(string(dim), string(verdict)).Inc()
}

// RecordUsageIncrement records a usage increment.
func RecordUsageIncrement(dim licensing.Dimension) {
	UsageIncrementsTotal.WithLabelValues(string(dim)).Inc()
}

// RecordPurchaseOutcome records the state a purchase or restore flow ended in.
func RecordPurchaseOutcome(flow string, state licensing.PurchaseStateKind) {
	PurchaseOutcomesTotal.WithLabelValues(flow, string(state)).Inc()
}
