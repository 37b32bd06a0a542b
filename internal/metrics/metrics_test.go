package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

func TestRecordResolutionSetsTierGauge(t *testing.T) {
	before := testutil.ToFloat64(ResolutionsTotal.WithLabelValues(OutcomeResolved, string(licensing.TierTeam)))

	RecordResolution(OutcomeResolved, licensing.TierTeam)

	assert.Equal(t, before+1, testutil.ToFloat64(ResolutionsTotal.WithLabelValues(OutcomeResolved, string(licensing.TierTeam))))
	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentTier.WithLabelValues(string(licensing.TierTeam))))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentTier.WithLabelValues(string(licensing.TierPro))))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentTier.WithLabelValues(string(licensing.TierFree))))

	RecordResolution(OutcomeFailClosed, licensing.TierFree)
	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentTier.WithLabelValues(string(licensing.TierFree))))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentTier.WithLabelValues(string(licensing.TierTeam))))
}

func TestCounters(t *testing.T) {
	unverified := testutil.ToFloat64(UnverifiedTransactionsTotal)
	RecordUnverified()
	assert.Equal(t, unverified+1, testutil.ToFloat64(UnverifiedTransactionsTotal))

	checks := QuotaChecksTotal.WithLabelValues(string(licensing.DimensionExecutions), string(licensing.VerdictBlocked))
	before := testutil.ToFloat64(checks)
	RecordQuotaCheck(licensing.DimensionExecutions, licensing.VerdictBlocked)
	assert.Equal(t, before+1, testutil.ToFloat64(checks))

	increments := UsageIncrementsTotal.WithLabelValues(string(licensing.DimensionMemoryItems))
	before = testutil.ToFloat64(increments)
	RecordUsageIncrement(licensing.DimensionMemoryItems)
	assert.Equal(t, before+1, testutil.ToFloat64(increments))

	outcomes := PurchaseOutcomesTotal.WithLabelValues("restore", string(licensing.PurchaseIdle))
	before = testutil.ToFloat64(outcomes)
	RecordPurchaseOutcome("restore", licensing.PurchaseIdle)
	assert.Equal(t, before+1, testutil.ToFloat64(outcomes))

	events := ListenerEventsTotal.WithLabelValues("processed")
	before = testutil.ToFloat64(events)
	RecordListenerEvent("processed")
	assert.Equal(t, before+1, testutil.ToFloat64(events))
}
