package licensing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierPrecedence(t *testing.T) {
	assert.True(t, TierTeam.Outranks(TierPro))
	assert.True(t, TierPro.Outranks(TierFree))
	assert.False(t, TierFree.Outranks(TierFree))
	assert.False(t, Tier("gold").Valid())
	assert.True(t, TierFree.Outranks(Tier("gold")))

	assert.Equal(t, TierTeam, MaxTier(TierPro, TierTeam, TierFree))
	assert.Equal(t, TierFree, MaxTier())
}

func TestDefaultMatrixLimits(t *testing.T) {
	tests := []struct {
		dim         Dimension
		tier        Tier
		wantLimit   int
		wantLimited bool
	}{
		{DimensionExecutions, TierFree, 25, true},
		{DimensionExecutions, TierPro, 0, false},
		{DimensionExecutions, TierTeam, 0, false},
		{DimensionMemoryItems, TierFree, 50, true},
		{DimensionMemoryItems, TierPro, 0, false},
		{DimensionMemoryItems, TierTeam, 0, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.dim)+"_"+string(tt.tier), func(t *testing.T) {
			limit, limited := DefaultMatrix.LimitFor(tt.dim, tt.tier)
			assert.Equal(t, tt.wantLimited, limited)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}

	assert.Equal(t, 5, DefaultMatrix.WarnThreshold(DimensionExecutions))
	assert.Equal(t, 3, DefaultMatrix.WarnThreshold(DimensionMemoryItems))
	assert.Equal(t, TierPro, DefaultMatrix.MinUnlimitedTier(DimensionExecutions))
}

func TestMatrixUndefinedPairPanics(t *testing.T) {
	assert.Panics(t, func() { DefaultMatrix.LimitFor(Dimension("storage_gb"), TierFree) })
	assert.Panics(t, func() { DefaultMatrix.LimitFor(DimensionExecutions, Tier("gold")) })
}

func TestMatrixCapabilities(t *testing.T) {
	for _, tier := range AllTiers {
		assert.True(t, DefaultMatrix.HasCapability(CapabilityReviewDrafts, tier), "review must never be gated for %s", tier)
	}
	assert.False(t, DefaultMatrix.HasCapability(CapabilityCalendarSync, TierFree))
	assert.True(t, DefaultMatrix.HasCapability(CapabilityCalendarSync, TierPro))
	assert.False(t, DefaultMatrix.HasCapability(CapabilityTeamWorkspace, TierPro))
	assert.True(t, DefaultMatrix.HasCapability(CapabilityTeamWorkspace, TierTeam))

	assert.Equal(t, TierPro, DefaultMatrix.MinTierFor(CapabilityReminderSync))
	assert.Equal(t, TierTeam, DefaultMatrix.MinTierFor(CapabilitySharedTemplates))
	assert.Equal(t, Tier(""), DefaultMatrix.MinTierFor("time_travel"))
	assert.Len(t, AllCapabilities(), 6)
}

func TestMatrixProducts(t *testing.T) {
	p, ok := DefaultMatrix.Product(ProductProLifetime)
	require.True(t, ok)
	assert.Equal(t, TierPro, p.Tier)
	assert.True(t, p.IsLifetime())

	p, ok = DefaultMatrix.Product(ProductTeamMonthly)
	require.True(t, ok)
	assert.Equal(t, TierTeam, p.Tier)
	assert.False(t, p.IsLifetime())

	_, ok = DefaultMatrix.Product("app.tiergate.unknown")
	assert.False(t, ok)
	assert.Len(t, DefaultMatrix.ProductIDs(), 5)
}

func TestValidateMatrix(t *testing.T) {
	require.NoError(t, ValidateMatrix())
}

func TestValidateMatrixDetectsDrift(t *testing.T) {
	broken := Matrix{
		Dimensions: map[Dimension]DimensionPolicy{
			DimensionExecutions: {
				Limits: map[Tier]Limit{
					TierFree: Limited(25),
					TierPro:  Limited(10), // lower than Free
				},
				WarnThreshold: 5,
			},
		},
		Capabilities: map[Tier][]string{
			TierFree: {CapabilityReviewDrafts},
			TierPro:  {CapabilityCalendarSync},
			TierTeam: {CapabilityReviewDrafts, CapabilityCalendarSync},
		},
		Products: map[string]ProductInfo{
			"free.thing": {ID: "free.thing", Tier: TierFree, Period: PeriodMonthly},
		},
	}

	err := broken.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `no limit for tier "team"`)
	assert.Contains(t, msg, `tier "pro" grants less than the tier below it`)
	assert.Contains(t, msg, `tier "pro" is missing capability "review_drafts"`)
	assert.Contains(t, msg, `maps to non-paid tier "free"`)
}

func TestDisplayNames(t *testing.T) {
	assert.Equal(t, "Team", GetTierDisplayName(TierTeam))
	assert.Equal(t, "Unknown", GetTierDisplayName(Tier("x")))
	assert.Equal(t, "Calendar Sync", GetCapabilityDisplayName(CapabilityCalendarSync))
	assert.Equal(t, "custom", GetCapabilityDisplayName("custom"))
}
