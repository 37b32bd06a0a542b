// Package quota decides whether the next gated action fits within the current
// tier's rolling-window quota.
package quota

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/usage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// TierSource supplies the tier to gate on.
type TierSource interface {
	CurrentTier() licensing.Tier
}

// Enforcer is the single call site that consults the matrix for quota
// decisions. It keeps no state of its own and only reports; presenting a
// paywall is the caller's business.
type Enforcer struct {
	matrix  licensing.Matrix
	ledgers *usage.LedgerSet
	tiers   TierSource
}

// NewEnforcer creates an enforcer. tiers may be nil when only Check is used.
func NewEnforcer(matrix licensing.Matrix, ledgers *usage.LedgerSet, tiers TierSource) *Enforcer {
	return &Enforcer{matrix: matrix, ledgers: ledgers, tiers: tiers}
}

// Check evaluates the next action on dim for tier. Repeated calls without an
// intervening increment return the same verdict.
func (e *Enforcer) Check(dim licensing.Dimension, tier licensing.Tier) licensing.QuotaCheckResult {
	result := e.evaluate(dim, tier)
	metrics.RecordQuotaCheck(dim, result.Verdict)
	if result.Verdict == licensing.VerdictBlocked {
		log.Info().
			Str("dimension", string(dim)).
			Str("tier", string(tier)).
			Int("usage", result.CurrentUsage).
			Int("limit", *result.Limit).
			Msg("Quota exhausted")
	}
	return result
}

// CheckCurrent evaluates dim for the resolved tier.
func (e *Enforcer) CheckCurrent(dim licensing.Dimension) licensing.QuotaCheckResult {
	return e.Check(dim, e.currentTier())
}

// HasCapability reports whether tier includes capability.
func (e *Enforcer) HasCapability(capability string, tier licensing.Tier) bool {
	return e.matrix.HasCapability(capability, tier)
}

// HasCurrentCapability reports whether the resolved tier includes capability.
func (e *Enforcer) HasCurrentCapability(capability string) bool {
	return e.HasCapability(capability, e.currentTier())
}

func (e *Enforcer) currentTier() licensing.Tier {
	if e.tiers == nil {
		return licensing.TierFree
	}
	return e.tiers.CurrentTier()
}

func (e *Enforcer) evaluate(dim licensing.Dimension, tier licensing.Tier) licensing.QuotaCheckResult {
	limit, limited := e.matrix.LimitFor(dim, tier)
	if !limited {
		return licensing.QuotaCheckResult{
			Allowed:   true,
			Verdict:   licensing.VerdictAllowed,
			Dimension: dim,
		}
	}

	ledger := e.ledgers.Ledger(dim)
	data := ledger.CheckAndMaybeReset()
	used := data.CountThisWindow
	policy := e.matrix.Policy(dim)

	result := licensing.QuotaCheckResult{
		Dimension:    dim,
		CurrentUsage: used,
		Limit:        intPtr(limit),
	}
	resetsAt, started := data.ResetsAt(ledger.Window())
	if started {
		result.ResetsAt = &resetsAt
	}

	remaining := limit - used
	switch {
	case remaining <= 0:
		result.Allowed = false
		result.Verdict = licensing.VerdictBlocked
		result.Remaining = intPtr(0)
		result.Message = blockedMessage(policy.Noun, limit, tier, e.matrix.MinUnlimitedTier(dim))
	case remaining <= policy.WarnThreshold:
		result.Allowed = true
		result.Verdict = licensing.VerdictApproaching
		result.Remaining = intPtr(remaining)
		result.Message = approachingMessage(policy.Noun, limit, remaining)
	default:
		result.Allowed = true
		result.Verdict = licensing.VerdictAllowed
		result.Remaining = intPtr(remaining)
	}
	return result
}

func blockedMessage(noun string, limit int, tier, upgrade licensing.Tier) string {
	msg := fmt.Sprintf("You've used all %d %s included with %s this week.", limit, noun, licensing.GetTierDisplayName(tier))
	if upgrade.Valid() && upgrade.Outranks(tier) {
		msg += fmt.Sprintf(" Upgrade to %s for unlimited %s.", licensing.GetTierDisplayName(upgrade), noun)
	}
	return msg
}

func approachingMessage(noun string, limit, remaining int) string {
	return fmt.Sprintf("You have %d of %d %s left this week.", remaining, limit, noun)
}

func intPtr(v int) *int { return &v }
