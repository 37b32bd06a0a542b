// Package licensing defines the shared tier, capability and quota contracts.
//
// Everything that needs to know what a tier grants consults the Matrix in this
// package. Host applications can depend on it without importing internal packages.
package licensing

import "sort"

// Capability flags gate whole features rather than counted usage.
const (
	// Free tier capabilities. Reviewing existing drafts is never gated.
	CapabilityReviewDrafts = "review_drafts"

	// Pro tier capabilities (everything in Free, plus:)
	CapabilityCalendarSync      = "calendar_sync"      // Write approved tasks to the calendar
	CapabilityReminderSync      = "reminder_sync"      // Write approved tasks to reminders
	CapabilityPriorityExecution = "priority_execution" // Skip the shared execution queue

	// Team tier capabilities (everything in Pro, plus:)
	CapabilityTeamWorkspace   = "team_workspace"
	CapabilitySharedTemplates = "shared_templates"
)

// Tier represents a subscription tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

// AllTiers lists every tier in ascending precedence.
var AllTiers = []Tier{TierFree, TierPro, TierTeam}

var tierRank = map[Tier]int{
	TierFree: 0,
	TierPro:  1,
	TierTeam: 2,
}

// Rank returns the precedence of the tier. Unknown tiers rank below Free.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// Outranks reports whether t has strictly higher precedence than other.
func (t Tier) Outranks(other Tier) bool {
	return t.Rank() > other.Rank()
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// MaxTier returns the highest-precedence tier of the arguments, or Free when empty.
func MaxTier(tiers ...Tier) Tier {
	best := TierFree
	for _, t := range tiers {
		if t.Outranks(best) {
			best = t
		}
	}
	return best
}

var freeCapabilities = []string{
	CapabilityReviewDrafts,
}

var proCapabilities = appendCapabilities(freeCapabilities,
	CapabilityCalendarSync,
	CapabilityReminderSync,
	CapabilityPriorityExecution,
)

var teamCapabilities = appendCapabilities(proCapabilities,
	CapabilityTeamWorkspace,
	CapabilitySharedTemplates,
)

// appendCapabilities returns a new slice with extra capabilities appended (no mutation).
func appendCapabilities(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// AllCapabilities returns every capability any tier can grant, sorted.
func AllCapabilities() []string {
	out := append([]string(nil), teamCapabilities...)
	sort.Strings(out)
	return out
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierFree:
		return "Free"
	case TierPro:
		return "Pro"
	case TierTeam:
		return "Team"
	default:
		return "Unknown"
	}
}

// GetCapabilityDisplayName returns a human-readable name for a capability.
func GetCapabilityDisplayName(capability string) string {
	switch capability {
	case CapabilityReviewDrafts:
		return "Review Drafts"
	case CapabilityCalendarSync:
		return "Calendar Sync"
	case CapabilityReminderSync:
		return "Reminder Sync"
	case CapabilityPriorityExecution:
		return "Priority Execution"
	case CapabilityTeamWorkspace:
		return "Team Workspace"
	case CapabilitySharedTemplates:
		return "Shared Templates"
	default:
		return capability
	}
}
