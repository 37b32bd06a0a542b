package licensing

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Dimension names a countable resource subject to a rolling-window limit.
type Dimension string

const (
	DimensionExecutions  Dimension = "executions"
	DimensionMemoryItems Dimension = "memory_items"
)

// WindowDuration is the length of every rolling quota window.
const WindowDuration = 7 * 24 * time.Hour

// Limit is the quota for one tier/dimension pair.
type Limit struct {
	Max       int
	Unlimited bool
}

// Limited returns a finite limit of n.
func Limited(n int) Limit { return Limit{Max: n} }

// Unlimited is the limit for dimensions a tier does not meter.
var Unlimited = Limit{Unlimited: true}

// DimensionPolicy describes how a dimension is metered across tiers.
type DimensionPolicy struct {
	// Limits holds one entry per tier. A missing tier is a programming error.
	Limits map[Tier]Limit

	// WarnThreshold is the remaining-count margin at which an approaching
	// warning is attached to an allowed verdict.
	WarnThreshold int

	// Noun is the plural used in user-facing quota messages.
	Noun string
}

// Matrix is the single table mapping tiers to quota limits, capabilities and
// purchasable products.
type Matrix struct {
	Dimensions   map[Dimension]DimensionPolicy
	Capabilities map[Tier][]string
	Products     map[string]ProductInfo
}

// DefaultMatrix is the production table.
var DefaultMatrix = Matrix{
	Dimensions: map[Dimension]DimensionPolicy{
		DimensionExecutions: {
			Limits: map[Tier]Limit{
				TierFree: Limited(25),
				TierPro:  Unlimited,
				TierTeam: Unlimited,
			},
			WarnThreshold: 5,
			Noun:          "executions",
		},
		DimensionMemoryItems: {
			Limits: map[Tier]Limit{
				TierFree: Limited(50),
				TierPro:  Unlimited,
				TierTeam: Unlimited,
			},
			WarnThreshold: 3,
			Noun:          "memory items",
		},
	},
	Capabilities: map[Tier][]string{
		TierFree: freeCapabilities,
		TierPro:  proCapabilities,
		TierTeam: teamCapabilities,
	},
	Products: defaultProducts,
}

// Policy returns the metering policy for a dimension. It panics for an
// undefined dimension.
func (m Matrix) Policy(dim Dimension) DimensionPolicy {
	policy, ok := m.Dimensions[dim]
	if !ok {
		panic(fmt.Sprintf("licensing: undefined quota dimension %q", dim))
	}
	return policy
}

// LimitFor returns the quota for dim on tier. limited is false when the tier is
// unlimited for that dimension. It panics for an undefined pair.
func (m Matrix) LimitFor(dim Dimension, tier Tier) (limit int, limited bool) {
	l, ok := m.Policy(dim).Limits[tier]
	if !ok {
		panic(fmt.Sprintf("licensing: undefined limit for dimension %q tier %q", dim, tier))
	}
	if l.Unlimited {
		return 0, false
	}
	return l.Max, true
}

// WarnThreshold returns the approaching-limit margin for dim.
func (m Matrix) WarnThreshold(dim Dimension) int {
	return m.Policy(dim).WarnThreshold
}

// HasCapability checks if a tier includes a specific capability.
func (m Matrix) HasCapability(capability string, tier Tier) bool {
	for _, c := range m.Capabilities[tier] {
		if c == capability {
			return true
		}
	}
	return false
}

// MinTierFor returns the lowest tier that grants capability, or "" if none does.
func (m Matrix) MinTierFor(capability string) Tier {
	for _, tier := range AllTiers {
		if m.HasCapability(capability, tier) {
			return tier
		}
	}
	return ""
}

// MinUnlimitedTier returns the lowest tier that is unlimited for dim, or "" if none is.
func (m Matrix) MinUnlimitedTier(dim Dimension) Tier {
	for _, tier := range AllTiers {
		if l, ok := m.Policy(dim).Limits[tier]; ok && l.Unlimited {
			return tier
		}
	}
	return ""
}

// Product looks up a product in the registry.
func (m Matrix) Product(productID string) (ProductInfo, bool) {
	p, ok := m.Products[productID]
	return p, ok
}

// ProductIDs returns every registered product ID, sorted.
func (m Matrix) ProductIDs() []string {
	ids := make([]string, 0, len(m.Products))
	for id := range m.Products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DimensionNames returns every metered dimension, sorted.
func (m Matrix) DimensionNames() []Dimension {
	dims := make([]Dimension, 0, len(m.Dimensions))
	for d := range m.Dimensions {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

// Validate checks the table for gaps and drift: every tier must have a limit for
// every dimension and a capability list, higher tiers must never grant less than
// lower ones, and every product must map to a paid tier.
func (m Matrix) Validate() error {
	var errs []error

	for _, dim := range m.DimensionNames() {
		policy := m.Dimensions[dim]
		if policy.WarnThreshold < 0 {
			errs = append(errs, fmt.Errorf("dimension %q: negative warn threshold", dim))
		}
		var prev *Limit
		for _, tier := range AllTiers {
			l, ok := policy.Limits[tier]
			if !ok {
				errs = append(errs, fmt.Errorf("dimension %q: no limit for tier %q", dim, tier))
				continue
			}
			if !l.Unlimited && l.Max < 0 {
				errs = append(errs, fmt.Errorf("dimension %q tier %q: negative limit", dim, tier))
			}
			if prev != nil && limitLess(l, *prev) {
				errs = append(errs, fmt.Errorf("dimension %q: tier %q grants less than the tier below it", dim, tier))
			}
			cur := l
			prev = &cur
		}
	}

	for i, tier := range AllTiers {
		caps, ok := m.Capabilities[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("no capability list for tier %q", tier))
			continue
		}
		if i == 0 {
			continue
		}
		for _, c := range m.Capabilities[AllTiers[i-1]] {
			if !contains(caps, c) {
				errs = append(errs, fmt.Errorf("tier %q is missing capability %q granted by %q", tier, c, AllTiers[i-1]))
			}
		}
	}

	for _, id := range m.ProductIDs() {
		p := m.Products[id]
		if p.ID != id {
			errs = append(errs, fmt.Errorf("product %q registered under key %q", p.ID, id))
		}
		if !p.Tier.Valid() || p.Tier == TierFree {
			errs = append(errs, fmt.Errorf("product %q maps to non-paid tier %q", id, p.Tier))
		}
	}

	return errors.Join(errs...)
}

// ValidateMatrix validates DefaultMatrix.
func ValidateMatrix() error {
	return DefaultMatrix.Validate()
}

func limitLess(a, b Limit) bool {
	if b.Unlimited {
		return !a.Unlimited
	}
	if a.Unlimited {
		return false
	}
	return a.Max < b.Max
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
