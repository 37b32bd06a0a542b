package licensing

import (
	"errors"
	"fmt"
	"time"
)

// StatusSchemaVersion is the current version of the persisted SubscriptionStatus.
const StatusSchemaVersion = 1

// SubscriptionStatus is the resolved entitlement snapshot. Only the most recent
// one is retained.
type SubscriptionStatus struct {
	Tier Tier `json:"tier"`

	IsActive bool `json:"is_active"`

	// RenewalDate is nil for lifetime purchases and for Free.
	RenewalDate *time.Time `json:"renewal_date,omitempty"`

	// ProductID is the product that granted the tier, empty for Free.
	ProductID string `json:"product_id,omitempty"`

	IsLifetime bool `json:"is_lifetime"`

	LastCheckedAt time.Time `json:"last_checked_at"`

	SchemaVersion int `json:"schema_version"`
}

// FreeStatus returns the least-privileged status, checked at now.
func FreeStatus(now time.Time) SubscriptionStatus {
	return SubscriptionStatus{
		Tier:          TierFree,
		IsActive:      false,
		LastCheckedAt: now,
		SchemaVersion: StatusSchemaVersion,
	}
}

// Validate checks the status invariants.
func (s SubscriptionStatus) Validate() error {
	if !s.Tier.Valid() {
		return fmt.Errorf("unknown tier %q", s.Tier)
	}
	if s.IsLifetime && s.RenewalDate != nil {
		return errors.New("lifetime status must not carry a renewal date")
	}
	if s.Tier == TierFree && s.IsActive {
		return errors.New("free status must not be active")
	}
	return nil
}

// EffectiveTier returns the tier to gate on: inactive statuses gate as Free.
func (s SubscriptionStatus) EffectiveTier() Tier {
	if !s.IsActive {
		return TierFree
	}
	return s.Tier
}

// DaysUntilRenewal returns the number of days until renewal.
// Returns -1 for lifetime or Free.
func (s SubscriptionStatus) DaysUntilRenewal(now time.Time) int {
	if s.RenewalDate == nil {
		return -1
	}
	remaining := s.RenewalDate.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Hours() / 24)
}

// Clone returns a deep copy.
func (s SubscriptionStatus) Clone() SubscriptionStatus {
	cp := s
	if s.RenewalDate != nil {
		t := *s.RenewalDate
		cp.RenewalDate = &t
	}
	return cp
}
