package licensing

import "time"

// Verdict classifies a quota check.
type Verdict string

const (
	VerdictAllowed     Verdict = "allowed"
	VerdictApproaching Verdict = "approaching"
	VerdictBlocked     Verdict = "blocked"
)

// QuotaCheckResult is the outcome of a quota check. It is never persisted.
type QuotaCheckResult struct {
	Allowed      bool       `json:"allowed"`
	Verdict      Verdict    `json:"verdict"`
	Dimension    Dimension  `json:"dimension"`
	CurrentUsage int        `json:"current_usage"`
	Limit        *int       `json:"limit,omitempty"`     // nil = unlimited
	Remaining    *int       `json:"remaining,omitempty"` // nil = unlimited
	ResetsAt     *time.Time `json:"resets_at,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// IsUnlimited reports whether the result carries no limit.
func (r QuotaCheckResult) IsUnlimited() bool {
	return r.Limit == nil
}
