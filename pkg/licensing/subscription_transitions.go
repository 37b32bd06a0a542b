package licensing

import (
	"fmt"
	"slices"
)

// PurchaseStateKind names a state of the purchase flow.
type PurchaseStateKind string

const (
	PurchaseIdle       PurchaseStateKind = "idle"
	PurchasePurchasing PurchaseStateKind = "purchasing"
	PurchaseRestoring  PurchaseStateKind = "restoring"
	PurchaseSuccess    PurchaseStateKind = "success"
	PurchaseFailed     PurchaseStateKind = "failed"
	PurchaseCancelled  PurchaseStateKind = "cancelled"
)

// PurchaseState is the purchase flow state observed by the UI. ProductID is set
// only for Success, Message only for Failed.
type PurchaseState struct {
	Kind      PurchaseStateKind `json:"kind"`
	ProductID string            `json:"product_id,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Idle returns the idle state.
func Idle() PurchaseState { return PurchaseState{Kind: PurchaseIdle} }

// Purchasing returns the purchasing state.
func Purchasing() PurchaseState { return PurchaseState{Kind: PurchasePurchasing} }

// Restoring returns the restoring state.
func Restoring() PurchaseState { return PurchaseState{Kind: PurchaseRestoring} }

// Succeeded returns the success state for productID.
func Succeeded(productID string) PurchaseState {
	return PurchaseState{Kind: PurchaseSuccess, ProductID: productID}
}

// Failed returns the failed state with a user-facing message.
func Failed(message string) PurchaseState {
	return PurchaseState{Kind: PurchaseFailed, Message: message}
}

// Cancelled returns the user-cancelled state. It carries no message.
func Cancelled() PurchaseState { return PurchaseState{Kind: PurchaseCancelled} }

// InFlight reports whether a platform request is outstanding.
func (s PurchaseState) InFlight() bool {
	return s.Kind == PurchasePurchasing || s.Kind == PurchaseRestoring
}

// Terminal reports whether the state is an outcome awaiting acknowledgement.
func (s PurchaseState) Terminal() bool {
	return s.Kind == PurchaseSuccess || s.Kind == PurchaseFailed || s.Kind == PurchaseCancelled
}

func (s PurchaseState) String() string {
	switch s.Kind {
	case PurchaseSuccess:
		return fmt.Sprintf("success(%s)", s.ProductID)
	case PurchaseFailed:
		return fmt.Sprintf("failed(%s)", s.Message)
	default:
		return string(s.Kind)
	}
}

// Transition represents a valid state transition.
type Transition struct {
	From PurchaseStateKind
	To   PurchaseStateKind
}

// validTransitions defines all allowed purchase flow transitions.
var validTransitions = map[Transition]bool{
	{PurchaseIdle, PurchasePurchasing}:      true, // Purchase requested
	{PurchaseIdle, PurchaseRestoring}:       true, // Restore requested
	{PurchasePurchasing, PurchaseSuccess}:   true, // Entitlement observed after purchase
	{PurchasePurchasing, PurchaseFailed}:    true,
	{PurchasePurchasing, PurchaseCancelled}: true, // User backed out
	{PurchasePurchasing, PurchaseIdle}:      true, // Pending, or entitlement not yet visible
	{PurchaseRestoring, PurchaseSuccess}:    true,
	{PurchaseRestoring, PurchaseIdle}:       true, // Nothing to restore
	{PurchaseRestoring, PurchaseFailed}:     true,
	{PurchaseSuccess, PurchaseIdle}:         true, // Acknowledged
	{PurchaseFailed, PurchaseIdle}:          true,
	{PurchaseCancelled, PurchaseIdle}:       true,
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to PurchaseStateKind) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from PurchaseStateKind) []PurchaseStateKind {
	targets := make([]PurchaseStateKind, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(targets)
	return targets
}
