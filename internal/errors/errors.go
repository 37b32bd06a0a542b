package errors

import (
	"errors"
	"fmt"
	"time"
)

// Platform failure causes. Platform clients wrap these so the core can classify
// failures without knowing the platform's own error types.
var (
	ErrNetwork            = errors.New("payment platform unreachable")
	ErrPaymentDeclined    = errors.New("payment declined")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrRegionRestricted   = errors.New("product not available in region")
	ErrNotAllowed         = errors.New("purchases not allowed on this device")
	ErrVerification       = errors.New("transaction could not be verified")
)

// Taxonomy sentinels, matched via errors.Is against *CoreError.
var (
	ErrVerificationFailure = errors.New("verification failure")
	ErrPlatformUnavailable = errors.New("platform unavailable")
	ErrPurchaseCancelled   = errors.New("purchase cancelled")
	ErrPurchaseFailed      = errors.New("purchase failed")
	ErrRestoreFailed       = errors.New("restore failed")
	ErrPersistence         = errors.New("persistence failure")
)

// Kind represents the category of error
type Kind string

const (
	KindVerification        Kind = "verification"
	KindPlatformUnavailable Kind = "platform_unavailable"
	KindPurchaseCancelled   Kind = "purchase_cancelled"
	KindPurchaseFailed      Kind = "purchase_failed"
	KindRestoreFailed       Kind = "restore_failed"
	KindPersistence         Kind = "persistence"
)

// CoreError is a structured error for entitlement and purchase operations
type CoreError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "enumerate_entitlements", "purchase")
	Subject   string // Product or dimension involved, if any
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *CoreError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *CoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrVerificationFailure:
		return e.Kind == KindVerification
	case ErrPlatformUnavailable:
		return e.Kind == KindPlatformUnavailable
	case ErrPurchaseCancelled:
		return e.Kind == KindPurchaseCancelled
	case ErrPurchaseFailed:
		return e.Kind == KindPurchaseFailed
	case ErrRestoreFailed:
		return e.Kind == KindRestoreFailed
	case ErrPersistence:
		return e.Kind == KindPersistence
	}

	return errors.Is(e.Err, target)
}

// New creates a new CoreError
func New(kind Kind, op, subject string, err error) *CoreError {
	return &CoreError{
		Kind:      kind,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Helper functions

// WrapPlatform wraps an error returned while talking to the payment platform.
func WrapPlatform(op string, err error) error {
	return New(KindPlatformUnavailable, op, "", err)
}

// WrapPurchase wraps a purchase failure for productID.
func WrapPurchase(productID string, err error) error {
	return New(KindPurchaseFailed, "purchase", productID, err)
}

// WrapRestore wraps a restore failure.
func WrapRestore(err error) error {
	return New(KindRestoreFailed, "restore", "", err)
}

// WrapPersistence wraps a storage failure for key.
func WrapPersistence(op, key string, err error) error {
	return New(KindPersistence, op, key, err)
}

// IsOffline reports whether err means the platform could not be reached at all.
func IsOffline(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// KindOf returns the Kind of the first CoreError in err's chain, or "".
func KindOf(err error) Kind {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ""
}
