// Package platform defines the boundary to the external payment platform. The
// platform is the payment authority; the core only consumes the verified and
// unverified transaction records it yields.
package platform

import (
	"context"
	"time"
)

// Transaction is an entitlement-bearing purchase record.
type Transaction struct {
	ID          string
	ProductID   string
	PurchasedAt time.Time
	ExpiresAt   *time.Time // nil for lifetime purchases
	RevokedAt   *time.Time // set when refunded or revoked
	IsLifetime  bool
}

// ActiveAt reports whether the transaction still grants entitlement at now.
func (t Transaction) ActiveAt(now time.Time) bool {
	if t.RevokedAt != nil && !t.RevokedAt.After(now) {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// VerificationResult is either Verified or Unverified. Switch on the concrete
// type; there are no other implementations.
type VerificationResult interface {
	verificationResult()
	Txn() Transaction
}

// Verified wraps a transaction the platform vouched for.
type Verified struct {
	Transaction Transaction
}

// Unverified wraps a transaction that failed verification, with the reason.
type Unverified struct {
	Transaction Transaction
	Reason      string
}

func (Verified) verificationResult()   {}
func (Unverified) verificationResult() {}

func (v Verified) Txn() Transaction   { return v.Transaction }
func (u Unverified) Txn() Transaction { return u.Transaction }

// PurchaseResult is the platform's answer to a purchase request: Purchased,
// UserCancelled or Pending.
type PurchaseResult interface {
	purchaseResult()
}

// Purchased carries the (possibly unverified) resulting transaction.
type Purchased struct {
	Result VerificationResult
}

// UserCancelled means the user dismissed the purchase sheet.
type UserCancelled struct{}

// Pending means the purchase awaits external approval. The transaction, if
// any, will arrive later on the update stream.
type Pending struct{}

func (Purchased) purchaseResult()     {}
func (UserCancelled) purchaseResult() {}
func (Pending) purchaseResult()       {}

// Product is a purchasable product as reported by the platform.
type Product struct {
	ID           string
	DisplayName  string
	DisplayPrice string
}

// Client is the payment platform. Implementations need not enforce timeouts;
// callers bound every call with a context deadline.
type Client interface {
	// CurrentEntitlements enumerates every entitlement-bearing transaction.
	CurrentEntitlements(ctx context.Context) ([]VerificationResult, error)

	// Updates returns the transaction-update stream. The channel is closed
	// when the platform shuts down.
	Updates() <-chan VerificationResult

	// Purchase submits a purchase. Once submitted the platform owns the
	// transaction; ctx bounds only the wait for the answer.
	Purchase(ctx context.Context, productID string) (PurchaseResult, error)

	// RestoreAll syncs previously purchased transactions.
	RestoreAll(ctx context.Context) error

	// Finish acknowledges a transaction. Safe to call more than once.
	Finish(ctx context.Context, txn Transaction) error

	// Products fetches product metadata for ids.
	Products(ctx context.Context, ids []string) ([]Product, error)
}
