// Package mock provides an in-memory payment platform for tests and for
// simulated sessions in entitlementctl.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/platform"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Outcome selects how the next Purchase call is answered.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeCancel     Outcome = "cancel"
	OutcomePending    Outcome = "pending"
	OutcomeUnverified Outcome = "unverified"
)

const updateBuffer = 64

var defaultCatalog = map[string]platform.Product{
	licensing.ProductProMonthly:  {ID: licensing.ProductProMonthly, DisplayName: "Pro Monthly", DisplayPrice: "$7.99"},
	licensing.ProductProYearly:   {ID: licensing.ProductProYearly, DisplayName: "Pro Yearly", DisplayPrice: "$59.99"},
	licensing.ProductProLifetime: {ID: licensing.ProductProLifetime, DisplayName: "Pro Lifetime", DisplayPrice: "$149.99"},
	licensing.ProductTeamMonthly: {ID: licensing.ProductTeamMonthly, DisplayName: "Team Monthly", DisplayPrice: "$19.99"},
	licensing.ProductTeamYearly:  {ID: licensing.ProductTeamYearly, DisplayName: "Team Yearly", DisplayPrice: "$179.99"},
}

// Platform is a scriptable payment platform. The zero value is not usable;
// construct with New.
type Platform struct {
	mu sync.Mutex

	entitlements map[string]platform.VerificationResult
	held         []platform.VerificationResult
	catalog      map[string]platform.Product
	finished     map[string]int

	entitlementsErr error
	purchaseErr     error
	restoreErr      error
	productsErr     error
	nextOutcome     Outcome
	deferVisibility bool
	latency         time.Duration
	gate            chan struct{}

	entitlementCalls int
	purchaseCalls    int
	restoreCalls     int

	updates   chan platform.VerificationResult
	closeOnce sync.Once
	nowFn     func() time.Time
}

// Option configures a Platform.
type Option func(*Platform)

// WithClock sets the clock used for purchase and expiry timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Platform) { p.nowFn = now }
}

// WithLatency delays every blocking call by d.
func WithLatency(d time.Duration) Option {
	return func(p *Platform) { p.latency = d }
}

// New creates a platform with the default product catalog and no purchases.
func New(opts ...Option) *Platform {
	p := &Platform{
		entitlements: make(map[string]platform.VerificationResult),
		catalog:      make(map[string]platform.Product, len(defaultCatalog)),
		finished:     make(map[string]int),
		nextOutcome:  OutcomeSuccess,
		updates:      make(chan platform.VerificationResult, updateBuffer),
		nowFn:        time.Now,
	}
	for id, product := range defaultCatalog {
		p.catalog[id] = product
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ platform.Client = (*Platform)(nil)

// NewTransaction builds a transaction for productID purchased now. Subscriptions
// expire one billing period later; unknown products get a month.
func (p *Platform) NewTransaction(productID string) platform.Transaction {
	now := p.nowFn()
	txn := platform.Transaction{
		ID:          ulid.Make().String(),
		ProductID:   productID,
		PurchasedAt: now,
	}

	info, ok := licensing.DefaultMatrix.Product(productID)
	switch {
	case ok && info.IsLifetime():
		txn.IsLifetime = true
	case ok && info.Period == licensing.PeriodYearly:
		expires := now.AddDate(1, 0, 0)
		txn.ExpiresAt = &expires
	default:
		expires := now.AddDate(0, 1, 0)
		txn.ExpiresAt = &expires
	}
	return txn
}

// Grant adds a verified transaction to the current entitlements without
// emitting an update.
func (p *Platform) Grant(txn platform.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entitlements[txn.ID] = platform.Verified{Transaction: txn}
}

// GrantUnverified adds a transaction that fails verification.
func (p *Platform) GrantUnverified(txn platform.Transaction, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entitlements[txn.ID] = platform.Unverified{Transaction: txn, Reason: reason}
}

// Revoke marks a transaction revoked at the current time and emits the update.
func (p *Platform) Revoke(id string) bool {
	p.mu.Lock()
	result, ok := p.entitlements[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	txn := result.Txn()
	revokedAt := p.nowFn()
	txn.RevokedAt = &revokedAt
	updated := withTransaction(result, txn)
	p.entitlements[id] = updated
	p.mu.Unlock()

	p.Emit(updated)
	return true
}

// Emit delivers an update on the stream and makes it part of the current
// entitlements. Emit after Close is dropped.
func (p *Platform) Emit(result platform.VerificationResult) {
	p.mu.Lock()
	p.entitlements[result.Txn().ID] = result
	p.mu.Unlock()

	defer func() {
		if recover() != nil {
			log.Debug().Str("transaction_id", result.Txn().ID).Msg("Mock platform closed; update dropped")
		}
	}()
	p.updates <- result
}

// SetEntitlementsError makes CurrentEntitlements fail with err (nil clears).
func (p *Platform) SetEntitlementsError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entitlementsErr = err
}

// SetPurchaseError makes Purchase fail with err (nil clears).
func (p *Platform) SetPurchaseError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purchaseErr = err
}

// SetRestoreError makes RestoreAll fail with err (nil clears).
func (p *Platform) SetRestoreError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreErr = err
}

// SetProductsError makes Products fail with err (nil clears).
func (p *Platform) SetProductsError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.productsErr = err
}

// SetNextOutcome scripts the answer to every following Purchase call.
func (p *Platform) SetNextOutcome(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextOutcome = o
}

// DeferVisibility holds successful purchases back from CurrentEntitlements
// until Release is called, simulating a platform that takes effect late.
func (p *Platform) DeferVisibility(deferred bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deferVisibility = deferred
}

// Release makes held purchases visible and emits them as updates. It returns
// the number released.
func (p *Platform) Release() int {
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()

	for _, result := range held {
		p.Emit(result)
	}
	return len(held)
}

// CompletePending grants a verified transaction for productID through the
// update stream, as a previously pending purchase would.
func (p *Platform) CompletePending(productID string) platform.Transaction {
	txn := p.NewTransaction(productID)
	p.Emit(platform.Verified{Transaction: txn})
	return txn
}

// Block makes CurrentEntitlements wait until the returned func is called.
func (p *Platform) Block() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// EntitlementCalls returns how many times CurrentEntitlements ran.
func (p *Platform) EntitlementCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entitlementCalls
}

// PurchaseCalls returns how many times Purchase ran.
func (p *Platform) PurchaseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purchaseCalls
}

// RestoreCalls returns how many times RestoreAll ran.
func (p *Platform) RestoreCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restoreCalls
}

// FinishCount returns how many times the transaction was finished.
func (p *Platform) FinishCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished[id]
}

// Close closes the update stream. Safe to call more than once.
func (p *Platform) Close() {
	p.closeOnce.Do(func() {
		close(p.updates)
	})
}

func (p *Platform) CurrentEntitlements(ctx context.Context) ([]platform.VerificationResult, error) {
	p.mu.Lock()
	p.entitlementCalls++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entitlementsErr != nil {
		return nil, p.entitlementsErr
	}

	results := make([]platform.VerificationResult, 0, len(p.entitlements))
	for _, r := range p.entitlements {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Txn().ID < results[j].Txn().ID
	})
	return results, nil
}

func (p *Platform) Updates() <-chan platform.VerificationResult {
	return p.updates
}

func (p *Platform) Purchase(ctx context.Context, productID string) (platform.PurchaseResult, error) {
	p.mu.Lock()
	p.purchaseCalls++
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.purchaseErr != nil {
		return nil, p.purchaseErr
	}
	if _, ok := p.catalog[productID]; !ok {
		return nil, fmt.Errorf("product %s: %w", productID, internalerrors.ErrProductUnavailable)
	}

	switch p.nextOutcome {
	case OutcomeCancel:
		return platform.UserCancelled{}, nil
	case OutcomePending:
		return platform.Pending{}, nil
	case OutcomeUnverified:
		txn := p.NewTransaction(productID)
		result := platform.Unverified{Transaction: txn, Reason: "signature mismatch"}
		p.entitlements[txn.ID] = result
		return platform.Purchased{Result: result}, nil
	default:
		txn := p.NewTransaction(productID)
		result := platform.Verified{Transaction: txn}
		if p.deferVisibility {
			p.held = append(p.held, result)
		} else {
			p.entitlements[txn.ID] = result
		}
		return platform.Purchased{Result: result}, nil
	}
}

func (p *Platform) RestoreAll(ctx context.Context) error {
	p.mu.Lock()
	p.restoreCalls++
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restoreErr
}

func (p *Platform) Finish(_ context.Context, txn platform.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished[txn.ID]++
	return nil
}

func (p *Platform) Products(ctx context.Context, ids []string) ([]platform.Product, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.productsErr != nil {
		return nil, p.productsErr
	}

	products := make([]platform.Product, 0, len(ids))
	for _, id := range ids {
		if product, ok := p.catalog[id]; ok {
			products = append(products, product)
		}
	}
	return products, nil
}

func (p *Platform) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withTransaction(result platform.VerificationResult, txn platform.Transaction) platform.VerificationResult {
	switch r := result.(type) {
	case platform.Unverified:
		return platform.Unverified{Transaction: txn, Reason: r.Reason}
	default:
		return platform.Verified{Transaction: txn}
	}
}
