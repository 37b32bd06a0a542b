package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	internalerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/platform"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// DefaultPlatformTimeout bounds each platform call made by the resolver.
const DefaultPlatformTimeout = 30 * time.Second

const resolveKey = "resolve"

// State is the resolver lifecycle state.
type State string

const (
	StateUnresolved State = "unresolved"
	StateResolving  State = "resolving"
	StateResolved   State = "resolved"
)

// Source says where the current status came from.
type Source string

const (
	// SourceCache is the persisted snapshot, not yet confirmed this process.
	SourceCache Source = "cache"
	// SourcePlatform is a completed resolution against the platform.
	SourcePlatform Source = "platform"
	// SourceFailClosed is the Free status substituted after a failed pass.
	SourceFailClosed Source = "fail_closed"
	// SourceDefault is Free before anything was loaded or resolved.
	SourceDefault Source = "default"
)

// Discard describes a transaction that did not contribute to the status.
type Discard struct {
	TransactionID string
	ProductID     string
	Reason        string
	Unverified    bool
}

// Resolver computes the current SubscriptionStatus. All passes are serialized;
// concurrent Refresh callers share the in-flight pass.
type Resolver struct {
	client  platform.Client
	store   *Store
	matrix  licensing.Matrix
	nowFn   func() time.Time
	timeout time.Duration
	logger  zerolog.Logger

	group  singleflight.Group
	passMu sync.Mutex

	mu        sync.RWMutex
	state     State
	status    licensing.SubscriptionStatus
	source    Source
	hasCache  bool
	attempted bool
	confirmed bool
	observers []func(licensing.SubscriptionStatus)

	// observed holds the transactions that bore entitlement in the last
	// completed platform pass.
	observed map[string]struct{}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the resolver clock.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.nowFn = now }
}

// WithMatrix overrides the tier matrix.
func WithMatrix(m licensing.Matrix) ResolverOption {
	return func(r *Resolver) { r.matrix = m }
}

// WithPlatformTimeout bounds each platform call.
func WithPlatformTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver. The persisted snapshot, if any, becomes the
// initial status so callers have something to show before the first refresh.
func NewResolver(client platform.Client, store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:  client,
		store:   store,
		matrix:  licensing.DefaultMatrix,
		nowFn:   time.Now,
		timeout: DefaultPlatformTimeout,
		state:   StateUnresolved,
		source:  SourceDefault,
		logger:  logging.New("entitlement"),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.status = licensing.FreeStatus(r.nowFn())
	if cached, ok := store.Load(); ok {
		r.status = cached
		r.source = SourceCache
		r.hasCache = true
	}
	return r
}

// CurrentStatus returns the latest status. Before the first completed pass it
// is the persisted snapshot (or Free); check Confirmed before gating on it.
func (r *Resolver) CurrentStatus() licensing.SubscriptionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Clone()
}

// CurrentTier returns the tier to gate on. Until the status is confirmed it
// is Free, even when a persisted snapshot says otherwise.
func (r *Resolver) CurrentTier() licensing.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.confirmed {
		return licensing.TierFree
	}
	return r.status.EffectiveTier()
}

// State returns the lifecycle state.
func (r *Resolver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Source returns where the current status came from.
func (r *Resolver) Source() Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// Confirmed reports whether the current status may be used for gating: a pass
// completed this process (possibly failing closed), or the platform was
// offline at launch and the persisted snapshot stands.
func (r *Resolver) Confirmed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.confirmed
}

// Reflects reports whether the last completed pass against the platform saw
// transactionID as a verified, active transaction for a registered product.
func (r *Resolver) Reflects(transactionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.observed[transactionID]
	return ok
}

// OnChange registers fn to be called after the entitlement changes. Callbacks
// run on the resolving goroutine and must not call Refresh.
func (r *Resolver) OnChange(fn func(licensing.SubscriptionStatus)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// RefreshOnLaunch runs the start-of-process resolution.
func (r *Resolver) RefreshOnLaunch(ctx context.Context) licensing.SubscriptionStatus {
	return r.Refresh(ctx)
}

// Refresh resolves against the platform's current entitlements. If a pass is
// already running the caller waits for its result instead of starting another.
// When ctx ends first the current status is returned; the pass continues.
func (r *Resolver) Refresh(ctx context.Context) licensing.SubscriptionStatus {
	return r.do(ctx)
}

// ForceRefresh starts a new pass even if one is in flight, so the result
// reflects platform state observed after the call. Passes still run one at a
// time.
func (r *Resolver) ForceRefresh(ctx context.Context) licensing.SubscriptionStatus {
	r.group.Forget(resolveKey)
	return r.do(ctx)
}

func (r *Resolver) do(ctx context.Context) licensing.SubscriptionStatus {
	passCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(resolveKey, func() (interface{}, error) {
		return r.pass(passCtx), nil
	})

	select {
	case res := <-ch:
		return res.Val.(licensing.SubscriptionStatus)
	case <-ctx.Done():
		return r.CurrentStatus()
	}
}

// ResolveFromCurrentEntitlements resolves from an already-enumerated set of
// transactions and commits the result.
func (r *Resolver) ResolveFromCurrentEntitlements(ctx context.Context, results []platform.VerificationResult) licensing.SubscriptionStatus {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	r.beginPass()
	return r.commit(results, r.passLogger(ctx))
}

func (r *Resolver) pass(ctx context.Context) licensing.SubscriptionStatus {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	ctx = withPassTrace(ctx)
	logger := r.passLogger(ctx)
	firstPass := r.beginPass()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	results, err := r.enumerate(callCtx)
	cancel()
	if err != nil {
		return r.failClosed(err, firstPass, logger)
	}
	return r.commit(results, logger)
}

// withPassTrace gives ctx a trace ID unless the caller already carries one,
// so a pass triggered by a transaction update logs under the update's ID.
func withPassTrace(ctx context.Context) context.Context {
	if logging.TraceID(ctx) != "" {
		return ctx
	}
	ctx, _ = logging.WithTraceID(ctx, "")
	return ctx
}

func (r *Resolver) passLogger(ctx context.Context) zerolog.Logger {
	return logging.FromContext(withPassTrace(ctx), r.logger)
}

// beginPass moves to Resolving and reports whether this is the first pass of
// the process.
func (r *Resolver) beginPass() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := !r.attempted
	r.attempted = true
	r.state = StateResolving
	return first
}

func (r *Resolver) enumerate(ctx context.Context) (results []platform.VerificationResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("platform panic: %v", p)
		}
	}()
	return r.client.CurrentEntitlements(ctx)
}

func (r *Resolver) commit(results []platform.VerificationResult, logger zerolog.Logger) licensing.SubscriptionStatus {
	status, discards := Evaluate(r.matrix, results, r.nowFn())

	for _, d := range discards {
		event := logger.Debug()
		if d.Unverified {
			metrics.RecordUnverified()
			event = logger.Warn()
		} else if d.Reason == reasonUnknownProduct {
			event = logger.Warn()
		}
		event.
			Str("transaction_id", d.TransactionID).
			Str("product_id", d.ProductID).
			Str("reason", d.Reason).
			Msg("Transaction does not contribute to entitlement")
	}

	r.setObserved(contributing(results, discards))

	if err := r.store.Save(status); err != nil {
		logger.Error().Err(err).Msg("Failed to persist entitlement snapshot")
	}

	changed := r.apply(status, SourcePlatform, true)
	metrics.RecordResolution(metrics.OutcomeResolved, status.Tier)
	logger.Info().
		Str("tier", string(status.Tier)).
		Bool("active", status.IsActive).
		Str("product_id", status.ProductID).
		Bool("lifetime", status.IsLifetime).
		Int("transactions", len(results)).
		Msg("Entitlement resolved")

	if changed {
		r.notify(status)
	}
	return status.Clone()
}

func (r *Resolver) failClosed(err error, firstPass bool, logger zerolog.Logger) licensing.SubscriptionStatus {
	wrapped := internalerrors.WrapPlatform("enumerate_entitlements", err)
	offline := internalerrors.IsOffline(err) || errors.Is(err, context.DeadlineExceeded)

	r.setObserved(nil)

	r.mu.RLock()
	useCache := firstPass && offline && r.hasCache
	cached := r.status.Clone()
	r.mu.RUnlock()

	if useCache {
		r.apply(cached, SourceCache, true)
		metrics.RecordResolution(metrics.OutcomeCache, cached.Tier)
		logger.Warn().
			Err(wrapped).
			Str("tier", string(cached.Tier)).
			Msg("Payment platform unreachable at launch; using persisted entitlement")
		return cached
	}

	// Held in memory only: the durable snapshot keeps the last verified result.
	status := licensing.FreeStatus(r.nowFn())
	changed := r.apply(status, SourceFailClosed, true)
	metrics.RecordResolution(metrics.OutcomeFailClosed, status.Tier)
	logger.Error().Err(wrapped).Str("error_kind", string(internalerrors.KindOf(wrapped))).Msg("Entitlement resolution failed; falling back to Free")

	if changed {
		r.notify(status)
	}
	return status.Clone()
}

func (r *Resolver) setObserved(ids map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = ids
}

// apply installs status and reports whether the entitlement changed.
func (r *Resolver) apply(status licensing.SubscriptionStatus, source Source, confirmed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := !sameEntitlement(r.status, status)
	r.status = status.Clone()
	r.source = source
	r.state = StateResolved
	if confirmed {
		r.confirmed = true
	}
	return changed
}

func (r *Resolver) notify(status licensing.SubscriptionStatus) {
	r.mu.RLock()
	observers := append([]func(licensing.SubscriptionStatus){}, r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Msg("Entitlement change observer panicked")
				}
			}()
			fn(status.Clone())
		}()
	}
}

func sameEntitlement(a, b licensing.SubscriptionStatus) bool {
	if a.Tier != b.Tier || a.IsActive != b.IsActive || a.ProductID != b.ProductID || a.IsLifetime != b.IsLifetime {
		return false
	}
	switch {
	case a.RenewalDate == nil && b.RenewalDate == nil:
		return true
	case a.RenewalDate == nil || b.RenewalDate == nil:
		return false
	default:
		return a.RenewalDate.Equal(*b.RenewalDate)
	}
}

const (
	reasonExpired        = "expired"
	reasonRevoked        = "revoked"
	reasonUnknownProduct = "unknown product"
)

type candidate struct {
	txn  platform.Transaction
	info licensing.ProductInfo
}

// Evaluate computes the status granted by results at now. Unverified
// transactions are discarded individually; the highest tier wins regardless of
// recency. Within a tier a lifetime purchase beats a subscription, and among
// subscriptions the latest expiration wins.
func Evaluate(matrix licensing.Matrix, results []platform.VerificationResult, now time.Time) (licensing.SubscriptionStatus, []Discard) {
	var discards []Discard
	verified := make([]platform.Transaction, 0, len(results))

	for _, result := range results {
		switch r := result.(type) {
		case platform.Verified:
			verified = append(verified, r.Transaction)
		case platform.Unverified:
			discards = append(discards, Discard{
				TransactionID: r.Transaction.ID,
				ProductID:     r.Transaction.ProductID,
				Reason:        r.Reason,
				Unverified:    true,
			})
		}
	}

	candidates := lo.FilterMap(verified, func(txn platform.Transaction, _ int) (candidate, bool) {
		info, known := matrix.Product(txn.ProductID)
		reason := ""
		switch {
		case !known:
			reason = reasonUnknownProduct
		case txn.RevokedAt != nil && !txn.RevokedAt.After(now):
			reason = reasonRevoked
		case !txn.ActiveAt(now):
			reason = reasonExpired
		}
		if reason != "" {
			discards = append(discards, Discard{TransactionID: txn.ID, ProductID: txn.ProductID, Reason: reason})
			return candidate{}, false
		}
		return candidate{txn: txn, info: info}, true
	})

	byTier := lo.GroupBy(candidates, func(c candidate) licensing.Tier { return c.info.Tier })
	for _, tier := range []licensing.Tier{licensing.TierTeam, licensing.TierPro} {
		group := byTier[tier]
		if len(group) == 0 {
			continue
		}
		return statusFor(lo.MaxBy(group, betterCandidate), now), discards
	}
	return licensing.FreeStatus(now), discards
}

// contributing returns the IDs of verified transactions that were not discarded.
func contributing(results []platform.VerificationResult, discards []Discard) map[string]struct{} {
	discarded := lo.SliceToMap(discards, func(d Discard) (string, struct{}) {
		return d.TransactionID, struct{}{}
	})
	ids := make(map[string]struct{}, len(results))
	for _, result := range results {
		v, ok := result.(platform.Verified)
		if !ok {
			continue
		}
		if _, skip := discarded[v.Transaction.ID]; !skip {
			ids[v.Transaction.ID] = struct{}{}
		}
	}
	return ids
}

func betterCandidate(a, b candidate) bool {
	aLifetime := a.txn.IsLifetime || a.info.IsLifetime()
	bLifetime := b.txn.IsLifetime || b.info.IsLifetime()
	if aLifetime != bLifetime {
		return aLifetime
	}
	if aLifetime {
		return false
	}
	switch {
	case a.txn.ExpiresAt == nil:
		return b.txn.ExpiresAt != nil
	case b.txn.ExpiresAt == nil:
		return false
	default:
		return a.txn.ExpiresAt.After(*b.txn.ExpiresAt)
	}
}

func statusFor(c candidate, now time.Time) licensing.SubscriptionStatus {
	status := licensing.SubscriptionStatus{
		Tier:          c.info.Tier,
		IsActive:      true,
		ProductID:     c.txn.ProductID,
		IsLifetime:    c.txn.IsLifetime || c.info.IsLifetime(),
		LastCheckedAt: now,
		SchemaVersion: licensing.StatusSchemaVersion,
	}
	if !status.IsLifetime && c.txn.ExpiresAt != nil {
		renewal := *c.txn.ExpiresAt
		status.RenewalDate = &renewal
	}
	return status
}
