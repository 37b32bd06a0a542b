// Package purchase drives purchase and restore requests against the payment
// platform and reports the outcome as a licensing.PurchaseState.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/platform"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

const (
	DefaultPlatformTimeout = 30 * time.Second
	DefaultRecheckAttempts = 5
	DefaultRecheckInterval = 2 * time.Second

	flowPurchase = "purchase"
	flowRestore  = "restore"
)

// ErrFlowInProgress is returned when a purchase or restore is requested while
// another one is still running. The state is left untouched.
var ErrFlowInProgress = errors.New("a purchase or restore is already in progress")

var errNotYetVisible = errors.New("entitlement not yet visible")

// Refresher re-resolves entitlement against the platform and reports which
// transactions the last resolution counted.
type Refresher interface {
	ForceRefresh(ctx context.Context) licensing.SubscriptionStatus
	Reflects(transactionID string) bool
}

// Controller owns the PurchaseState. Callers observe it; only the controller
// changes it.
type Controller struct {
	client   platform.Client
	resolver Refresher
	matrix   licensing.Matrix
	logger   zerolog.Logger

	timeout         time.Duration
	recheckAttempts int
	recheckInterval time.Duration

	mu        sync.Mutex
	state     licensing.PurchaseState
	observers []func(licensing.PurchaseState)
}

// Option configures a Controller.
type Option func(*Controller)

// WithPlatformTimeout bounds each platform call.
func WithPlatformTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRecheck sets how often, and how many times, a completed purchase is
// re-resolved while waiting for the entitlement to appear.
func WithRecheck(attempts int, interval time.Duration) Option {
	return func(c *Controller) {
		if attempts >= 0 {
			c.recheckAttempts = attempts
		}
		if interval > 0 {
			c.recheckInterval = interval
		}
	}
}

// WithMatrix overrides the product registry used to map products to tiers.
func WithMatrix(m licensing.Matrix) Option {
	return func(c *Controller) { c.matrix = m }
}

// NewController creates a controller in the Idle state.
func NewController(client platform.Client, resolver Refresher, opts ...Option) *Controller {
	c := &Controller{
		client:          client,
		resolver:        resolver,
		matrix:          licensing.DefaultMatrix,
		timeout:         DefaultPlatformTimeout,
		recheckAttempts: DefaultRecheckAttempts,
		recheckInterval: DefaultRecheckInterval,
		state:           licensing.Idle(),
		logger:          logging.New("purchase"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current purchase state.
func (c *Controller) State() licensing.PurchaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called after every state change.
func (c *Controller) OnStateChange(fn func(licensing.PurchaseState)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Acknowledge returns a terminal state to Idle once the UI has shown it.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.transition(licensing.Idle())
}

// Products returns the registered products the platform currently offers.
func (c *Controller) Products(ctx context.Context) (products []platform.Product, err error) {
	defer func() {
		if p := recover(); p != nil {
			products, err = nil, internalerrors.WrapPlatform("fetch_products", fmt.Errorf("platform panic: %v", p))
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	products, err = c.client.Products(callCtx, c.matrix.ProductIDs())
	if err != nil {
		return nil, internalerrors.WrapPlatform("fetch_products", err)
	}
	return products, nil
}

// Purchase buys productID and returns the state the flow ended in. Success is
// reported only once the entitlement is observed; a purchase the platform
// accepted but that has not materialized yet ends in Idle. Once submitted the
// purchase runs to completion even if ctx is cancelled.
func (c *Controller) Purchase(ctx context.Context, productID string) (licensing.PurchaseState, error) {
	if err := c.begin(licensing.Purchasing()); err != nil {
		return c.State(), err
	}
	ctx = context.WithoutCancel(ctx)

	logger := c.logger.With().Str("flow", flowPurchase).Str("product_id", productID).Logger()

	info, known := c.matrix.Product(productID)
	if !known {
		err := internalerrors.WrapPurchase(productID, internalerrors.ErrProductUnavailable)
		logger.Warn().Err(err).Str("error_kind", string(internalerrors.KindOf(err))).Msg("Purchase requested for an unregistered product")
		return c.finish(flowPurchase, licensing.Failed(internalerrors.UserMessage(err))), nil
	}

	result, err := c.submit(ctx, productID)
	if err != nil {
		wrapped := internalerrors.WrapPurchase(productID, err)
		logger.Warn().Err(wrapped).Str("error_kind", string(internalerrors.KindOf(wrapped))).Msg("Purchase failed")
		return c.finish(flowPurchase, licensing.Failed(internalerrors.UserMessage(wrapped))), nil
	}

	switch r := result.(type) {
	case platform.UserCancelled:
		logger.Info().Msg("Purchase cancelled by user")
		return c.finish(flowPurchase, licensing.Cancelled()), nil

	case platform.Pending:
		logger.Info().Msg("Purchase pending external approval")
		return c.finish(flowPurchase, licensing.Idle()), nil

	case platform.Purchased:
		switch v := r.Result.(type) {
		case platform.Verified:
			c.finishTransaction(ctx, v.Transaction)
			if c.confirm(ctx, v.Transaction) {
				logger.Info().Str("tier", string(info.Tier)).Msg("Purchase confirmed")
				return c.finish(flowPurchase, licensing.Succeeded(productID)), nil
			}
			logger.Warn().Msg("Purchase accepted but entitlement not yet visible")
			return c.finish(flowPurchase, licensing.Idle()), nil

		case platform.Unverified:
			err := internalerrors.New(internalerrors.KindVerification, flowPurchase, productID, errors.New(v.Reason))
			logger.Warn().Err(err).Str("error_kind", string(internalerrors.KindOf(err))).Msg("Purchase returned an unverified transaction")
			return c.finish(flowPurchase, licensing.Failed(internalerrors.UserMessage(err))), nil
		}
	}

	logger.Error().Str("result", fmt.Sprintf("%T", result)).Msg("Unexpected purchase result")
	return c.finish(flowPurchase, licensing.Failed(internalerrors.MessageGenericFailure)), nil
}

// Restore syncs previous purchases and re-resolves. It ends in Success when a
// paid tier is active afterwards, Idle when there was nothing to restore.
func (c *Controller) Restore(ctx context.Context) (licensing.PurchaseState, error) {
	if err := c.begin(licensing.Restoring()); err != nil {
		return c.State(), err
	}
	ctx = context.WithoutCancel(ctx)

	logger := c.logger.With().Str("flow", flowRestore).Logger()

	if err := c.restore(ctx); err != nil {
		wrapped := internalerrors.WrapRestore(err)
		logger.Warn().Err(wrapped).Str("error_kind", string(internalerrors.KindOf(wrapped))).Msg("Restore failed")
		return c.finish(flowRestore, licensing.Failed(internalerrors.UserMessage(wrapped))), nil
	}

	status := c.resolver.ForceRefresh(ctx)
	if status.EffectiveTier().Outranks(licensing.TierFree) {
		logger.Info().Str("tier", string(status.Tier)).Str("product_id", status.ProductID).Msg("Purchases restored")
		return c.finish(flowRestore, licensing.Succeeded(status.ProductID)), nil
	}
	logger.Info().Msg("Nothing to restore")
	return c.finish(flowRestore, licensing.Idle()), nil
}

// begin moves to an in-flight state. A terminal state left unacknowledged is
// passed through Idle first.
func (c *Controller) begin(next licensing.PurchaseState) error {
	c.mu.Lock()
	if c.state.InFlight() {
		c.mu.Unlock()
		return ErrFlowInProgress
	}
	if c.state.Terminal() {
		c.transition(licensing.Idle(), next)
		return nil
	}
	c.transition(next)
	return nil
}

func (c *Controller) finish(flow string, next licensing.PurchaseState) licensing.PurchaseState {
	c.mu.Lock()
	final := c.transition(next)
	metrics.RecordPurchaseOutcome(flow, final.Kind)
	return final
}

// transition applies each step allowed by the transition table, releases
// c.mu (which the caller must hold) and then notifies observers of every
// applied step. It returns the resulting state.
func (c *Controller) transition(steps ...licensing.PurchaseState) licensing.PurchaseState {
	applied := make([]licensing.PurchaseState, 0, len(steps))
	for _, next := range steps {
		if !licensing.CanTransition(c.state.Kind, next.Kind) {
			c.logger.Error().
				Str("from", string(c.state.Kind)).
				Str("to", string(next.Kind)).
				Msg("Invalid purchase state transition")
			continue
		}
		c.state = next
		applied = append(applied, next)
	}
	final := c.state
	observers := append([]func(licensing.PurchaseState){}, c.observers...)
	c.mu.Unlock()

	for _, state := range applied {
		for _, fn := range observers {
			notify(fn, state)
		}
	}
	return final
}

func notify(fn func(licensing.PurchaseState), state licensing.PurchaseState) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Purchase state observer panicked")
		}
	}()
	fn(state)
}

func (c *Controller) submit(ctx context.Context, productID string) (result platform.PurchaseResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("platform panic: %v", p)
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Purchase(callCtx, productID)
}

func (c *Controller) restore(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("platform panic: %v", p)
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.RestoreAll(callCtx)
}

// finishTransaction acknowledges txn. A failure or panic is logged; the
// listener finishes the transaction again when the platform redelivers it.
func (c *Controller) finishTransaction(ctx context.Context, txn platform.Transaction) {
	logger := c.logger.With().Str("transaction_id", txn.ID).Logger()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("Recovered panic while finishing purchased transaction")
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Finish(callCtx, txn); err != nil {
		logger.Warn().Err(err).Msg("Failed to finish purchased transaction")
	}
}

// confirm re-resolves until a resolution counts txn or the recheck budget
// runs out. The tier alone is not enough: the purchase may be a same-tier
// renewal or a lower tier bought on top of a higher one.
func (c *Controller) confirm(ctx context.Context, txn platform.Transaction) bool {
	check := func() error {
		c.resolver.ForceRefresh(ctx)
		if c.resolver.Reflects(txn.ID) {
			return nil
		}
		return errNotYetVisible
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.recheckInterval), uint64(c.recheckAttempts)),
		ctx,
	)
	err := backoff.RetryNotify(check, policy, func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Str("transaction_id", txn.ID).Msg("Waiting for purchased entitlement")
	})
	return err == nil
}
