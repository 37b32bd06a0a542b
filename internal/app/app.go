// Package app wires the entitlement core together. A Core owns every
// component for the lifetime of the process; hosts construct one and pass it
// where it is needed instead of reaching for package globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/tiergate/internal/config"
	"github.com/rcourtman/tiergate/internal/entitlement"
	"github.com/rcourtman/tiergate/internal/platform"
	"github.com/rcourtman/tiergate/internal/purchase"
	"github.com/rcourtman/tiergate/internal/quota"
	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/internal/usage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Core is the process-wide entitlement and quota context.
type Core struct {
	Config    *config.Config
	Matrix    licensing.Matrix
	Store     storage.Store
	Resolver  *entitlement.Resolver
	Listener  *entitlement.Listener
	Ledgers   *usage.LedgerSet
	Quota     *quota.Enforcer
	Purchases *purchase.Controller

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	nowFn  func() time.Time
	matrix licensing.Matrix
	store  storage.Store
}

// Option configures New.
type Option func(*options)

// WithClock injects the clock used by the resolver and the usage ledgers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.nowFn = now }
}

// WithMatrix replaces the production tier matrix.
func WithMatrix(m licensing.Matrix) Option {
	return func(o *options) { o.matrix = m }
}

// WithStore uses an already opened store instead of opening one from config.
// The Core takes ownership and closes it on Shutdown.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// New validates the tier matrix, opens storage and constructs every
// component. It does not talk to the platform; call Start for that.
func New(cfg *config.Config, client platform.Client, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if client == nil {
		return nil, errors.New("platform client is required")
	}
	o := options{nowFn: time.Now, matrix: licensing.DefaultMatrix}
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.matrix.Validate(); err != nil {
		return nil, fmt.Errorf("tier matrix is inconsistent: %w", err)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = storage.Open(cfg.StorageOptions())
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
		}
	}

	resolver := entitlement.NewResolver(client, entitlement.NewStore(store),
		entitlement.WithClock(o.nowFn),
		entitlement.WithMatrix(o.matrix),
		entitlement.WithPlatformTimeout(cfg.PlatformTimeout),
	)
	ledgers := usage.NewLedgerSet(store, o.matrix.DimensionNames(), usage.WithClock(o.nowFn))

	core := &Core{
		Config:    cfg,
		Matrix:    o.matrix,
		Store:     store,
		Resolver:  resolver,
		Listener:  entitlement.NewListener(client, resolver),
		Ledgers:   ledgers,
		Quota:     quota.NewEnforcer(o.matrix, ledgers, resolver),
		Purchases: purchase.NewController(client, resolver,
			purchase.WithMatrix(o.matrix),
			purchase.WithPlatformTimeout(cfg.PlatformTimeout),
			purchase.WithRecheck(cfg.RecheckAttempts, cfg.RecheckInterval),
		),
	}

	log.Info().
		Str("store", string(cfg.Store)).
		Str("cached_tier", string(resolver.CurrentStatus().Tier)).
		Msg("Entitlement core initialized")
	return core, nil
}

// Start begins consuming transaction updates and runs the launch resolution.
// The listener is started first so no update emitted during the launch pass
// is missed.
func (c *Core) Start(ctx context.Context) (licensing.SubscriptionStatus, error) {
	if err := c.Listener.Start(ctx); err != nil {
		return c.Resolver.CurrentStatus(), fmt.Errorf("start transaction listener: %w", err)
	}
	status := c.Resolver.RefreshOnLaunch(ctx)
	log.Info().
		Str("tier", string(status.Tier)).
		Str("source", string(c.Resolver.Source())).
		Msg("Launch resolution complete")
	return status, nil
}

// RecordCompleted counts one completed action on dim. Hosts call it only after
// the gated action has actually finished.
func (c *Core) RecordCompleted(dim licensing.Dimension) error {
	_, err := c.Ledgers.RecordIncrement(dim)
	return err
}

// Shutdown stops the listener and closes the store. Safe to call more than once.
func (c *Core) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.Listener.Stop()
		if err := c.Store.Close(); err != nil {
			c.shutdownErr = fmt.Errorf("close store: %w", err)
		}
		log.Info().Msg("Entitlement core shut down")
	})
	return c.shutdownErr
}
