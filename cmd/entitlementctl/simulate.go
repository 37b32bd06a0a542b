package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rcourtman/tiergate/internal/app"
	"github.com/rcourtman/tiergate/internal/mock"
	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

var knownOutcomes = []mock.Outcome{
	mock.OutcomeSuccess,
	mock.OutcomeCancel,
	mock.OutcomePending,
	mock.OutcomeUnverified,
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		productID string
		outcome   string
		latency   time.Duration
		persist   bool
		restore   bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a purchase or restore against a simulated payment platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !restore && productID == "" {
				return fmt.Errorf("--product is required unless --restore is set")
			}
			if !lo.Contains(knownOutcomes, mock.Outcome(outcome)) {
				return fmt.Errorf("unknown outcome %q", outcome)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			platform := mock.New(mock.WithLatency(latency))
			platform.SetNextOutcome(mock.Outcome(outcome))
			if restore && productID != "" {
				platform.Grant(platform.NewTransaction(productID))
			}

			var coreOpts []app.Option
			if !persist {
				coreOpts = append(coreOpts, app.WithStore(storage.NewMemoryStore()))
			}
			core, err := app.New(cfg, platform, coreOpts...)
			if err != nil {
				return err
			}
			defer core.Shutdown()

			out := cmd.OutOrStdout()
			core.Purchases.OnStateChange(func(s licensing.PurchaseState) {
				fmt.Fprintf(out, "  state: %s\n", s)
			})

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			before, err := core.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Tier before: %s\n", licensing.GetTierDisplayName(before.EffectiveTier()))

			var final licensing.PurchaseState
			if restore {
				final, err = core.Purchases.Restore(ctx)
			} else {
				final, err = core.Purchases.Purchase(ctx, productID)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Result: %s\n", final)
			fmt.Fprintf(out, "Tier after: %s\n", licensing.GetTierDisplayName(core.Resolver.CurrentTier()))
			return nil
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "product identifier to purchase (or grant before --restore)")
	cmd.Flags().StringVar(&outcome, "outcome", string(mock.OutcomeSuccess), "platform answer: success, cancel, pending, unverified")
	cmd.Flags().DurationVar(&latency, "latency", 0, "simulated platform latency per call")
	cmd.Flags().BoolVar(&persist, "persist", false, "write the result to the configured store")
	cmd.Flags().BoolVar(&restore, "restore", false, "run a restore instead of a purchase")
	return cmd
}
