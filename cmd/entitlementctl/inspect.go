package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rcourtman/tiergate/internal/entitlement"
	"github.com/rcourtman/tiergate/internal/quota"
	"github.com/rcourtman/tiergate/internal/usage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted entitlement snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			status, ok := entitlement.NewStore(store).Load()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Persisted bool                         `json:"persisted"`
					Status    *licensing.SubscriptionStatus `json:"status,omitempty"`
				}{Persisted: ok, Status: lo.Ternary(ok, &status, nil)})
			}
			if !ok {
				fmt.Fprintln(out, "No entitlement snapshot persisted; gating as Free.")
				return nil
			}
			printStatus(out, status, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func printStatus(out io.Writer, status licensing.SubscriptionStatus, now time.Time) {
	fmt.Fprintf(out, "Tier:          %s\n", licensing.GetTierDisplayName(status.Tier))
	fmt.Fprintf(out, "Active:        %t\n", status.IsActive)
	fmt.Fprintf(out, "Gates as:      %s\n", licensing.GetTierDisplayName(status.EffectiveTier()))
	if status.ProductID != "" {
		fmt.Fprintf(out, "Product:       %s\n", status.ProductID)
	}
	switch {
	case status.IsLifetime:
		fmt.Fprintln(out, "Renews:        never (lifetime)")
	case status.RenewalDate != nil:
		fmt.Fprintf(out, "Renews:        %s (%d days)\n", status.RenewalDate.Format(time.RFC3339), status.DaysUntilRenewal(now))
	}
	fmt.Fprintf(out, "Last checked:  %s\n", status.LastCheckedAt.Format(time.RFC3339))
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage [dimension]",
		Short: "Show usage ledgers without modifying them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			matrix := licensing.DefaultMatrix
			ledgers := usage.NewLedgerSet(store, matrix.DimensionNames())
			selected := make([]*usage.Ledger, 0, len(matrix.Dimensions))
			if len(args) == 1 {
				ledger, ok := ledgers.Lookup(licensing.Dimension(args[0]))
				if !ok {
					return fmt.Errorf("unknown dimension %q (known: %v)", args[0], ledgers.Dimensions())
				}
				selected = append(selected, ledger)
			} else {
				for _, dim := range ledgers.Dimensions() {
					selected = append(selected, ledgers.Ledger(dim))
				}
			}

			out := cmd.OutOrStdout()
			for _, ledger := range selected {
				dim := ledger.Dimension()
				data := ledger.Snapshot()
				fmt.Fprintf(out, "%s: %d this window", dim, data.CountThisWindow)
				if resetsAt, ok := data.ResetsAt(ledger.Window()); ok {
					fmt.Fprintf(out, ", window opened %s, resets %s",
						data.WindowStart.Format(time.RFC3339), resetsAt.Format(time.RFC3339))
				} else {
					fmt.Fprint(out, ", no window open")
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var tierFlag string
	cmd := &cobra.Command{
		Use:   "check <dimension>",
		Short: "Evaluate a quota check for the next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			matrix := licensing.DefaultMatrix
			dim, err := parseDimension(matrix, args[0])
			if err != nil {
				return err
			}

			tier := licensing.TierFree
			if tierFlag != "" {
				tier = licensing.Tier(tierFlag)
				if !tier.Valid() {
					return fmt.Errorf("unknown tier %q", tierFlag)
				}
			} else if status, ok := entitlement.NewStore(store).Load(); ok {
				tier = status.EffectiveTier()
			}

			enforcer := quota.NewEnforcer(matrix, usage.NewLedgerSet(store, matrix.DimensionNames()), nil)
			result := enforcer.Check(dim, tier)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s on %s: %s\n", dim, licensing.GetTierDisplayName(tier), result.Verdict)
			if result.IsUnlimited() {
				fmt.Fprintf(out, "Usage: %d (unlimited)\n", result.CurrentUsage)
			} else {
				fmt.Fprintf(out, "Usage: %d of %d, %d remaining\n", result.CurrentUsage, *result.Limit, *result.Remaining)
			}
			if result.ResetsAt != nil {
				fmt.Fprintf(out, "Resets: %s\n", result.ResetsAt.Format(time.RFC3339))
			}
			if result.Message != "" {
				fmt.Fprintln(out, result.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tierFlag, "tier", "", "check against this tier instead of the persisted one")
	return cmd
}

func newResetSnapshotCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-snapshot",
		Short: "Delete the persisted entitlement snapshot",
		Long:  `reset-snapshot deletes the persisted entitlement snapshot so the next launch gates as Free until the payment platform answers. Usage ledgers are left alone.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			// Clear even when Load rejects the snapshot; an unreadable one is removed too.
			snapshots := entitlement.NewStore(store)
			_, readable := snapshots.Load()
			if err := snapshots.Clear(); err != nil {
				return err
			}
			if readable {
				fmt.Fprintln(cmd.OutOrStdout(), "Entitlement snapshot removed.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No readable entitlement snapshot; cleared.")
			}
			return nil
		},
	}
}

func parseDimension(matrix licensing.Matrix, name string) (licensing.Dimension, error) {
	dim := licensing.Dimension(name)
	if _, ok := matrix.Dimensions[dim]; !ok {
		return "", fmt.Errorf("unknown dimension %q (known: %v)", name, matrix.DimensionNames())
	}
	return dim, nil
}
