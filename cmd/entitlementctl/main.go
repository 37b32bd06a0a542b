package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcourtman/tiergate/internal/config"
	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/storage"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	dataDir string
	store   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "entitlementctl",
		Short:         "Inspect entitlement and usage state",
		Long:          `entitlementctl reads the persisted entitlement snapshot and usage ledgers, evaluates quota checks, and runs purchases against a simulated payment platform.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override ENTITLEMENT_DATA_DIR")
	rootCmd.PersistentFlags().StringVar(&opts.store, "store", "", "override ENTITLEMENT_STORE (file, sqlite, memory)")

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newUsageCmd(opts),
		newCheckCmd(opts),
		newResetSnapshotCmd(opts),
		newSimulateCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entitlementctl %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// loadConfig reads the environment, applies flag overrides and initializes
// logging.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.store != "" {
		cfg.Store = storage.Backend(o.store)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementctl",
	})
	return cfg, nil
}

func (o *rootOptions) openStore() (*config.Config, storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.StorageOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	return cfg, store, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
