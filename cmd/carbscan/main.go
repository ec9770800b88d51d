package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rcourtman/carbscan/internal/config"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rcourtman/carbscan/internal/installation"
	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rcourtman/carbscan/internal/logging"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "carbscan",
	Short:         "carbscan - AI carbohydrate estimates for meal photos",
	Long:          `carbscan runs the local core that gates, performs and reports AI carbohydrate estimates for the app shell.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetQuotaCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "carbscan %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print today's usage and the cached trial anchor from local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openLocalState()
		if err != nil {
			return err
		}
		defer store.Close()

		tracker, err := quota.New(store, quota.Options{Location: cfg.Location})
		if err != nil {
			return err
		}
		snap := tracker.Snapshot()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Day:        %s\n", snap.Day)
		fmt.Fprintf(out, "Used:       %d\n", snap.Used)
		fmt.Fprintf(out, "Remaining:  %d (trial/standard), %d (unlimited)\n",
			tracker.Remaining(entitlement.TierTrial.Ceiling()),
			tracker.Remaining(entitlement.TierUnlimited.Ceiling()))
		fmt.Fprintf(out, "Next reset: %s\n", tracker.NextReset().Format(time.RFC3339))

		if at, ok := installation.CachedInstallDate(store); ok {
			now := time.Now()
			fmt.Fprintf(out, "Installed:  %s\n", at.In(cfg.Location).Format("2006-01-02"))
			if installation.IsWithinTrial(at, now, cfg.Location, cfg.TrialDays) {
				fmt.Fprintf(out, "Trial:      %d day(s) left\n", installation.DaysRemaining(at, now, cfg.Location, cfg.TrialDays))
			} else {
				fmt.Fprintln(out, "Trial:      ended")
			}
		} else {
			fmt.Fprintln(out, "Installed:  unknown (not yet resolved)")
		}
		return nil
	},
}

var resetQuotaCmd = &cobra.Command{
	Use:   "reset-quota",
	Short: "Zero today's analysis count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openLocalState()
		if err != nil {
			return err
		}
		defer store.Close()

		tracker, err := quota.New(store, quota.Options{Location: cfg.Location})
		if err != nil {
			return err
		}
		tracker.Reset(quota.ResetManual)
		fmt.Fprintln(cmd.OutOrStdout(), "Quota reset")
		return nil
	},
}

// openLocalState loads config for commands that only touch the local
// database, so remote settings are not required.
func openLocalState() (*config.Config, *kvstore.Store, error) {
	logging.Init(logging.Config{Format: "console", Level: "warn", Component: "carbscan"})

	os.Setenv(config.EnvPrefix+"DEV_MODE", "true")
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := kvstore.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open local state: %w", err)
	}
	return cfg, store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
