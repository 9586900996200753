package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
)

const commandTimeout = 2 * time.Minute

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass against the state store and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.LoadSettings(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(settings.LogLevel)

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		c, err := build(ctx, settings, prometheus.NewRegistry(), logger)
		if err != nil {
			return err
		}
		defer c.Close(logger)

		report, err := c.sup.Reconcile(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the shared dispatch configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set key=value...",
	Short: "Write dispatch tunables to the shared store and notify every supervisor",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseKeyValues(args)
		if err != nil {
			return err
		}
		settings, err := config.LoadSettings(configPath)
		if err != nil {
			return err
		}
		// reject values the supervisors would refuse to apply
		if _, err := config.ApplyOverrides(settings.Dispatch, values); err != nil {
			return err
		}
		newLogger(settings.LogLevel)

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		store, err := openStore(ctx, settings)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetConfig(ctx, values); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %d keys\n", len(values))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the dispatch configuration after shared overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.LoadSettings(configPath)
		if err != nil {
			return err
		}
		newLogger(settings.LogLevel)

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		store, err := openStore(ctx, settings)
		if err != nil {
			return err
		}
		defer store.Close()

		provider := config.NewProvider(settings.Dispatch, store, "", nil)
		if err := provider.Reload(ctx); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(provider.Current())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", serviceName, serviceVersion)
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd)
}

// parseKeyValues turns key=value arguments into a map of known keys
func parseKeyValues(args []string) (map[string]string, error) {
	known := map[string]bool{
		config.KeyBurstLimit:      true,
		config.KeyMessageDelayMin: true,
		config.KeyMessageDelayMax: true,
		config.KeyRestDelayMin:    true,
		config.KeyRestDelayMax:    true,
	}

	values := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if !known[key] {
			return nil, fmt.Errorf("unknown config key %q", key)
		}
		values[key] = value
	}
	return values, nil
}
