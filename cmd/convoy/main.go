package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatmrpt/convoy/internal/deploy"
	"github.com/chatmrpt/convoy/internal/inventory"
	"github.com/chatmrpt/convoy/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(deploy.ExitUsage)
	}
}

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Convoy - fleet deployments over SSH",
	Long: `Convoy pushes application files to a fleet of servers over SSH,
restarts the service on each one, and verifies health endpoints before
calling the deployment done.

Environments, targets, and defaults live in a YAML inventory
(default: ~/.config/convoy/config.yaml).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		logging.Init(logging.Config{Level: level, JSONOutput: jsonLogs})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"convoy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "inventory file (default: ~/.config/convoy/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON instead of console format")
}

// exitCodeError carries a phase-specific process exit code out of a RunE
// handler. main unwraps it and exits without printing; the command has
// already rendered its report.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// loadInventory reads the inventory named by --config, or the default
// config path when the flag is unset.
func loadInventory(cmd *cobra.Command) (*inventory.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return inventory.Load(path)
	}
	return inventory.LoadDefault()
}

// resolveFleet loads the inventory and expands one environment, applying
// --limit patterns when the command defines that flag.
func resolveFleet(cmd *cobra.Command, envName string) (*inventory.Fleet, error) {
	cfg, err := loadInventory(cmd)
	if err != nil {
		return nil, err
	}
	fleet, err := cfg.Resolve(envName)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Lookup("limit") != nil {
		patterns, _ := cmd.Flags().GetStringSlice("limit")
		if len(patterns) > 0 {
			fleet, err = fleet.Limit(patterns)
			if err != nil {
				return nil, err
			}
		}
	}
	return fleet, nil
}
