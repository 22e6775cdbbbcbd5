// Package cli wires the settled commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rampline/settlecore/internal/config"
)

var (
	// Global flags
	configFile string
	debug      bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "settled",
	Short: "settled - P2P settlement core daemon",
	Long: `settled runs the order lifecycle engine of the exchange: the order
state machine, the internal escrow ledger, the notification outbox, and the
expiry sweeper, fronted by an HTTP API.`,
	Version: "0.1.0",
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	return cfg, nil
}
