package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rampline/settlecore/internal/lifecycle"
	"github.com/rampline/settlecore/internal/storage/relationaldb/postgres"
	"github.com/rampline/settlecore/internal/sweeper"
)

// sweepCmd runs a single expiry pass and exits. Useful for cron-style
// deployments that do not keep the daemon running.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue orders once and exit",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	store, err := postgres.NewStore(cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Open(cmd.Context()); err != nil {
		return err
	}
	defer store.Close(context.Background()) //nolint:errcheck // best-effort close

	fees, err := cfg.Orders.Fees()
	if err != nil {
		return err
	}
	svc, err := lifecycle.NewService(store, lifecycle.Config{
		OrderTTL: cfg.Orders.TTL(),
		Fees:     fees,
		MockMode: cfg.Database.MockMode,
	}, log.Named("lifecycle"))
	if err != nil {
		return err
	}

	s := sweeper.New(store, svc, cfg.Sweeper.SweepInterval(), log.Named("sweeper"), nil)
	return s.Sweep(cmd.Context())
}
