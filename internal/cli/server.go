package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rampline/settlecore/internal/api"
	"github.com/rampline/settlecore/internal/lifecycle"
	"github.com/rampline/settlecore/internal/notify"
	"github.com/rampline/settlecore/internal/outbox"
	"github.com/rampline/settlecore/internal/storage/relationaldb/postgres"
	"github.com/rampline/settlecore/internal/sweeper"
)

// serverCmd runs the full daemon: HTTP API, outbox worker, expiry sweeper.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the settlement daemon",
	Long: `Run the settlement daemon: the HTTP lifecycle API, the websocket
notification hub, the outbox delivery worker, and the expiry sweeper, all
sharing one PostgreSQL-backed store.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server is the default action.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Database.OutboxMaxAttempts = cfg.Outbox.MaxAttempts
	store, err := postgres.NewStore(cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Open(ctx); err != nil {
		return err
	}
	defer store.Close(context.Background()) //nolint:errcheck // best-effort close on shutdown

	log.Info("store ready", zap.String("config", cfg.Database.String()))

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

	hub, err := notify.NewHub(log.Named("notify"))
	if err != nil {
		return err
	}
	defer hub.Close() //nolint:errcheck // connections die with the process

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	worker := outbox.NewWorker(store, hub, cfg.Outbox.PollInterval(), log.Named("outbox"), registry)
	sweep := sweeper.New(store, svc, cfg.Sweeper.SweepInterval(), log.Named("sweeper"), registry)

	server := api.NewServer(svc, store, hub, sweep, registry, api.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		SystemSecret: cfg.Server.SystemSecret,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, log.Named("api"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("settled running",
		zap.String("addr", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("mock_mode", cfg.Database.MockMode))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("settled stopped")
	return nil
}
