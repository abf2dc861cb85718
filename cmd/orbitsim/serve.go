package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/orbitsim/internal/api"
	"github.com/star/orbitsim/internal/config"
	"github.com/star/orbitsim/internal/runs"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/tle"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(os.Stdout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store := tle.NewStore()
	loader := cfg.Loader(logger)

	// Start without a dataset if neither cache nor network can supply one;
	// readiness stays false until a refresh succeeds.
	loadCtx, cancel := context.WithTimeout(ctx, time.Minute)
	if ds, err := store.Refresh(loadCtx, loader, false); err != nil {
		logger.Warn("no TLE dataset available at startup", "error", err)
	} else {
		logger.Info("TLE dataset loaded", "source", ds.Source, "count", len(ds.Entries))
	}
	cancel()

	runStore := runs.NewStore(cfg.RunsConfig(), logger)
	defer runStore.Close()

	apiCfg := cfg.APIConfig()
	srv := api.NewServer(apiCfg, api.Deps{
		TLE:      store,
		Loader:   loader,
		Runs:     runStore,
		Runner:   simulation.NewRunner(logger),
		Defaults: cfg.SimulationConfig(),
	}, logger)

	go runStore.Start(ctx)
	go store.Maintain(ctx, loader, cfg.TLE.RefreshInterval, 10*time.Second, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", apiCfg.Addr,
			"auth_enabled", apiCfg.Auth.Enabled,
			"tle_fetch_enabled", cfg.TLE.EnableFetch,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server listen error", "error", err)
		return err
	}
	logger.Info("shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}
