package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/vmvault/internal/api"
	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/metrics"
	"github.com/MacJediWizard/vmvault/internal/schedule"
	"github.com/MacJediWizard/vmvault/internal/shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd(verbose *bool) *cobra.Command {
	var listenAddr string
	var sampleInterval time.Duration
	shutdownCfg := shutdown.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vmvault daemon",
		Long: `Run vmvault as a long-running daemon.

The daemon will:
  - Serve the HTTP control plane and live run events on the listen address
  - Start backup runs on the configured cron schedules
  - Export Prometheus metrics on /metrics
  - On SIGINT or SIGTERM, stop accepting runs, let running runs finish
    within the drain timeout and cancel the rest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*verbose, true)
			if err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("vmvault not configured: %w", err)
			}
			if listenAddr != "" {
				a.cfg.ListenAddr = listenAddr
			}
			return runDaemon(a, shutdownCfg, sampleInterval)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default: configured listen_addr)")
	cmd.Flags().DurationVar(&sampleInterval, "sample-interval", metrics.DefaultSampleInterval, "Destination free-space sample interval")
	cmd.Flags().DurationVar(&shutdownCfg.DrainTimeout, "drain-timeout", shutdownCfg.DrainTimeout, "How long running runs may finish after a shutdown signal")
	cmd.Flags().DurationVar(&shutdownCfg.Timeout, "shutdown-timeout", shutdownCfg.Timeout, "Maximum time for graceful shutdown")

	return cmd
}

func runDaemon(a *app, shutdownCfg shutdown.Config, sampleInterval time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := a.logger.With().Str("version", Version).Logger()
	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting vmvault daemon")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewPrometheusMetrics(reg)
	if err != nil {
		return err
	}

	launcher, err := a.newLauncher(m)
	if err != nil {
		return err
	}
	shutdownMgr := shutdown.NewManager(shutdownCfg, launcher, logger)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Config{
		Stream:    api.DefaultConfig().Stream,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}, api.Deps{
		VMs:      a.discovery,
		Launcher: launcher,
		Board:    launcher.Board(),
		Shutdown: shutdownMgr,
		Gatherer: reg,
	}, logger)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", a.cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	scheduler := schedule.NewScheduler(launcher, logger)
	if _, err := scheduler.Start(a.cfg.Schedules); err != nil {
		logger.Error().Err(err).Msg("failed to start backup scheduler")
	}

	sampler := metrics.NewSampler(m, backup.DiskSpaceChecker{}, a.destinations, sampleInterval, logger)
	sampler.Start(ctx)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down daemon")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		runErr = fmt.Errorf("http server: %w", err)
	}

	scheduler.Stop()

	// A second signal forces cancellation of every run.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownCfg.Timeout)
	defer shutdownCancel()
	go func() {
		select {
		case <-sigChan:
			logger.Warn().Msg("second signal received, forcing shutdown")
			shutdownCancel()
		case <-shutdownMgr.Done():
		}
	}()
	if err := shutdownMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("run shutdown error")
	}
	unwindCtx, unwindCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer unwindCancel()
	if err := launcher.WaitAll(unwindCtx); err != nil {
		logger.Warn().Int("running_runs", launcher.RunningCount()).Msg("exiting with runs still unwinding")
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	sampler.Stop()
	logger.Info().Msg("vmvault daemon stopped")
	return runErr
}
