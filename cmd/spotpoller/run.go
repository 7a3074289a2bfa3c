package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spotpoller/internal/infra/config"
	"github.com/coachpo/spotpoller/internal/iterate"
	"github.com/coachpo/spotpoller/internal/observability"
	"github.com/coachpo/spotpoller/internal/poller"
)

const (
	shutdownTimeout              = 30 * time.Second
	metricsServerShutdownTimeout = 5 * time.Second
	runnerShutdownTimeout        = 20 * time.Second
	metricsReadHeaderTimeout     = 5 * time.Second
	metricsPath                  = "/metrics"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll spot requests until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runPoller,
	}
	addConfigFlag(cmd)
	return cmd
}

func runPoller(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.close() }()
	logger := c.logger

	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("regions", cfg.Regions),
		observability.F("store", string(cfg.Store.Type)),
		observability.F("provider", string(cfg.Provider.Type)))

	runner, err := newRunner(cfg.Poller, c.poller, logger, c.meter())
	if err != nil {
		return err
	}

	var lifecycle conc.WaitGroup
	server := buildMetricsServer(cfg.Telemetry.PrometheusAddr, c.telemetry.Handler())
	if server != nil {
		startMetricsServer(&lifecycle, logger, server)
		logger.Info("metrics listening", observability.F("addr", server.Addr), observability.F("path", metricsPath))
	}

	runErr := make(chan error, 1)
	lifecycle.Go(func() {
		runErr <- runner.Start(ctx)
	})
	logger.Info("spot request poller started")

	var result error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-runErr:
		if err != nil {
			logger.Error("poller stopped", observability.F("error", err))
			result = fmt.Errorf("poller stopped: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		runner:     runner,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart)))
	return result
}

func newRunner(pc config.PollerConfig, p *poller.Poller, logger observability.Logger, meter metric.Meter) (*iterate.Runner, error) {
	cfg := iterate.Config{
		WaitTime:         pc.WaitTime,
		MaxIterationTime: pc.MaxIterationTime,
		MaxFailures:      pc.MaxFailures,
		Backoff: iterate.BackoffConfig{
			Initial: pc.FailureBackoff.Initial,
			Max:     pc.FailureBackoff.Max,
		},
	}
	handler := func(ctx context.Context) error {
		report, err := p.Poll(ctx)
		logPass(logger, report, err)
		return err
	}
	runner, err := iterate.New(cfg, handler,
		iterate.WithLogger(logger),
		iterate.WithMeter(meter),
		iterate.OnFailure(func(err error, consecutive int) {
			logger.Error("Error polling spot requests",
				observability.F("error", err),
				observability.F("consecutive_failures", consecutive))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	return runner, nil
}

func logPass(logger observability.Logger, report poller.PassReport, err error) {
	fields := []observability.Field{
		observability.F("pass_id", report.ID),
		observability.F("regions", len(report.Regions)),
		observability.F("elapsed", report.Duration),
	}
	if err != nil {
		fields = append(fields, observability.F("failed_regions", report.FailedRegions()))
		logger.Warn("reconciliation pass finished with failures", fields...)
		return
	}
	logger.Debug("reconciliation pass finished", fields...)
}

func buildMetricsServer(addr string, handler http.Handler) *http.Server {
	if addr == "" || handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath, handler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func startMetricsServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", observability.F("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	runner     *iterate.Runner
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.F("error", err))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping metrics server", metricsServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.runner != nil {
		shutdownStep("stopping poller", runnerShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.runner.Stop)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", runnerShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}
}

// waitFor runs fn and returns once it finishes or ctx expires.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for shutdown: %w", ctx.Err())
	}
}
