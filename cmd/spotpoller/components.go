package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spotpoller/internal/domain/spotstore"
	"github.com/coachpo/spotpoller/internal/infra/config"
	"github.com/coachpo/spotpoller/internal/infra/persistence"
	"github.com/coachpo/spotpoller/internal/infra/persistence/memory"
	"github.com/coachpo/spotpoller/internal/infra/persistence/migrations"
	"github.com/coachpo/spotpoller/internal/infra/persistence/postgres"
	"github.com/coachpo/spotpoller/internal/infra/provider"
	"github.com/coachpo/spotpoller/internal/infra/provider/ec2"
	"github.com/coachpo/spotpoller/internal/infra/provider/fake"
	"github.com/coachpo/spotpoller/internal/observability"
	"github.com/coachpo/spotpoller/internal/poller"
	"github.com/coachpo/spotpoller/internal/telemetry"
)

const (
	meterName                = "github.com/coachpo/spotpoller"
	statePoolName            = "state"
	telemetryShutdownTimeout = 5 * time.Second
)

// stateStore is what the commands need from a backend: reconciliation plus seeding.
type stateStore interface {
	spotstore.Store
	spotstore.Tracker
}

type components struct {
	cfg       config.AppConfig
	logger    *observability.ZapLogger
	telemetry *telemetry.Provider
	store     stateStore
	client    provider.Client
	poller    *poller.Poller

	closers []func() error
}

func loadConfig(cmd *cobra.Command) (config.AppConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("read config flag: %w", err)
	}
	cfg, err := config.LoadOrDefault(cmd.Context(), path)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildComponents assembles every collaborator for cfg. The caller owns close.
func buildComponents(ctx context.Context, cfg config.AppConfig) (*components, error) {
	logger, err := observability.NewProductionLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	c := &components{cfg: cfg, logger: logger}

	if err := c.initTelemetry(ctx); err != nil {
		_ = c.close()
		return nil, err
	}
	if err := c.initStore(ctx); err != nil {
		_ = c.close()
		return nil, err
	}
	if err := c.initProvider(); err != nil {
		_ = c.close()
		return nil, err
	}

	p, err := poller.New(c.store, c.client,
		poller.WithRegions(cfg.Regions...),
		poller.WithBatchSize(cfg.Poller.BatchSize),
		poller.WithRegionConcurrency(cfg.Poller.RegionConcurrency),
		poller.WithLogger(logger),
		poller.WithMeter(c.meter()),
	)
	if err != nil {
		_ = c.close()
		return nil, fmt.Errorf("build poller: %w", err)
	}
	c.poller = p
	return c, nil
}

func (c *components) meter() metric.Meter {
	return c.telemetry.Meter(meterName)
}

func (c *components) initTelemetry(ctx context.Context) error {
	telemetryCfg := telemetry.DefaultConfig()
	if c.cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = c.cfg.Telemetry.OTLPEndpoint
	}
	if c.cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = c.cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(c.cfg.Environment)
	telemetryCfg.OTLPInsecure = c.cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnablePrometheus = c.cfg.Telemetry.PrometheusAddr != ""
	telemetryCfg.EnableMetrics = c.cfg.Telemetry.EnableMetrics || telemetryCfg.EnablePrometheus

	tp, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry provider: %w", err)
	}
	c.telemetry = tp
	c.closers = append(c.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		c.logger.Info("telemetry initialized",
			observability.F("otlp_endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("prometheus", telemetryCfg.EnablePrometheus),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		c.logger.Info("telemetry disabled")
	}
	return nil
}

func (c *components) initStore(ctx context.Context) error {
	switch c.cfg.Store.Type {
	case config.StoreMemory:
		c.store = memory.NewStore()
		c.logger.Info("using in-memory state store")
		return nil
	case config.StorePostgres:
	default:
		return fmt.Errorf("unsupported store type %q", c.cfg.Store.Type)
	}

	db := c.cfg.Database
	if db.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, db.DSN, c.logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	base, err := persistence.Open(ctx, persistence.PoolOptions{
		DSN:               db.DSN,
		MaxConns:          db.MaxConns,
		MinConns:          db.MinConns,
		MaxConnLifetime:   db.MaxConnLifetime,
		MaxConnIdleTime:   db.MaxConnIdleTime,
		HealthCheckPeriod: db.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	c.closers = append(c.closers, func() error {
		base.Close()
		return nil
	})
	if err := postgres.ObservePoolMetrics(c.meter(), base.Pool(), statePoolName); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	c.store = postgres.New(base.Pool()).SpotRequests()
	c.logger.Info("using postgres state store",
		observability.F("max_conns", db.MaxConns),
		observability.F("migrations", db.RunMigrations))
	return nil
}

func (c *components) initProvider() error {
	pc := c.cfg.Provider
	switch pc.Type {
	case config.ProviderFake:
		cloud, err := fake.LoadFixture(pc.Fixture)
		if err != nil {
			return err
		}
		c.client = cloud
		c.logger.Info("using fake provider", observability.F("fixture", pc.Fixture))
		return nil
	case config.ProviderEC2:
	default:
		return fmt.Errorf("unsupported provider type %q", pc.Type)
	}

	client, err := ec2.New(ec2.Options{
		MaxRetries:        pc.MaxRetries,
		RequestsPerSecond: pc.RequestsPerSecond,
		Burst:             pc.Burst,
		Endpoint:          pc.Endpoint,
	}, ec2.WithLogger(c.logger), ec2.WithMeter(c.meter()))
	if err != nil {
		return fmt.Errorf("build ec2 client: %w", err)
	}
	c.client = client
	c.logger.Info("using ec2 provider",
		observability.F("max_retries", pc.MaxRetries),
		observability.F("requests_per_second", pc.RequestsPerSecond))
	return nil
}

// close releases resources in reverse acquisition order. Failures are logged and
// joined; the logger itself is flushed last.
func (c *components) close() error {
	errs := make([]error, 0, len(c.closers))
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	err := observability.AggregateErrors(c.logger, "shutdown", errs)
	_ = c.logger.Sync()
	return err
}
