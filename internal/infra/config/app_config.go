// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// BackoffConfig bounds the delay added after failed passes.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// PollerConfig controls reconciliation pacing and batching.
type PollerConfig struct {
	BatchSize         int           `yaml:"batchSize"`
	RegionConcurrency int           `yaml:"regionConcurrency"`
	WaitTime          time.Duration `yaml:"waitTime"`
	MaxIterationTime  time.Duration `yaml:"maxIterationTime"`
	MaxFailures       int           `yaml:"maxFailures"`
	FailureBackoff    BackoffConfig `yaml:"failureBackoff"`
}

func (c *PollerConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.WaitTime == 0 {
		c.WaitTime = 25 * time.Second
	}
	if c.MaxIterationTime == 0 {
		c.MaxIterationTime = 15 * time.Minute
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 10
	}
	if c.FailureBackoff.Initial <= 0 {
		c.FailureBackoff.Initial = time.Second
	}
	if c.FailureBackoff.Max <= 0 {
		c.FailureBackoff.Max = time.Minute
	}
}

func (c PollerConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be >0")
	}
	if c.RegionConcurrency < 0 {
		return fmt.Errorf("regionConcurrency must be >=0")
	}
	if c.WaitTime < 0 {
		return fmt.Errorf("waitTime must be >=0")
	}
	if c.MaxIterationTime <= 0 {
		return fmt.Errorf("maxIterationTime must be >0")
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("maxFailures must be >=0")
	}
	if c.FailureBackoff.Max < c.FailureBackoff.Initial {
		return fmt.Errorf("failureBackoff max must be >= initial")
	}
	return nil
}

// ProviderConfig selects and tunes the cloud provider client.
type ProviderConfig struct {
	Type              ProviderType `yaml:"type"`
	MaxRetries        int          `yaml:"maxRetries"`
	RequestsPerSecond float64      `yaml:"requestsPerSecond"`
	Burst             int          `yaml:"burst"`
	Endpoint          string       `yaml:"endpoint"`
	Fixture           string       `yaml:"fixture"`
}

func (c *ProviderConfig) applyDefaults() {
	c.Type = ProviderType(normalizeToken(string(c.Type)))
	if c.Type == "" {
		c.Type = ProviderEC2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Fixture = strings.TrimSpace(c.Fixture)
}

func (c ProviderConfig) validate() error {
	switch c.Type {
	case ProviderEC2, ProviderFake:
	default:
		return fmt.Errorf("type must be one of ec2, fake")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >=0")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requestsPerSecond must be >0")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be >0")
	}
	return nil
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Type StoreType `yaml:"type"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/spotpoller"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// TelemetryConfig configures metric exporters.
type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlpEndpoint"`
	ServiceName    string `yaml:"serviceName"`
	OTLPInsecure   bool   `yaml:"otlpInsecure"`
	EnableMetrics  bool   `yaml:"enableMetrics"`
	PrometheusAddr string `yaml:"prometheusAddr"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified spotpoller configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Regions     []string        `yaml:"regions"`
	Poller      PollerConfig    `yaml:"poller"`
	Provider    ProviderConfig  `yaml:"provider"`
	Store       StoreConfig     `yaml:"store"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Load reads and validates an AppConfig from the provided YAML file. Environment
// variables prefixed with SPOTPOLLER_ override file values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalize(cfg)
}

// LoadOrDefault loads configPath when it exists and otherwise starts from an empty
// configuration, so a deployment can be configured from the environment alone.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finalize(AppConfig{})
}

func finalize(cfg AppConfig) (AppConfig, error) {
	applyEnvOverrides(&cfg)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	override := func(key string, dst *string) {
		if value := strings.TrimSpace(v.GetString(key)); value != "" {
			*dst = value
		}
	}
	env := string(cfg.Environment)
	override("environment", &env)
	cfg.Environment = Environment(env)
	override("database.dsn", &cfg.Database.DSN)
	override("logging.level", &cfg.Logging.Level)
	override("logging.format", &cfg.Logging.Format)
	override("provider.endpoint", &cfg.Provider.Endpoint)
	override("telemetry.otlpendpoint", &cfg.Telemetry.OTLPEndpoint)
	override("telemetry.prometheusaddr", &cfg.Telemetry.PrometheusAddr)

	if raw := strings.TrimSpace(v.GetString("regions")); raw != "" {
		cfg.Regions = strings.Split(raw, ",")
	}
	if v.IsSet("database.runmigrations") {
		cfg.Database.RunMigrations = v.GetBool("database.runmigrations")
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	regions := make([]string, 0, len(c.Regions))
	for _, r := range c.Regions {
		if trimmed := strings.TrimSpace(r); trimmed != "" {
			regions = append(regions, trimmed)
		}
	}
	c.Regions = regions

	c.Poller.applyDefaults()
	c.Provider.applyDefaults()

	c.Store.Type = StoreType(normalizeToken(string(c.Store.Type)))
	if c.Store.Type == "" {
		c.Store.Type = StorePostgres
	}
	c.Database.applyDefaults()

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.PrometheusAddr = strings.TrimSpace(c.Telemetry.PrometheusAddr)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "spotpoller"
	}

	c.Logging.Level = normalizeToken(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normalizeToken(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if len(c.Regions) == 0 {
		return fmt.Errorf("regions: at least one region required")
	}
	seen := make(map[string]struct{}, len(c.Regions))
	for _, r := range c.Regions {
		if _, ok := seen[r]; ok {
			return fmt.Errorf("regions: duplicate region %q", r)
		}
		seen[r] = struct{}{}
	}

	if err := c.Poller.validate(); err != nil {
		return fmt.Errorf("poller: %w", err)
	}
	if err := c.Provider.validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	switch c.Store.Type {
	case StorePostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store: type must be one of postgres, memory")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging: format must be one of json, console")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
