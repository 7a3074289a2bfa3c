// Package migrations wires golang-migrate execution for spotpoller's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/spotpoller/db/migrations"
	"github.com/coachpo/spotpoller/internal/observability"
	"github.com/coachpo/spotpoller/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, resolvedDir, fileSource(resolvedDir), up, observability.OrNop(logger))
}

// ApplyEmbedded applies the SQL migrations compiled into the binary.
func ApplyEmbedded(ctx context.Context, dsn string, logger observability.Logger) error {
	return run(ctx, dsn, "embedded", embeddedSource(dbmigrations.Files), up, observability.OrNop(logger))
}

// Rollback reverts the most recent steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback %d: %w", steps, errInvalidSteps)
	}
	return run(ctx, dsn, resolvedDir, fileSource(resolvedDir), down(steps), observability.OrNop(logger))
}

type action struct {
	name  string
	apply func(*migrate.Migrate) error
}

var up = action{name: "up", apply: (*migrate.Migrate).Up}

func down(steps int) action {
	return action{
		name:  "down " + strconv.Itoa(steps),
		apply: func(m *migrate.Migrate) error { return m.Steps(-steps) },
	}
}

type sourceFactory func(driver database.Driver) (*migrate.Migrate, error)

func fileSource(dir string) sourceFactory {
	return func(driver database.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
	}
}

func embeddedSource(fsys fs.FS) sourceFactory {
	return func(driver database.Driver) (*migrate.Migrate, error) {
		src, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
}

func run(ctx context.Context, dsn, label string, newMigrate sourceFactory, act action, logger observability.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := newMigrate(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.F("error", dbErr))
		}
	}()

	logger.Info("running database migrations",
		observability.F("path", label),
		observability.F("action", act.name))

	if err := act.apply(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, act.name, "noop", label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, act.name, "failed", label)
		return fmt.Errorf("%s migrations: %w", act.name, err)
	}

	logger.Info("database migrations applied successfully", observability.F("action", act.name))
	recordMigrationMetric(ctx, act.name, "applied", label)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, act, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("spotpoller_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("action", act),
		telemetry.AttrResult.String(result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
