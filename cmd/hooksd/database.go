package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/adapters/gojob"
	"github.com/goliatone/go-hooks/core"
	hookmigrations "github.com/goliatone/go-hooks/migrations"
	"github.com/goliatone/go-job/queue/adapters/postgres"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type persistenceConfig struct {
	core.DatabaseConfig
	serviceName string
}

func (c persistenceConfig) GetDebug() bool    { return c.Debug }
func (c persistenceConfig) GetDriver() string { return c.Driver }
func (c persistenceConfig) GetServer() string { return c.DSN }
func (c persistenceConfig) GetOtelIdentifier() string {
	return c.serviceName
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

// openDatabase connects, registers the embedded migrations for the
// configured dialect and applies them.
func openDatabase(ctx context.Context, serviceName string, cfg core.DatabaseConfig) (*persistence.Client, error) {
	dialect, err := hookmigrations.DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	driver, bunDialect := databaseDriver(dialect)

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if dialect == hookmigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{DatabaseConfig: cfg, serviceName: serviceName}, sqlDB, bunDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("new persistence client: %w", err)
	}

	_, err = hookmigrations.Register(ctx, func(_ context.Context, target string, _ string, fsys fs.FS) error {
		if target == dialect {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, hookmigrations.WithValidationTargets(dialect))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return client, nil
}

func databaseDriver(dialect string) (string, schema.Dialect) {
	if dialect == hookmigrations.DialectPostgres {
		return "postgres", pgdialect.New()
	}
	return "sqlite3", sqlitedialect.New()
}

// openWakeupQueue returns the durable retry wake-up queue, or nil when the
// in-process queue is configured.
func openWakeupQueue(ctx context.Context, cfg core.Config, client *persistence.Client) (*postgres.Adapter, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Retry.WakeupQueue), core.WakeupQueueSQL) {
		return nil, nil
	}
	dialect, err := hookmigrations.DialectForDriver(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	return gojob.NewSQLQueue(ctx, client.DB().DB, gojob.SQLQueueConfig{
		Dialect:           dialect,
		VisibilityTimeout: cfg.Webhooks.ClaimLease,
	})
}
