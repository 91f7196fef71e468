package gojob

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-job/queue/adapters/postgres"
)

const (
	wakeupTable       = "hooks_wakeup_queue"
	wakeupDLQTable    = "hooks_wakeup_dlq"
	wakeupStatusTable = "hooks_wakeup_status"
)

type SQLQueueConfig struct {
	// Dialect is "postgres" or "sqlite".
	Dialect           string
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

// NewSQLQueue creates go-job's SQL queue tables on db and returns the
// queue. Wake-ups then survive restarts and are shared by every instance
// pointed at the same database.
func NewSQLQueue(ctx context.Context, db *sql.DB, cfg SQLQueueConfig) (*postgres.Adapter, error) {
	if db == nil {
		return nil, core.DependencyError("gojob: sql wake-up queue requires a database")
	}
	var dialect postgres.Dialect
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "", "postgres", "postgresql", "pg":
		dialect = postgres.DialectPostgres
	case "sqlite", "sqlite3":
		dialect = postgres.DialectSQLite
	default:
		return nil, core.BadInput(fmt.Sprintf("gojob: unsupported wake-up queue dialect %q", cfg.Dialect), nil)
	}

	opts := []postgres.Option{
		postgres.WithTableName(wakeupTable),
		postgres.WithDLQTableName(wakeupDLQTable),
		postgres.WithStatusTableName(wakeupStatusTable),
		postgres.WithDialect(dialect),
		postgres.WithVisibilityTimeout(cfg.VisibilityTimeout),
	}
	if cfg.Now != nil {
		opts = append(opts, postgres.WithClock(cfg.Now))
	}
	storage := postgres.NewStorage(db, opts...)
	if err := storage.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("gojob: create wake-up queue tables: %w", err)
	}
	return postgres.NewAdapter(storage), nil
}
