package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PoolOptions configures the PostgreSQL connection pool
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectRetries  int
	RetryInterval   time.Duration
}

// ConnectPostgres establishes a connection to PostgreSQL, retrying while the server comes up
func ConnectPostgres(ctx context.Context, connStr string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}

	// Configure connection pool
	db.SetMaxOpenConns(valueOr(opts.MaxOpenConns, 25))
	db.SetMaxIdleConns(valueOr(opts.MaxIdleConns, 5))
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	attempts := valueOr(opts.ConnectRetries, 5)
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt >= attempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("postgres not ready, retrying")
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	_ = db.Close()
	return nil, errors.Wrapf(err, "postgres unreachable after %d attempts", attempts)
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := migrations.ReadFile(name)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", name)
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return errors.Wrapf(err, "failed to apply %s", name)
		}
		log.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
