package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

// Runner applies embedded schema migrations to the daemon's SQLite database.
type Runner struct {
	db         *sql.DB
	migrations fs.FS
	log        *slog.Logger
}

// New returns a migration runner backed by goose.
func New(db *sql.DB, migrations fs.FS, log *slog.Logger) (Runner, error) {
	if db == nil {
		return Runner{}, errors.New("nil database handle provided")
	}
	if migrations == nil {
		return Runner{}, errors.New("nil migrations filesystem")
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{db: db, migrations: migrations, log: log}, nil
}

// Ping verifies database connectivity.
func (r Runner) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	goose.SetBaseFS(r.migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations")
	if err := goose.UpContext(runCtx, r.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}
