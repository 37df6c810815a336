package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/logpilot/db"
)

// Runner applies the event and anomaly schema through goose.
type Runner struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	source  string
	fsys    fs.FS
	timeout time.Duration
	log     *slog.Logger
}

// New returns a migration runner on pool. When migrationsDir is empty the embedded
// migrations are used.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{pool: pool, timeout: time.Minute, log: log}
	if dir := strings.TrimSpace(migrationsDir); dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("locate migrations dir: %w", err)
		}
		r.fsys, r.source = os.DirFS(dir), dir
	} else {
		r.fsys, r.source = db.Migrations(), "embedded"
	}
	r.db = stdlib.OpenDB(*pool.Config().ConnConfig)
	return r, nil
}

func (r *Runner) provider() (*goose.Provider, error) {
	p, err := goose.NewProvider(goose.DialectPostgres, r.db, r.fsys)
	if err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return p, nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	p, err := r.provider()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.log.Info("applying migrations", "source", r.source)
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "duration", res.Duration)
	}
	r.log.Info("migrations applied", "count", len(results))
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	p, err := r.provider()
	if err != nil {
		return err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		r.log.Info("migration status",
			"version", st.Source.Version,
			"path", st.Source.Path,
			"state", st.State,
			"applied_at", st.AppliedAt,
		)
	}
	return nil
}

// Down rolls back the latest migration, or every migration above targetVersion when it is
// positive.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	p, err := r.provider()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := p.DownTo(ctx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := p.Down(ctx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}
	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the sql handle.
func (r *Runner) Close() error {
	return r.db.Close()
}
