package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness finds a database (override, VOTING_TEST_PG_DSN, docker, then
// a local server) and applies the embedded migrations. Shared databases get
// an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		pgC *PGContainer
		dsn string
		err error
	)
	switch {
	case overrideDSN != "" || os.Getenv(DSNEnv) != "" || DockerAvailable(ctx):
		pgC, dsn, err = StartPostgres(ctx, overrideDSN)
	default:
		pgC = &PGContainer{}
		dsn, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve database: %w", err)
	}

	pool, scoped, teardown, err := ApplyMigrations(ctx, dsn, pgC.Shared())
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{container: pgC, pool: pool, dsn: scoped, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string, including any isolated search_path.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if cerr := h.container.Terminate(ctx); err == nil {
		err = cerr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for the next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"dispatch_attempts",
		"dispatch_records",
		"outbox",
		"ballots",
		"voting_item_recipients",
		"voting_items",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
