// Package pgstore is the optional Postgres-backed implementation of
// packetstore.Store, for deployments past the single-host file-backed scale
// spec.md §9 anticipates ("larger scales migrate to an embedded key-value
// store or SQLite"). It keeps the same atomic-JSON-document model as
// FileStore but as JSONB rows, queried through plain pgx rather than a
// generated ORM client.
package pgstore

import (
	stdsql "database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql, used only to drive migrations

	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection settings for the Postgres packet store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MigrationsTable string
}

// Store is a packetstore.Store backed by Postgres, queried with pgx directly
// (no generated client): see DESIGN.md for why this package forgoes ent.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pgx connection pool, applies embedded migrations through
// golang-migrate, and returns a ready Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg.DSN); err != nil {
		return nil, fmt.Errorf("pgstore: running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parsing dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: pinging: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// runMigrations applies embedded migrations using golang-migrate's iofs
// source driver over a throwaway database/sql connection, mirroring the
// teacher's embedded-migrations workflow minus the ent-specific GIN-index
// post-step (this schema has no array columns to index that way).
func runMigrations(dsn string) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "packetstore", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
