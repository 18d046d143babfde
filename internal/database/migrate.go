package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Migration is a single versioned schema change. Statements must be
// idempotent so a partially applied version can be re-run.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// Migrator applies ordered migrations and records them in schema_migrations.
type Migrator struct {
	pool       *pgxpool.Pool
	migrations []Migration
	logger     zerolog.Logger
}

// NewMigrator creates a Migrator. Migrations are sorted by version.
func NewMigrator(pool *pgxpool.Pool, migrations []Migration, logger zerolog.Logger) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Migrator{pool: pool, migrations: sorted, logger: logger}
}

// Migrate applies every pending migration. It is safe to call on every boot.
func (m *Migrator) Migrate(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}

	return nil
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", mig.Version, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range mig.Statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", mig.Version, mig.Description, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, description)
		VALUES ($1, $2)
		ON CONFLICT (version) DO NOTHING
	`, mig.Version, mig.Description)
	if err != nil {
		return fmt.Errorf("record migration v%d: %w", mig.Version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration v%d: %w", mig.Version, err)
	}

	m.logger.Info().
		Int("version", mig.Version).
		Str("description", mig.Description).
		Msg("applied migration")
	return nil
}
