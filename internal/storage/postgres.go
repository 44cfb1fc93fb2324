// Package storage persists recent-world summaries and the active project
// pointer.
//
// Two backends share one shape: SQLiteStore keeps a local file (the default)
// and PostgresStore lets several control panels share one registry. Both
// apply embedded forward-only migrations on open. Nothing here is
// authoritative build state; rows are summaries and last-writer-wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/migrations"
)

// PostgresStore is the shared registry backend, over a pgxpool.Pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn, pings, and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := runMigrations(ctx, pgMigrator{pool}, migrations.Postgres(), logger); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// LoadRecent returns every stored record, most recently updated first.
func (s *PostgresStore) LoadRecent(ctx context.Context) ([]model.RecentWorld, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, project_root, status, last_prompt, updated_at,
		       fitness, generation, last_run_outcome, job_id
		FROM recent_worlds
		ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: load recent: %w", err)
	}
	defer rows.Close()

	var out []model.RecentWorld
	for rows.Next() {
		var r model.RecentWorld
		var status string
		if err := rows.Scan(&r.ID, &r.Name, &r.ProjectRoot, &status, &r.LastPrompt, &r.UpdatedAt,
			&r.Fitness, &r.Generation, &r.LastRunOutcome, &r.JobID); err != nil {
			return nil, fmt.Errorf("storage: scan recent: %w", err)
		}
		r.Status = model.RecentStatus(status)
		r.UpdatedAt = r.UpdatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRecent inserts or replaces the record with r.ID.
func (s *PostgresStore) SaveRecent(ctx context.Context, r model.RecentWorld) error {
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO recent_worlds (id, name, project_root, status, last_prompt, updated_at,
			                           fitness, generation, last_run_outcome, job_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				project_root = EXCLUDED.project_root,
				status = EXCLUDED.status,
				last_prompt = EXCLUDED.last_prompt,
				updated_at = EXCLUDED.updated_at,
				fitness = EXCLUDED.fitness,
				generation = EXCLUDED.generation,
				last_run_outcome = EXCLUDED.last_run_outcome,
				job_id = EXCLUDED.job_id`,
			r.ID, r.Name, r.ProjectRoot, string(r.Status), r.LastPrompt, r.UpdatedAt.UTC(),
			r.Fitness, r.Generation, r.LastRunOutcome, r.JobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save recent %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRecent removes a record. Returns ErrNotFound if there was none.
func (s *PostgresStore) DeleteRecent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recent_worlds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete recent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveProject returns the stored active project root, or "" if unset.
func (s *PostgresStore) ActiveProject(ctx context.Context) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingActiveProject).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get active project: %w", err)
	}
	return v, nil
}

// SetActiveProject stores the active project root. An empty root clears it.
func (s *PostgresStore) SetActiveProject(ctx context.Context, root string) error {
	var err error
	if root == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, settingActiveProject)
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			settingActiveProject, root)
	}
	if err != nil {
		return fmt.Errorf("storage: set active project: %w", err)
	}
	return nil
}

type pgMigrator struct {
	pool *pgxpool.Pool
}

func (m pgMigrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (m pgMigrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m pgMigrator) apply(ctx context.Context, name, body string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, body); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
