package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/migrations"
)

// SQLiteStore is the local registry backend, a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations. The parent directory is created when missing.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := runMigrations(ctx, liteMigrator{db}, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadRecent returns every stored record, most recently updated first. Rows
// whose timestamp cannot be parsed are skipped with a warning.
func (s *SQLiteStore) LoadRecent(ctx context.Context) ([]model.RecentWorld, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, project_root, status, last_prompt, updated_at,
		       fitness, generation, last_run_outcome, job_id
		FROM recent_worlds
		ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: load recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RecentWorld
	for rows.Next() {
		var (
			r         model.RecentWorld
			status    string
			updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.ProjectRoot, &status, &r.LastPrompt, &updatedAt,
			&r.Fitness, &r.Generation, &r.LastRunOutcome, &r.JobID); err != nil {
			return nil, fmt.Errorf("storage: scan recent: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			s.logger.Warn("storage: dropping recent world with bad timestamp", "id", r.ID, "updated_at", updatedAt)
			continue
		}
		r.Status = model.RecentStatus(status)
		r.UpdatedAt = t.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRecent inserts or replaces the record with r.ID.
func (s *SQLiteStore) SaveRecent(ctx context.Context, r model.RecentWorld) error {
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recent_worlds (id, name, project_root, status, last_prompt, updated_at,
			                           fitness, generation, last_run_outcome, job_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				project_root = excluded.project_root,
				status = excluded.status,
				last_prompt = excluded.last_prompt,
				updated_at = excluded.updated_at,
				fitness = excluded.fitness,
				generation = excluded.generation,
				last_run_outcome = excluded.last_run_outcome,
				job_id = excluded.job_id`,
			r.ID, r.Name, r.ProjectRoot, string(r.Status), r.LastPrompt, r.UpdatedAt.UTC().Format(time.RFC3339Nano),
			r.Fitness, r.Generation, r.LastRunOutcome, r.JobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save recent %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRecent removes a record. Returns ErrNotFound if there was none.
func (s *SQLiteStore) DeleteRecent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recent_worlds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete recent %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveProject returns the stored active project root, or "" if unset.
func (s *SQLiteStore) ActiveProject(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingActiveProject).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get active project: %w", err)
	}
	return v, nil
}

// SetActiveProject stores the active project root. An empty root clears it.
func (s *SQLiteStore) SetActiveProject(ctx context.Context, root string) error {
	var err error
	if root == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, settingActiveProject)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			settingActiveProject, root, time.Now().UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return fmt.Errorf("storage: set active project: %w", err)
	}
	return nil
}

type liteMigrator struct {
	db *sql.DB
}

func (m liteMigrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (m liteMigrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (m liteMigrator) apply(ctx context.Context, name, body string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT DO NOTHING`, name); err != nil {
		return err
	}
	return tx.Commit()
}
