package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step, applied in Version order.
type migration struct {
	Name    string
	Version string
	Up      []string
}

var migrations = []migration{
	{
		Name:    "create_jobs_table",
		Version: "20240101120000",
		Up: []string{`
			CREATE TABLE IF NOT EXISTS courier_jobs (
				id                  TEXT PRIMARY KEY,
				name                TEXT NOT NULL,
				queue               TEXT NOT NULL,
				payload             BLOB NOT NULL,
				state               TEXT NOT NULL,
				priority            INTEGER NOT NULL DEFAULT 0,
				attempts            INTEGER NOT NULL DEFAULT 1,
				attempts_made       INTEGER NOT NULL DEFAULT 0,
				stalled_count       INTEGER NOT NULL DEFAULT 0,
				backoff             TEXT NOT NULL DEFAULT '',
				timeout_ns          INTEGER NOT NULL DEFAULT 0,
				remove_on_complete  INTEGER NOT NULL DEFAULT 0,
				remove_on_fail      INTEGER NOT NULL DEFAULT 0,
				timestamp_ms        INTEGER NOT NULL,
				run_at_ms           INTEGER NOT NULL,
				worker_id           TEXT NOT NULL DEFAULT '',
				lease_token         TEXT NOT NULL DEFAULT '',
				locked_until_ms     INTEGER,
				started_at_ms       INTEGER,
				finished_at_ms      INTEGER,
				result              TEXT NOT NULL DEFAULT '',
				last_error          TEXT NOT NULL DEFAULT '',
				created_at_ms       INTEGER NOT NULL,
				updated_at_ms       INTEGER NOT NULL
			)`},
	},
	{
		Name:    "create_jobs_indexes",
		Version: "20240101120001",
		Up: []string{
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_lease
				ON courier_jobs (queue, state, priority DESC, run_at_ms, id)`,
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_locked
				ON courier_jobs (queue, state, locked_until_ms)`,
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_finished
				ON courier_jobs (queue, state, finished_at_ms)`,
		},
	},
}

// Migrate applies pending migrations and records them in
// courier_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`CREATE TABLE IF NOT EXISTS courier_migrations (version TEXT PRIMARY KEY, name TEXT NOT NULL)`,
		); err != nil {
			return fmt.Errorf("courier/sqlite: ensure migrations table: %w", err)
		}

		for _, m := range migrations {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM courier_migrations WHERE version = ?`, m.Version,
			).Scan(&count); err != nil {
				return fmt.Errorf("courier/sqlite: check migration %s: %w", m.Version, err)
			}
			if count > 0 {
				continue
			}
			for _, stmt := range m.Up {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("courier/sqlite: apply migration %s (%s): %w", m.Version, m.Name, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO courier_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name,
			); err != nil {
				return fmt.Errorf("courier/sqlite: record migration %s: %w", m.Version, err)
			}
			s.logger.Debug("applied migration", "version", m.Version, "name", m.Name)
		}
		return nil
	})
}
