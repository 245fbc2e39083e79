package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
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
				payload             BYTEA NOT NULL,
				state               TEXT NOT NULL,
				priority            INTEGER NOT NULL DEFAULT 0,
				attempts            INTEGER NOT NULL DEFAULT 1,
				attempts_made       INTEGER NOT NULL DEFAULT 0,
				stalled_count       INTEGER NOT NULL DEFAULT 0,
				backoff             TEXT NOT NULL DEFAULT '',
				timeout             BIGINT NOT NULL DEFAULT 0,
				remove_on_complete  BOOLEAN NOT NULL DEFAULT FALSE,
				remove_on_fail      BOOLEAN NOT NULL DEFAULT FALSE,
				enqueued_at         TIMESTAMPTZ NOT NULL,
				run_at              TIMESTAMPTZ NOT NULL,
				worker_id           TEXT NOT NULL DEFAULT '',
				lease_token         TEXT NOT NULL DEFAULT '',
				locked_until        TIMESTAMPTZ,
				started_at          TIMESTAMPTZ,
				finished_at         TIMESTAMPTZ,
				result              TEXT NOT NULL DEFAULT '',
				last_error          TEXT NOT NULL DEFAULT '',
				created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`},
	},
	{
		Name:    "create_jobs_indexes",
		Version: "20240101120001",
		Up: []string{
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_lease
				ON courier_jobs (queue, priority DESC, run_at ASC, id)
				WHERE state = 'waiting'`,
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_delayed
				ON courier_jobs (queue, run_at)
				WHERE state = 'delayed'`,
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_locked
				ON courier_jobs (queue, locked_until)
				WHERE state = 'active'`,
			`CREATE INDEX IF NOT EXISTS idx_courier_jobs_finished
				ON courier_jobs (queue, state, finished_at)`,
		},
	},
}

// Migrate applies pending migrations and records them in
// courier_migrations. An advisory lock keeps concurrent processes from
// migrating at the same time.
func (s *Store) Migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('courier_migrations'))`); err != nil {
			return fmt.Errorf("courier/postgres: lock migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS courier_migrations (
				version    TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		); err != nil {
			return fmt.Errorf("courier/postgres: create migrations table: %w", err)
		}

		for _, m := range migrations {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM courier_migrations WHERE version = $1)`, m.Version,
			).Scan(&applied); err != nil {
				return fmt.Errorf("courier/postgres: check migration %s: %w", m.Version, err)
			}
			if applied {
				continue
			}
			for _, stmt := range m.Up {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("courier/postgres: apply migration %s (%s): %w", m.Version, m.Name, err)
				}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO courier_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name,
			); err != nil {
				return fmt.Errorf("courier/postgres: record migration %s: %w", m.Version, err)
			}
			s.logger.Info("applied migration", "version", m.Version, "name", m.Name)
		}
		return nil
	})
}
