// Package store defines the aggregate persistence interface. The job
// subsystem defines its own store contract; Store adds lifecycle methods
// shared by every backend: Memory, Redis, SQLite and
// Postgres.
package store

import (
	"context"

	"github.com/xraph/courier/job"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
