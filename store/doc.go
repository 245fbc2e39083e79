// Package store defines the aggregate persistence interface.
//
// The backing store is the single source of truth for job state. Pools only
// ever hold leases; every transition (lease, heartbeat, settle, reap) is a
// single atomic operation in the backend, and operations that act on a lease
// verify its token.
//
// # Available Backends
//
//   - store/memory: in-memory store for development and testing
//   - store/redis: Redis backend; transitions are Lua scripts
//   - store/sqlite: SQLite backend (modernc.org/sqlite, no cgo)
//   - store/postgres: PostgreSQL backend (pgx/v5, SKIP LOCKED leases)
//
// # Usage
//
//	import "github.com/xraph/courier/store/postgres"
//
//	s, err := postgres.New(ctx, "postgres://localhost:5432/courier")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := engine.New(s, engine.WithProcessors(procs))
//
// # Conformance
//
// Package store/storetest holds the behavioral test suite every backend
// runs against.
package store
