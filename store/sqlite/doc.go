// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. Suitable for single-node
// deployments and development.
//
// Every state transition runs in one transaction over a single connection,
// so leases and settlements are serialized:
//
//	s, err := sqlite.Open(ctx, "/var/lib/courier/jobs.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
package sqlite
