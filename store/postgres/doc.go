// Package postgres implements store.Store on PostgreSQL using pgx/v5 with
// raw SQL. Leases claim rows with FOR UPDATE SKIP LOCKED, so any number of
// courier processes can share one database.
package postgres
