//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/courier"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/postgres"
	"github.com/xraph/courier/store/storetest"
)

// startPostgres runs a throwaway Postgres container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("courier_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("start postgres container (is Docker available?): %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return dsn
}

func openStore(t *testing.T, dsn string) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	s, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	dsn := startPostgres(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		s := openStore(t, dsn)
		if _, err := s.Pool().Exec(context.Background(), `TRUNCATE courier_jobs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	s := openStore(t, dsn)
	j := storetest.NewJob("db", "exportNotes", 0)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); err != nil {
		t.Fatalf("job lost across migrate: %v", err)
	}
	if err := s.EnqueueJob(ctx, j); !errors.Is(err, courier.ErrJobAlreadyExists) {
		t.Fatalf("duplicate enqueue = %v, want ErrJobAlreadyExists", err)
	}
}

func TestNewFromPoolDoesNotClosePool(t *testing.T) {
	dsn := startPostgres(t)
	owner := openStore(t, dsn)

	borrowed := postgres.NewFromPool(owner.Pool())
	if err := borrowed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := owner.Ping(context.Background()); err != nil {
		t.Fatalf("borrowed Close closed the caller's pool: %v", err)
	}
}
