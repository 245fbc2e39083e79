package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/sqlite"
	"github.com/xraph/courier/store/storetest"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openStore(t, ":memory:")
	})
}

func TestMigrateIsIdempotentAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	first, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	j := storetest.NewJob("db", "exportNotes", 0)
	if err := first.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openStore(t, path)
	if err := second.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	got, err := second.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("job lost across reopen: %v", err)
	}
	if got.Name != "exportNotes" {
		t.Errorf("Name = %q", got.Name)
	}
}

func TestNewDoesNotCloseCallerDB(t *testing.T) {
	owner := openStore(t, ":memory:")
	borrowed := sqlite.New(owner.DB())
	if err := borrowed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := owner.Ping(context.Background()); err != nil {
		t.Fatalf("borrowed Close closed the caller's db: %v", err)
	}
}
