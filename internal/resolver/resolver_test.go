package resolver

import (
	"path/filepath"
	"testing"

	"github.com/delegate-dev/delegate/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "delegate.db")
	if err := store.Migrate(dbPath, filepath.Join(dir, "backups")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveIDFindsAndCaches(t *testing.T) {
	db := newTestDB(t)
	team, err := db.Teams().Create("acme", "")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	r := New(db)
	id, err := r.ResolveID("acme")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != team.ID {
		t.Fatalf("expected %s, got %s", team.ID, id)
	}

	if _, ok := r.cache.Get("acme"); !ok {
		t.Fatal("expected name to be cached after resolve")
	}
}

func TestResolveIDUnknownName(t *testing.T) {
	db := newTestDB(t)
	r := New(db)
	if _, err := r.ResolveID("does-not-exist"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	db := newTestDB(t)
	team, err := db.Teams().Create("acme", "")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	r := New(db)
	if _, err := r.ResolveID("acme"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.Invalidate("acme")
	if _, ok := r.cache.Get("acme"); ok {
		t.Fatal("expected cache entry to be gone after invalidate")
	}

	id, err := r.ResolveID("acme")
	if err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if id != team.ID {
		t.Fatalf("expected %s, got %s", team.ID, id)
	}
}
