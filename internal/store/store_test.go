package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/delegate-dev/delegate/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "delegate.db")
	if err := Migrate(dbPath, filepath.Join(dir, "backups")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func appendEvent(db *DB, teamID, kind string) (*model.Event, error) {
	var ev *model.Event
	err := db.WithTx(func(tx *sql.Tx) error {
		e, err := db.Events().Append(tx, teamID, kind, "{}")
		if err != nil {
			return err
		}
		ev = e
		return nil
	})
	return ev, err
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "delegate.db")
	backupDir := filepath.Join(dir, "backups")

	if err := Migrate(dbPath, backupDir); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(dbPath, backupDir); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(backupDir, "*.db"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one backup (from the first migration), got %d", len(entries))
	}
}

func TestTaskDependencyFreeze(t *testing.T) {
	db := newTestDB(t)
	team, err := db.Teams().Create("acme", "")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	t1, err := db.Tasks().Create(&model.Task{TeamID: team.ID, Title: "first", Status: "done", WorkflowName: "default", WorkflowVersion: 1})
	if err != nil {
		t.Fatalf("create t1: %v", err)
	}

	t2, err := db.Tasks().Create(&model.Task{TeamID: team.ID, Title: "second", Status: "todo", WorkflowName: "default", WorkflowVersion: 1, DependsOn: []int64{t1.ID}})
	if err != nil {
		t.Fatalf("create t2: %v", err)
	}

	t3, err := db.Tasks().Create(&model.Task{TeamID: team.ID, Title: "third", Status: "todo", WorkflowName: "default", WorkflowVersion: 1})
	if err != nil {
		t.Fatalf("create t3: %v", err)
	}

	if err := db.Tasks().UpdateDependencies(t2.ID, []int64{t1.ID, t3.ID}); err != ErrDependenciesFrozen {
		t.Fatalf("expected ErrDependenciesFrozen, got %v", err)
	}

	loaded, err := db.Tasks().Get(t2.ID)
	if err != nil {
		t.Fatalf("get t2: %v", err)
	}
	if len(loaded.DependsOn) != 1 || loaded.DependsOn[0] != t1.ID {
		t.Fatalf("t2 dependencies should be unchanged, got %v", loaded.DependsOn)
	}

	// Removal is always permitted, even after freeze.
	if err := db.Tasks().UpdateDependencies(t2.ID, nil); err != nil {
		t.Fatalf("removing dependencies should succeed: %v", err)
	}
}

func TestEventSequenceMonotonicPerTeam(t *testing.T) {
	db := newTestDB(t)
	team, err := db.Teams().Create("acme", "")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	var lastSeq int64
	for i := 0; i < 5; i++ {
		ev, err := appendEvent(db, team.ID, "task_created")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("sequence not increasing: %d <= %d", ev.Seq, lastSeq)
		}
		if ev.TeamSeq != int64(i+1) {
			t.Fatalf("expected team_seq %d, got %d", i+1, ev.TeamSeq)
		}
		lastSeq = ev.Seq
	}
}
