package workflow

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
)

func newTestEngine(t *testing.T, hooks Hooks) (*Engine, *store.DB, *model.Team) {
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

	team, err := db.Teams().Create("acme", "")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	registry := NewRegistry()
	registry.Register(Default())

	bus := eventbus.New(db)
	return NewEngine(db, bus, registry, hooks), db, team
}

func createTask(t *testing.T, db *store.DB, teamID string, dependsOn ...int64) *model.Task {
	t.Helper()
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          teamID,
		Title:           "do the thing",
		Status:          "todo",
		WorkflowName:    DefaultName,
		WorkflowVersion: 1,
		DependsOn:       dependsOn,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestDispatchAppliesMatchedTransition(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	task := createTask(t, db, team.ID)

	if err := e.Dispatch(task.ID, Event{Kind: EventAssigneeDone}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestDispatchIgnoresUnmatchedEvent(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	task := createTask(t, db, team.ID)

	if err := e.Dispatch(task.ID, Event{Kind: "nonsense"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "todo" {
		t.Fatalf("expected status to stay todo, got %s", got.Status)
	}
}

func TestDispatchGatesWorktreeOnNonTerminalDependency(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	blocker := createTask(t, db, team.ID)
	task := createTask(t, db, team.ID, blocker.ID)

	err := e.Dispatch(task.ID, Event{Kind: EventAssigneeDone})
	if err == nil {
		t.Fatal("expected dispatch to fail while the dependency is non-terminal")
	}

	got, getErr := db.Tasks().Get(task.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if got.Status != "todo" {
		t.Fatalf("expected status to remain todo after a failed transition, got %s", got.Status)
	}
}

func TestDispatchAllowsWorktreeOnceDependencyTerminal(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	blocker := createTask(t, db, team.ID)
	if err := db.WithTx(func(tx *sql.Tx) error {
		return db.Tasks().Complete(tx, blocker.ID, model.StageDone)
	}); err != nil {
		t.Fatalf("completing blocker: %v", err)
	}
	task := createTask(t, db, team.ID, blocker.ID)

	if err := e.Dispatch(task.ID, Event{Kind: EventAssigneeDone}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestDispatchToDoneStampsCompletedAt(t *testing.T) {
	setupCalled, mergeCalled := false, false
	hooks := Hooks{
		SetupWorktree: func(tx *sql.Tx, task *model.Task) error { setupCalled = true; return nil },
		CreateReview:  func(tx *sql.Tx, task *model.Task) error { return nil },
		EnqueueMerge:  func(tx *sql.Tx, task *model.Task) error { mergeCalled = true; return nil },
	}
	e, db, team := newTestEngine(t, hooks)
	task := createTask(t, db, team.ID)

	steps := []string{EventAssigneeDone, EventAssigneeDone, EventReviewApproved, EventApprovalGranted, EventMergeSucceeded}
	for _, kind := range steps {
		if err := e.Dispatch(task.ID, Event{Kind: kind}); err != nil {
			t.Fatalf("dispatch %s: %v", kind, err)
		}
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StageDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}
	if !setupCalled || !mergeCalled {
		t.Fatalf("expected hooks to fire: setup=%v merge=%v", setupCalled, mergeCalled)
	}
}

func TestDispatchMergeFailureNotifiesDRI(t *testing.T) {
	hooks := Hooks{
		EnqueueMerge: func(tx *sql.Tx, task *model.Task) error { return nil },
	}
	e, db, team := newTestEngine(t, hooks)
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          team.ID,
		Title:           "flaky merge",
		Status:          "merging",
		DRI:             "alice",
		WorkflowName:    DefaultName,
		WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := e.Dispatch(task.ID, Event{Kind: EventMergeFailed}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msgs, err := db.Messages().UnreadForRecipient(team.ID, "alice")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one notification to the DRI, got %d", len(msgs))
	}
}

func TestDispatchGatesMergeRetryOnNonTerminalDependency(t *testing.T) {
	mergeCalled := false
	hooks := Hooks{EnqueueMerge: func(tx *sql.Tx, task *model.Task) error { mergeCalled = true; return nil }}
	e, db, team := newTestEngine(t, hooks)
	blocker := createTask(t, db, team.ID)
	task, err := db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "retry me", Status: model.StageMergeFailed,
		WorkflowName: DefaultName, WorkflowVersion: 1, DependsOn: []int64{blocker.ID},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := e.Dispatch(task.ID, Event{Kind: EventAssigneeDone}); err == nil {
		t.Fatal("expected retry to be refused while the dependency is non-terminal")
	}
	if mergeCalled {
		t.Fatal("expected EnqueueMerge hook not to fire")
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StageMergeFailed {
		t.Fatalf("expected status to remain merge_failed, got %s", got.Status)
	}
}

func TestAssignInitialPicksLeastLoadedEngineer(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	busy, err := db.Agents().Create(team.ID, "busy", model.RoleEngineer, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	idle, err := db.Agents().Create(team.ID, "idle", model.RoleEngineer, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "already assigned", Status: "todo",
		AssigneeID: busy.ID, WorkflowName: DefaultName, WorkflowVersion: 1,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	task := createTask(t, db, team.ID)
	if err := e.AssignInitial(task); err != nil {
		t.Fatalf("AssignInitial: %v", err)
	}
	if task.AssigneeID != idle.ID {
		t.Fatalf("expected idle agent %s to be picked, got %s", idle.ID, task.AssigneeID)
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssigneeID != idle.ID {
		t.Fatalf("expected persisted assignee %s, got %s", idle.ID, got.AssigneeID)
	}
}

func TestAssignInitialLeavesTaskUnassignedWithNoEngineers(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	task := createTask(t, db, team.ID)
	if err := e.AssignInitial(task); err != nil {
		t.Fatalf("AssignInitial: %v", err)
	}
	if task.AssigneeID != "" {
		t.Fatalf("expected no assignee on a team with no engineers, got %s", task.AssigneeID)
	}
}

func TestDispatchAssignsEngineerOnReviewChangesIfUnassigned(t *testing.T) {
	e, db, team := newTestEngine(t, Hooks{})
	engineer, err := db.Agents().Create(team.ID, "alice", model.RoleEngineer, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	task, err := db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "send back for changes", Status: "in_review",
		WorkflowName: DefaultName, WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := e.Dispatch(task.ID, Event{Kind: EventReviewChanges}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
	if got.AssigneeID != engineer.ID {
		t.Fatalf("expected assignee %s, got %s", engineer.ID, got.AssigneeID)
	}
}
