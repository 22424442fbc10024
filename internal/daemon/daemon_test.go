package daemon

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/modelsession"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/workflow"
	"github.com/delegate-dev/delegate/internal/worktree"
)

// newTestDaemon builds a Daemon directly (bypassing New, which acquires
// the singleton lock and touches the full on-disk layout) so tests can
// exercise the wiring logic against a throwaway home directory.
func newTestDaemon(t *testing.T) (*Daemon, *model.Team) {
	t.Helper()
	home := t.TempDir()
	dbPath := filepath.Join(home, "protected", "delegate.db")
	if err := store.Migrate(dbPath, filepath.Join(home, "protected", "backups")); err != nil {
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

	registry := workflow.NewRegistry()
	registry.Register(workflow.Default())
	bus := eventbus.New(db)
	worktrees := worktree.NewManager(db, filepath.Join(home, "teams"))

	d := &Daemon{
		home:      home,
		db:        db,
		bus:       bus,
		registry:  registry,
		worktrees: worktrees,
	}
	d.engine = workflow.NewEngine(db, bus, registry, workflow.Hooks{
		SetupWorktree: worktrees.Setup,
		CreateReview:  d.createReviewHook,
	})
	return d, team
}

func TestSessionConfigForEngineerScopesToAssignedWorktrees(t *testing.T) {
	d, team := newTestDaemon(t)

	agent, err := d.db.Agents().Create(team.ID, "alice", model.RoleEngineer, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	repo, err := d.db.Repos().Create(&model.Repo{
		TeamID: team.ID, Path: t.TempDir(), DisplayName: "app", TargetBranch: "main",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	task, err := d.db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "add endpoint", Status: "todo",
		AssigneeID: agent.ID, RepoIDs: []int64{repo.ID},
		WorkflowName: workflow.DefaultName, WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	cfg, err := d.sessionConfigFor(agent)
	if err != nil {
		t.Fatalf("sessionConfigFor: %v", err)
	}

	worktreePath := d.worktrees.Path(team.ID, agent.ID, task.ID, repo.DisplayName)
	if err := cfg.Guard.CheckWrite(worktreePath); err != nil {
		t.Errorf("expected write to assigned worktree to be allowed, got %v", err)
	}
	if err := cfg.Guard.CheckWrite(filepath.Join(d.worktrees.TeamDir(team.ID), "agents", "bob", "memory", "notes.md")); err == nil {
		t.Errorf("expected write to another agent's directory to be denied")
	}
}

func TestSessionConfigForManagerGetsWholeTeamDir(t *testing.T) {
	d, team := newTestDaemon(t)

	agent, err := d.db.Agents().Create(team.ID, "carol", model.RoleManager, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	cfg, err := d.sessionConfigFor(agent)
	if err != nil {
		t.Fatalf("sessionConfigFor: %v", err)
	}

	other := filepath.Join(d.worktrees.TeamDir(team.ID), "agents", "alice", "memory", "notes.md")
	if err := cfg.Guard.CheckWrite(other); err != nil {
		t.Errorf("expected manager write anywhere under the team dir to be allowed, got %v", err)
	}
}

func TestSessionConfigForIgnoresTerminalTasks(t *testing.T) {
	d, team := newTestDaemon(t)

	agent, err := d.db.Agents().Create(team.ID, "alice", model.RoleEngineer, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	repo, err := d.db.Repos().Create(&model.Repo{
		TeamID: team.ID, Path: t.TempDir(), DisplayName: "app", TargetBranch: "main",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	task, err := d.db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "done already", Status: model.StageDone,
		AssigneeID: agent.ID, RepoIDs: []int64{repo.ID},
		WorkflowName: workflow.DefaultName, WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	cfg, err := d.sessionConfigFor(agent)
	if err != nil {
		t.Fatalf("sessionConfigFor: %v", err)
	}

	worktreePath := d.worktrees.Path(team.ID, agent.ID, task.ID, repo.DisplayName)
	if err := cfg.Guard.CheckWrite(worktreePath); err == nil {
		t.Errorf("expected a terminal task's worktree to no longer be in the allow set")
	}
}

func TestCreateReviewHookStampsIncrementingAttempt(t *testing.T) {
	d, team := newTestDaemon(t)

	agent, err := d.db.Agents().Create(team.ID, "dana", model.RoleReviewer, "")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	task, err := d.db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "review me", Status: "todo",
		ReviewerID:   agent.ID,
		WorkflowName: workflow.DefaultName, WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	run := func() {
		if err := d.db.WithTx(func(tx *sql.Tx) error {
			return d.createReviewHook(tx, task)
		}); err != nil {
			t.Fatalf("createReviewHook: %v", err)
		}
	}
	run()
	run()

	reviews, err := d.db.Reviews().ListForTask(task.ID)
	if err != nil {
		t.Fatalf("ListForTask: %v", err)
	}
	if len(reviews) != 2 {
		t.Fatalf("expected 2 review attempts, got %d", len(reviews))
	}
	if reviews[0].Attempt != 1 || reviews[1].Attempt != 2 {
		t.Errorf("expected attempts 1 and 2, got %d and %d", reviews[0].Attempt, reviews[1].Attempt)
	}
	for _, r := range reviews {
		if r.Reviewer != agent.ID {
			t.Errorf("expected reviewer %s, got %s", agent.ID, r.Reviewer)
		}
	}
}

func TestStubSessionFactoryAlwaysErrors(t *testing.T) {
	cfg := modelsession.SessionConfig{Agent: &model.Agent{Name: "alice"}}
	sess, err := stubSessionFactory(cfg)
	if err != nil {
		t.Fatalf("stubSessionFactory: %v", err)
	}
	if !sess.Alive() {
		t.Fatalf("expected a freshly built session to be alive")
	}
	if _, err := sess.RunTurn(context.Background(), modelsession.TurnBatch{}); err == nil {
		t.Fatalf("expected RunTurn to report no transport configured")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.Alive() {
		t.Fatalf("expected session to report dead after Close")
	}
}
