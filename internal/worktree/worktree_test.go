package worktree

import (
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func newTestManager(t *testing.T) (*Manager, *store.DB, *model.Team) {
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

	return NewManager(db, filepath.Join(dir, "home")), db, team
}

func TestSetupCreatesWorktreeAndCapturesBaseSHA(t *testing.T) {
	m, db, team := newTestManager(t)
	repoDir := initTestRepo(t)
	g := OpenGit(repoDir)
	headSHA, err := g.Rev("main")
	if err != nil {
		t.Fatalf("rev: %v", err)
	}

	repo, err := db.Repos().Create(&model.Repo{TeamID: team.ID, Path: repoDir, DisplayName: "app", TargetBranch: "main"})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	task, err := db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "add endpoint", Status: "in_progress",
		AssigneeID: "alice", RepoIDs: []int64{repo.ID}, WorkflowName: "default",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := db.WithTx(func(tx *sql.Tx) error { return m.Setup(tx, task) }); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := BranchName("acme", task.ID); got.Branch != want {
		t.Fatalf("expected branch %q, got %q", want, got.Branch)
	}
	if got.BaseSHAs[repo.ID] != headSHA {
		t.Fatalf("expected base_sha %q, got %q", headSHA, got.BaseSHAs[repo.ID])
	}

	path := m.Path(team.ID, "alice", task.ID, "app")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected worktree at %s: %v", path, err)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Fatalf("expected checked-out file: %v", err)
	}
}

func TestSetupRequiresAssignee(t *testing.T) {
	m, db, team := newTestManager(t)
	repoDir := initTestRepo(t)
	repo, err := db.Repos().Create(&model.Repo{TeamID: team.ID, Path: repoDir, DisplayName: "app", TargetBranch: "main"})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	task, err := db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "no owner", Status: "in_progress", RepoIDs: []int64{repo.ID}, WorkflowName: "default",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	err = db.WithTx(func(tx *sql.Tx) error { return m.Setup(tx, task) })
	if err == nil {
		t.Fatal("expected setup to fail for an unassigned task")
	}
}

func TestTeardownRemovesWorktree(t *testing.T) {
	m, db, team := newTestManager(t)
	repoDir := initTestRepo(t)
	repo, err := db.Repos().Create(&model.Repo{TeamID: team.ID, Path: repoDir, DisplayName: "app", TargetBranch: "main"})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	task, err := db.Tasks().Create(&model.Task{
		TeamID: team.ID, Title: "add endpoint", Status: "in_progress",
		AssigneeID: "alice", RepoIDs: []int64{repo.ID}, WorkflowName: "default",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := db.WithTx(func(tx *sql.Tx) error { return m.Setup(tx, task) }); err != nil {
		t.Fatalf("setup: %v", err)
	}

	task, err = db.Tasks().Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := m.Teardown(task); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	path := m.Path(team.ID, "alice", task.ID, "app")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected worktree to be removed, stat err = %v", err)
	}
}

func TestBranchNameFormatsTaskRef(t *testing.T) {
	if got, want := BranchName("acme", 7), "delegate/acme/T0007"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
