// Package worktree provisions and tears down the git worktrees that back
// a task while it is in flight. The daemon is the sole actor for every
// branch-topology operation; agents only ever see the resulting directory
// and never the git verbs that produced it.
package worktree

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
)

// TaskRef formats a task id as the T#### reference used in branch names
// and worktree paths.
func TaskRef(taskID int64) string {
	return fmt.Sprintf("T%04d", taskID)
}

// BranchName builds the dedicated branch name for a task, scoped under
// the owning team's display name.
func BranchName(teamName string, taskID int64) string {
	return fmt.Sprintf("delegate/%s/%s", teamName, TaskRef(taskID))
}

// Manager provisions worktrees under rootDir/teams/<team-id>/agents/<assignee>/tasks/T####/<repo>/
// and removes them again once a task leaves that worktree behind.
type Manager struct {
	db      *store.DB
	rootDir string
}

// NewManager builds a worktree manager rooted at rootDir (normally the
// daemon's DELEGATE_HOME).
func NewManager(db *store.DB, rootDir string) *Manager {
	return &Manager{db: db, rootDir: rootDir}
}

// TeamDir returns the team's working directory.
func (m *Manager) TeamDir(teamID string) string {
	return filepath.Join(m.rootDir, "teams", teamID)
}

// Path returns the worktree directory for one repo of one task, under the
// assignee's agent directory.
func (m *Manager) Path(teamID, assignee string, taskID int64, repoDisplayName string) string {
	return filepath.Join(m.TeamDir(teamID), "agents", assignee, "tasks", TaskRef(taskID), repoDisplayName)
}

// Paths returns the worktree directories for every repo in the task's
// repo set, in the same order as task.RepoIDs.
func (m *Manager) Paths(task *model.Task) ([]string, error) {
	paths := make([]string, 0, len(task.RepoIDs))
	for _, repoID := range task.RepoIDs {
		repo, err := m.db.Repos().Get(repoID)
		if err != nil {
			return nil, fmt.Errorf("worktree paths: loading repo %d: %w", repoID, err)
		}
		paths = append(paths, m.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName))
	}
	return paths, nil
}

// Setup implements workflow.Hooks.SetupWorktree: for each of the task's
// repos it captures base_sha off the repo's target branch and creates a
// worktree on a new per-task branch, then persists branch and base_shas
// on the task. Called from the first non-todo stage's enter hook; the
// caller (internal/workflow's engineContext) is responsible for refusing
// this call while any dependency is non-terminal.
func (m *Manager) Setup(tx *sql.Tx, task *model.Task) error {
	if task.AssigneeID == "" {
		return fmt.Errorf("worktree setup: task %d has no assignee", task.ID)
	}
	team, err := m.db.Teams().Get(task.TeamID)
	if err != nil {
		return fmt.Errorf("worktree setup: loading team: %w", err)
	}
	branch := BranchName(team.Name, task.ID)
	baseSHAs := make(map[int64]string, len(task.RepoIDs))

	for _, repoID := range task.RepoIDs {
		repo, err := m.db.Repos().Get(repoID)
		if err != nil {
			return fmt.Errorf("worktree setup: loading repo %d: %w", repoID, err)
		}
		g := OpenGit(repo.Path)
		baseSHA, err := g.Rev(repo.TargetBranch)
		if err != nil {
			return fmt.Errorf("worktree setup: capturing base_sha for repo %d: %w", repoID, err)
		}

		path := m.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("worktree setup: creating parent dir for repo %d: %w", repoID, err)
		}
		if err := g.WorktreeAddFromRef(path, branch, repo.TargetBranch); err != nil {
			return fmt.Errorf("worktree setup: adding worktree for repo %d: %w", repoID, err)
		}
		baseSHAs[repoID] = baseSHA
	}

	return m.db.Tasks().SetBranch(tx, task.ID, branch, baseSHAs)
}

// Teardown removes every worktree a task holds, once that task reaches a
// terminal stage. It is not itself a workflow.Hooks entry: unlike setup,
// which the spec names as an enter-hook side effect, teardown happens
// after the merge worker decides a task's fate, so internal/merge calls
// it directly once its own work is done.
func (m *Manager) Teardown(task *model.Task) error {
	for _, repoID := range task.RepoIDs {
		repo, err := m.db.Repos().Get(repoID)
		if err != nil {
			return fmt.Errorf("worktree teardown: loading repo %d: %w", repoID, err)
		}
		path := m.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName)
		g := OpenGit(repo.Path)
		if err := g.WorktreeRemove(path, true); err != nil {
			return fmt.Errorf("worktree teardown: removing worktree for repo %d: %w", repoID, err)
		}
	}
	return nil
}
