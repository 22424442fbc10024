// Package merge drains the "merging" stage: one task at a time per
// repository, rebasing its branch onto the current target tip, falling
// back to a squash-reapply on conflict, running the repo's pre-merge
// command, and fast-forwarding the target branch. The daemon is the sole
// actor here — nothing in this package is reachable from an agent.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/worktree"
	"github.com/delegate-dev/delegate/internal/workflow"
)

// defaultTestTimeout is the pre-merge command budget when the worker's
// Config leaves TestTimeout unset; repos carry no timeout of their own.
const defaultTestTimeout = 10 * time.Minute

// Config holds merge-worker tunables.
type Config struct {
	TestTimeout time.Duration
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{TestTimeout: defaultTestTimeout}
}

// Worker owns per-repo exclusive merge processing. One Worker is shared
// by the whole daemon; Drain is called once per scheduler tick.
type Worker struct {
	db        *store.DB
	engine    *workflow.Engine
	worktrees *worktree.Manager
	config    Config

	mu      sync.Mutex
	claimed map[int64]bool // repo id -> a task for that repo is being merged
}

// NewWorker builds a merge worker. engine is used to dispatch
// merge_succeeded/merge_failed back into the workflow once a task's
// merge attempt resolves — the event bus is reached only indirectly,
// through the engine's own transition publish.
func NewWorker(db *store.DB, engine *workflow.Engine, worktrees *worktree.Manager, config Config) *Worker {
	if config.TestTimeout <= 0 {
		config.TestTimeout = defaultTestTimeout
	}
	return &Worker{
		db:        db,
		engine:    engine,
		worktrees: worktrees,
		config:    config,
		claimed:   make(map[int64]bool),
	}
}

// Drain scans every team for tasks sitting in "merging" and starts
// processing whichever ones it can claim every one of this repo set's
// locks for, skipping tasks whose repos are already being merged by
// another in-flight task. It returns once every claimable task has been
// handed to its own goroutine — it does not wait for them to finish,
// since a pre-merge command may run for minutes.
func (w *Worker) Drain(ctx context.Context) error {
	teams, err := w.db.Teams().List()
	if err != nil {
		return fmt.Errorf("merge drain: listing teams: %w", err)
	}
	for _, team := range teams {
		tasks, err := w.db.Tasks().ListByTeam(team.ID, "merging")
		if err != nil {
			return fmt.Errorf("merge drain: listing tasks for team %s: %w", team.ID, err)
		}
		for _, task := range tasks {
			if !w.tryClaim(task.RepoIDs) {
				continue
			}
			go func(task *model.Task) {
				defer w.release(task.RepoIDs)
				w.process(ctx, task)
			}(task)
		}
	}
	return nil
}

func (w *Worker) tryClaim(repoIDs []int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range repoIDs {
		if w.claimed[id] {
			return false
		}
	}
	for _, id := range repoIDs {
		w.claimed[id] = true
	}
	return true
}

func (w *Worker) release(repoIDs []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range repoIDs {
		delete(w.claimed, id)
	}
}

// process runs one task's merge attempt to completion and dispatches the
// resulting event. Each of the task's repos is rebased and fast-forwarded
// in turn; the first failure stops the attempt and reports merge_failed.
func (w *Worker) process(ctx context.Context, task *model.Task) {
	for _, repoID := range task.RepoIDs {
		repo, err := w.db.Repos().Get(repoID)
		if err != nil {
			w.fail(task.ID, fmt.Sprintf("loading repo %d: %v", repoID, err))
			return
		}

		path := w.worktrees.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName)
		g := worktree.OpenGit(path)

		if err := g.Rebase(repo.TargetBranch); err != nil {
			_ = g.AbortRebase()
			conflicts, squashErr := w.squashReapply(g, task.Branch, repo.TargetBranch)
			if squashErr != nil {
				if len(conflicts) > 0 {
					w.fail(task.ID, fmt.Sprintf("conflicting files in %s: %s", repo.DisplayName, strings.Join(conflicts, ", ")))
				} else {
					w.fail(task.ID, fmt.Sprintf("rebase of %s onto %s failed: %v", repo.DisplayName, repo.TargetBranch, squashErr))
				}
				return
			}
		}

		if repo.PretestCommand != "" {
			if err := w.runPretest(ctx, path, repo.PretestCommand); err != nil {
				w.fail(task.ID, err.Error())
				return
			}
		}

		if err := w.fastForward(g, repo); err != nil {
			w.fail(task.ID, fmt.Sprintf("fast-forwarding %s: %v", repo.TargetBranch, err))
			return
		}
	}

	if err := w.worktrees.Teardown(task); err != nil {
		_ = w.engine.Dispatch(task.ID, workflow.Event{Kind: workflow.EventMergeFailed, Detail: fmt.Sprintf("merged but failed to remove worktree: %v", err)})
		return
	}
	_ = w.engine.Dispatch(task.ID, workflow.Event{Kind: workflow.EventMergeSucceeded})
}

// squashReapply implements the conflict fallback: a single squash commit
// of target onto branch, with any conflicting file resolved in favor of
// branch's own side. Any conflict that TakeOurs cannot clear aborts the
// attempt and is returned as the remaining file list.
func (w *Worker) squashReapply(g *worktree.Git, branch, target string) (conflicts []string, err error) {
	if err := g.Checkout(branch); err != nil {
		return nil, err
	}
	if mergeErr := g.MergeSquashStage(target); mergeErr != nil {
		conflicts, cErr := g.GetConflictingFiles()
		if cErr != nil || len(conflicts) == 0 {
			_ = g.ResetHard("HEAD")
			return nil, mergeErr
		}
		for _, f := range conflicts {
			if err := g.TakeOurs(f); err != nil {
				_ = g.ResetHard("HEAD")
				return conflicts, err
			}
		}
		remaining, err := g.GetConflictingFiles()
		if err != nil {
			_ = g.ResetHard("HEAD")
			return conflicts, err
		}
		if len(remaining) > 0 {
			_ = g.ResetHard("HEAD")
			return remaining, fmt.Errorf("unresolved conflicts after taking branch side")
		}
	}
	message := fmt.Sprintf("merge %s into %s (squash-reapply)", target, branch)
	return nil, g.Commit(message)
}

// runPretest runs a repo's pre-merge command with stdin closed (Cmd.Stdin
// left nil reads from the null device) under the worker's configured
// timeout.
func (w *Worker) runPretest(ctx context.Context, dir, command string) error {
	runCtx, cancel := context.WithTimeout(ctx, w.config.TestTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("pre-merge command %q timed out after %s", command, w.config.TestTimeout)
	}
	if err != nil {
		return fmt.Errorf("pre-merge command %q failed: %s", command, strings.TrimSpace(out.String()))
	}
	return nil
}

// fastForward advances repo's target branch to the rebased worktree's
// tip using a compare-and-swap update-ref, so the advance is refused if
// anything else moved the target branch in between.
func (w *Worker) fastForward(g *worktree.Git, repo *model.Repo) error {
	tip, err := g.Rev("HEAD")
	if err != nil {
		return fmt.Errorf("resolving rebased tip: %w", err)
	}
	targetGit := worktree.OpenGit(repo.Path)
	oldTip, err := targetGit.Rev(repo.TargetBranch)
	if err != nil {
		return fmt.Errorf("resolving %s tip: %w", repo.TargetBranch, err)
	}
	return targetGit.FastForward(repo.TargetBranch, tip, oldTip)
}

func (w *Worker) fail(taskID int64, detail string) {
	_ = w.engine.Dispatch(taskID, workflow.Event{Kind: workflow.EventMergeFailed, Detail: detail})
}
