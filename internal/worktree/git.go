package worktree

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// GitError carries the raw stdout/stderr of a failed git invocation so the
// caller can decide what it means rather than have this package interpret
// porcelain text.
type GitError struct {
	Command string
	Args    []string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Git wraps subprocess git operations rooted at a single repo's working
// directory, shared by worktree provisioning and the merge worker — both
// are daemon-only callers; no verb here is ever reachable from an
// agent-issued tool.
type Git struct {
	dir string
}

// OpenGit opens a Git handle rooted at dir.
func OpenGit(dir string) *Git { return &Git{dir: dir} }

func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", g.wrapError(err, stdout.String(), stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) wrapError(err error, stdout, stderr string, args []string) error {
	command := ""
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			command = arg
			break
		}
	}
	return &GitError{
		Command: command,
		Args:    args,
		Stdout:  strings.TrimSpace(stdout),
		Stderr:  strings.TrimSpace(stderr),
		Err:     err,
	}
}

// Rev resolves ref to its commit sha.
func (g *Git) Rev(ref string) (string, error) {
	return g.run("rev-parse", ref)
}

func (g *Git) Checkout(ref string) error {
	_, err := g.run("checkout", ref)
	return err
}

func (g *Git) Fetch(remote string) error {
	_, err := g.run("fetch", remote)
	return err
}

// CreateBranchFrom creates a new branch from a specific ref without
// checking it out.
func (g *Git) CreateBranchFrom(name, ref string) error {
	_, err := g.run("branch", name, ref)
	return err
}

// WorktreeAddFromRef creates a worktree at path on a new branch that
// starts at startPoint.
func (g *Git) WorktreeAddFromRef(path, branch, startPoint string) error {
	_, err := g.run("worktree", "add", "-b", branch, path, startPoint)
	return err
}

// WorktreeRemove removes a worktree. force also discards uncommitted
// changes inside it.
func (g *Git) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(args...)
	return err
}

func (g *Git) WorktreePrune() error {
	_, err := g.run("worktree", "prune")
	return err
}

func (g *Git) Rebase(onto string) error {
	_, err := g.run("rebase", onto)
	return err
}

func (g *Git) AbortRebase() error {
	_, err := g.run("rebase", "--abort")
	return err
}

func (g *Git) AbortMerge() error {
	_, err := g.run("merge", "--abort")
	return err
}

// MergeSquashStage stages the given branch's changes onto the current
// commit without creating a merge commit and without committing. A
// conflict leaves conflict markers in the working tree and is reported
// back via GetConflictingFiles rather than as an error here, mirroring
// CheckConflicts's "observe, don't interpret" contract.
func (g *Git) MergeSquashStage(branch string) error {
	_, err := g.run("merge", "--squash", branch)
	return err
}

// TakeOurs resolves a conflicted path in favor of the currently checked
// out commit (the "ours" side of the in-progress merge) and stages it.
func (g *Git) TakeOurs(path string) error {
	if _, err := g.run("checkout", "--ours", "--", path); err != nil {
		return err
	}
	_, err := g.run("add", "--", path)
	return err
}

// Commit commits whatever is currently staged.
func (g *Git) Commit(message string) error {
	_, err := g.run("commit", "-m", message)
	return err
}

// GetConflictingFiles lists unmerged files via the porcelain diff filter,
// never by parsing a conflicting merge's stderr.
func (g *Git) GetConflictingFiles() ([]string, error) {
	out, err := g.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, f := range strings.Split(out, "\n") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// CheckConflicts attempts a test merge of source into the branch currently
// checked out and reports the conflicting files, if any. The attempt is
// always undone: on a clean merge via reset --hard, on a conflicting one
// via merge --abort.
func (g *Git) CheckConflicts(source string) ([]string, error) {
	_, mergeErr := g.run("merge", "--no-commit", "--no-ff", source)
	if mergeErr != nil {
		conflicts, err := g.GetConflictingFiles()
		_ = g.AbortMerge()
		if err == nil && len(conflicts) > 0 {
			return conflicts, nil
		}
		return nil, mergeErr
	}
	_, _ = g.run("reset", "--hard", "HEAD")
	return nil, nil
}

// ResetHard discards the worktree's uncommitted and committed-since-ref
// changes, resetting to ref.
func (g *Git) ResetHard(ref string) error {
	_, err := g.run("reset", "--hard", ref)
	return err
}

// Diff returns the unified diff between two refs, the wire format the
// HTTP surface's task-diff endpoint returns verbatim.
func (g *Git) Diff(base, head string) (string, error) {
	return g.run("diff", base, head)
}

// HashObject returns the blob sha git would assign to path's current
// working-tree content, used to detect a stale expected_sha on a
// reviewer-submitted edit.
func (g *Git) HashObject(path string) (string, error) {
	return g.run("hash-object", path)
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ancestor, descendant string) (bool, error) {
	_, err := g.run("merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FastForward advances branch to ref without checking it out, refusing
// (by the nature of update-ref with the old-value check) if branch isn't
// currently at the value the caller expects.
func (g *Git) FastForward(branch, ref, expectedOldValue string) error {
	_, err := g.run("update-ref", "refs/heads/"+branch, ref, expectedOldValue)
	return err
}
