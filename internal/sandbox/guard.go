// Package sandbox implements the layered enforcement around what an
// agent-issued tool call may touch: a write-path guard, a bash deny-list,
// the disallowed-tool list baked into session creation, OS sandbox config
// generation, and the network egress allowlist. The in-process tool
// server (§4.7 equivalent, `internal/toolserver`) is the fifth layer and
// lives in its own package since it is a boundary, not a check.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/delegate-dev/delegate/internal/model"
)

// DeniedGitVerbs are never advertised to the model and are also scanned
// for in bash strings — the daemon is the sole actor for branch topology.
var DeniedGitVerbs = []string{
	"rebase", "merge", "push", "pull", "fetch", "checkout", "switch",
	"branch", "worktree", "remote", "filter-branch",
}

// DeniedBashSubstrings are forbidden regardless of which tool issued the
// command: a DB console, destructive SQL, and the git verbs above plus a
// couple of specific destructive patterns called out by name.
var DeniedBashSubstrings = append([]string{
	"sqlite3", "psql", "mysql",
	"drop table", "drop database", "truncate table", "delete from",
	"reset --hard", "reflog expire", "rm -rf .git",
}, DeniedGitVerbs...)

// DenialReason explains why a SandboxDenial event fired.
type DenialReason string

const (
	DenialWritePath  DenialReason = "write_path"
	DenialBashVerb   DenialReason = "bash_deny_list"
	DenialToolUnlist DenialReason = "disallowed_tool"
)

// Denial is returned to the calling model in its tool-result channel
// (spec §4.6 error taxonomy: SandboxDenial) so it can adjust; the caller
// is also responsible for recording the corresponding event.
type Denial struct {
	Reason DenialReason
	Detail string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("sandbox denial (%s): %s", d.Reason, d.Detail)
}

// Guard is the in-process callback inspected before every tool invocation.
// One Guard is constructed per agent turn from that agent's AllowedPaths.
type Guard struct {
	allowed AllowedPaths
}

// NewGuard builds a write-path/bash guard scoped to one agent.
func NewGuard(allowed AllowedPaths) *Guard {
	return &Guard{allowed: allowed}
}

// CheckWrite enforces layer 1: the target path of a file-writing tool must
// fall under one of the agent's allowed roots.
func (g *Guard) CheckWrite(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &Denial{Reason: DenialWritePath, Detail: fmt.Sprintf("cannot resolve %q: %v", path, err)}
	}
	for _, root := range g.allowed.Roots {
		if withinRoot(abs, root) {
			return nil
		}
	}
	return &Denial{Reason: DenialWritePath, Detail: fmt.Sprintf("%s is outside the allowed write set", path)}
}

// CheckBash enforces layer 2: no forbidden substring may appear anywhere
// in the command string, matched case-insensitively since shells don't
// care about case for most of these.
func (g *Guard) CheckBash(command string) error {
	lower := strings.ToLower(command)
	for _, bad := range DeniedBashSubstrings {
		if strings.Contains(lower, strings.ToLower(bad)) {
			return &Denial{Reason: DenialBashVerb, Detail: fmt.Sprintf("command contains denied pattern %q", bad)}
		}
	}
	return nil
}

// withinRoot reports whether path is root itself or a descendant of it.
func withinRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// AllowedPaths is the write-path allow-list for one agent, computed from
// its role: managers get the whole team directory; engineers get only
// their own agent directory, their task worktree(s), and the team shared
// folder (spec §4.6 layer 1).
type AllowedPaths struct {
	Roots []string
}

// ForAgent computes the write-path allow-list for an agent given the team
// directory layout and, for engineers, the set of worktree paths for
// tasks currently assigned to them.
func ForAgent(role model.Role, teamDir, agentDir, sharedDir string, worktreePaths []string) AllowedPaths {
	if role == model.RoleManager {
		return AllowedPaths{Roots: []string{teamDir}}
	}
	roots := []string{agentDir, sharedDir}
	roots = append(roots, worktreePaths...)
	return AllowedPaths{Roots: roots}
}

// DisallowedTools returns the tool/verb names that must not be advertised
// to a model session at creation time (spec §4.6 layer 3).
func DisallowedTools() []string {
	tools := make([]string, len(DeniedGitVerbs))
	copy(tools, DeniedGitVerbs)
	return tools
}
