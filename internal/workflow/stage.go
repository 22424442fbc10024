// Package workflow implements the stage machine and transition graph
// tasks move through. Workflows are authored as code: a name, a version,
// an ordered list of Stage implementations, and a transition table keyed
// by (stage, event kind). Stage hooks never touch git, the DB, or the
// file system directly — ctx is the only legal side-effect surface.
package workflow

import "github.com/delegate-dev/delegate/internal/model"

// Event is a signal dispatched to a task's current stage: a completion
// message, a review decision, a merge outcome, and so on.
type Event struct {
	Kind    string
	Detail  string // carried into status_detail on a matched transition
	Payload any
}

// Context is the side-effect surface a Stage hook may use. Every method
// either runs against the transaction the transition is applied in, or
// is deliberately a no-op when the corresponding subsystem hasn't been
// wired (tests exercising stage logic in isolation).
type Context interface {
	// SetupWorktree provisions (or confirms) the task's worktree. Refuses
	// with ErrDependenciesNotTerminal until every depends_on task is
	// terminal.
	SetupWorktree(task *model.Task) error

	// CreateReview opens a review attempt for the task's current diff.
	CreateReview(task *model.Task) error

	// EnqueueMerge hands the task to the merge worker's per-branch queue.
	EnqueueMerge(task *model.Task) error

	// RunScript executes a configured shell command against the task's
	// worktree (e.g. a pre-merge test command) and records its outcome.
	RunScript(task *model.Task, script string) error

	// SendMessage delivers a system-authored chat message related to
	// task, e.g. notifying a DRI of a rejection or merge failure.
	SendMessage(task *model.Task, to, body string) error

	// SetStatus records a free-form status detail string on the task
	// without moving it to a different stage.
	SetStatus(task *model.Task, detail string) error

	// PickAssignee returns the id of the team's role agent with the
	// fewest active (non-terminal) tasks already on their plate, or ""
	// if the team has no agent with that role.
	PickAssignee(task *model.Task, role model.Role) (string, error)
}

// Stage is a node in a workflow. Enter/Exit bracket a transition into
// and out of the stage; Action reacts to events while a task sits in
// the stage; Assign picks the next assignee when the stage is entered.
type Stage interface {
	Key() string
	Label() string

	Enter(ctx Context, task *model.Task) error
	Exit(ctx Context, task *model.Task) error
	Action(ctx Context, task *model.Task, event Event) error
	Assign(ctx Context, task *model.Task) (assigneeID string, err error)
}

// BaseStage gives every concrete Stage no-op Enter/Exit/Action/Assign
// implementations, so a stage only needs to override the hooks it
// actually uses — mirrors the teacher's preference for small structs
// over deep inheritance (spec's redesign note: tagged data + interface,
// not subclassing).
type BaseStage struct {
	StageKey   string
	StageLabel string
}

func (b BaseStage) Key() string   { return b.StageKey }
func (b BaseStage) Label() string { return b.StageLabel }

func (b BaseStage) Enter(ctx Context, task *model.Task) error               { return nil }
func (b BaseStage) Exit(ctx Context, task *model.Task) error                { return nil }
func (b BaseStage) Action(ctx Context, task *model.Task, event Event) error { return nil }
func (b BaseStage) Assign(ctx Context, task *model.Task) (string, error)    { return "", nil }
