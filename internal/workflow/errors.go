package workflow

import "errors"

// ErrDependenciesNotTerminal is the distinguished error setup_worktree
// (and EnqueueMerge) returns until every depends_on task has reached a
// terminal stage. Dispatch returns it, wrapped, with the task left in its
// current stage; the refused event is not queued or retried later.
var ErrDependenciesNotTerminal = errors.New("task has non-terminal dependencies")

// ErrUnknownWorkflow is returned when a task names a workflow/version
// combination that was never registered.
var ErrUnknownWorkflow = errors.New("unknown workflow name/version")

// ErrUnknownStage is returned when a workflow has no stage matching a
// task's current status.
var ErrUnknownStage = errors.New("unknown stage")
