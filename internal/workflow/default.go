package workflow

import "github.com/delegate-dev/delegate/internal/model"

// DefaultName is the workflow every task is stamped with unless a
// caller names a different registered workflow at creation.
const DefaultName = "default"

// Event kinds the default workflow's transition table reacts to.
const (
	EventAssigneeDone     = "assignee_done"
	EventReviewApproved   = "review_approved"
	EventReviewChanges    = "review_changes_requested"
	EventApprovalGranted  = "approval_granted"
	EventApprovalRejected = "approval_rejected"
	EventMergeSucceeded   = "merge_succeeded"
	EventMergeFailed      = "merge_failed"
	EventCancel           = "cancel"
)

type todoStage struct{ BaseStage }

// Assign picks an engineer for a brand new task up front, so a task
// doesn't sit unowned in todo waiting for a manager to hand it out
// manually.
func (s todoStage) Assign(ctx Context, task *model.Task) (string, error) {
	if task.AssigneeID != "" {
		return task.AssigneeID, nil
	}
	return ctx.PickAssignee(task, model.RoleEngineer)
}

type inProgressStage struct{ BaseStage }

func (s inProgressStage) Enter(ctx Context, task *model.Task) error {
	return ctx.SetupWorktree(task)
}

// Assign fills in an engineer if the task reaches in_progress still
// unassigned (e.g. a merge_failed retry looping back through it).
func (s inProgressStage) Assign(ctx Context, task *model.Task) (string, error) {
	if task.AssigneeID != "" {
		return task.AssigneeID, nil
	}
	return ctx.PickAssignee(task, model.RoleEngineer)
}

type inReviewStage struct{ BaseStage }

func (s inReviewStage) Enter(ctx Context, task *model.Task) error {
	return ctx.CreateReview(task)
}

type inApprovalStage struct{ BaseStage }

type mergingStage struct{ BaseStage }

func (s mergingStage) Enter(ctx Context, task *model.Task) error {
	return ctx.EnqueueMerge(task)
}

type doneStage struct{ BaseStage }

type rejectedStage struct{ BaseStage }

func (s rejectedStage) Enter(ctx Context, task *model.Task) error {
	return ctx.SendMessage(task, task.DRI, "task "+task.Title+" was rejected: "+task.RejectionReason)
}

type mergeFailedStage struct{ BaseStage }

func (s mergeFailedStage) Enter(ctx Context, task *model.Task) error {
	return ctx.SendMessage(task, task.DRI, "merge failed for task "+task.Title+": "+task.StatusDetail)
}

type cancelledStage struct{ BaseStage }

// Default builds the workflow spec §3 describes: a linear sequence
// todo → in_progress → in_review → in_approval → merging → done, with
// branches to rejected, merge_failed, and cancelled.
func Default() *Workflow {
	stages := []Stage{
		todoStage{BaseStage{StageKey: "todo", StageLabel: "To do"}},
		inProgressStage{BaseStage{StageKey: "in_progress", StageLabel: "In progress"}},
		inReviewStage{BaseStage{StageKey: "in_review", StageLabel: "In review"}},
		inApprovalStage{BaseStage{StageKey: "in_approval", StageLabel: "In approval"}},
		mergingStage{BaseStage{StageKey: "merging", StageLabel: "Merging"}},
		doneStage{BaseStage{StageKey: model.StageDone, StageLabel: "Done"}},
		rejectedStage{BaseStage{StageKey: model.StageRejected, StageLabel: "Rejected"}},
		mergeFailedStage{BaseStage{StageKey: model.StageMergeFailed, StageLabel: "Merge failed"}},
		cancelledStage{BaseStage{StageKey: model.StageCancelled, StageLabel: "Cancelled"}},
	}

	transitions := map[TransitionKey]string{
		{Stage: "todo", EventKind: EventAssigneeDone}:                  "in_progress",
		{Stage: "in_progress", EventKind: EventAssigneeDone}:           "in_review",
		{Stage: "in_review", EventKind: EventReviewApproved}:           "in_approval",
		{Stage: "in_review", EventKind: EventReviewChanges}:            "in_progress",
		{Stage: "in_approval", EventKind: EventApprovalGranted}:        "merging",
		{Stage: "in_approval", EventKind: EventApprovalRejected}:       "rejected",
		{Stage: "merging", EventKind: EventMergeSucceeded}:              model.StageDone,
		{Stage: "merging", EventKind: EventMergeFailed}:                 model.StageMergeFailed,
		{Stage: model.StageMergeFailed, EventKind: EventAssigneeDone}:   "merging",
	}
	for _, from := range []string{"todo", "in_progress", "in_review", "in_approval"} {
		transitions[TransitionKey{Stage: from, EventKind: EventCancel}] = model.StageCancelled
	}

	return New(DefaultName, 1, stages, transitions)
}
