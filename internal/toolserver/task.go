package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/workflow"
)

type taskCreateArgs struct {
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Priority     int     `json:"priority"`
	RepoIDs      []int64 `json:"repo_ids"`
	DependsOn    []int64 `json:"depends_on,omitempty"`
	ReviewerID   string  `json:"reviewer_id,omitempty"`
	DRI          string  `json:"dri,omitempty"`
	WorkflowName string  `json:"workflow_name,omitempty"`
}

// taskCreate creates a task owned by the caller's team, in the workflow's
// initial stage. The tool server trusts the identity it was called with
// and does not check its role, so any caller can create a task.
func (s *Server) taskCreate(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskCreateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_create: %w", err)
	}
	if args.Title == "" {
		return nil, fmt.Errorf("task_create: title is required")
	}
	workflowName := args.WorkflowName
	if workflowName == "" {
		workflowName = "default"
	}
	wf, err := s.registry.Latest(workflowName)
	if err != nil {
		return nil, fmt.Errorf("task_create: %w", err)
	}

	task := &model.Task{
		TeamID:          identity.TeamID,
		Title:           args.Title,
		Description:     args.Description,
		Priority:        args.Priority,
		Status:          wf.InitialStage().Key(),
		DRI:             args.DRI,
		ReviewerID:      args.ReviewerID,
		RepoIDs:         args.RepoIDs,
		DependsOn:       args.DependsOn,
		WorkflowName:    workflowName,
		WorkflowVersion: wf.Version,
	}
	created, err := s.db.Tasks().Create(task)
	if err != nil {
		return nil, err
	}
	if err := s.engine.AssignInitial(created); err != nil {
		return nil, err
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		return s.recordToolResult(tx, identity, "task_created", fmt.Sprintf("created task %d: %s", created.ID, created.Title), &created.ID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type taskListArgs struct {
	Status string `json:"status,omitempty"`
}

func (s *Server) taskList(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskListArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("task_list: %w", err)
		}
	}
	return s.db.Tasks().ListByTeam(identity.TeamID, args.Status)
}

type taskIDArgs struct {
	TaskID int64 `json:"task_id"`
}

func (s *Server) taskShow(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_show: %w", err)
	}
	task, err := s.db.Tasks().Get(args.TaskID)
	if err != nil {
		return nil, err
	}
	if task.TeamID != identity.TeamID {
		return nil, fmt.Errorf("task_show: task %d is not in this team", args.TaskID)
	}
	return task, nil
}

type taskAssignArgs struct {
	TaskID     int64  `json:"task_id"`
	AssigneeID string `json:"assignee_id"`
}

func (s *Server) taskAssign(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskAssignArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_assign: %w", err)
	}
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Tasks().SetAssignee(tx, args.TaskID, args.AssigneeID); err != nil {
			return err
		}
		return s.recordToolResult(tx, identity, "task_assigned", fmt.Sprintf("assigned task %d to %s", args.TaskID, args.AssigneeID), &args.TaskID)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "assignee_id": args.AssigneeID}, nil
}

type taskStatusArgs struct {
	TaskID int64  `json:"task_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// taskStatus is the free-form status-detail update tools issue mid-turn
// (e.g. "running tests"). Workflow-stage transitions themselves go
// through the workflow engine, not directly through this tool: a status
// other than the task's current stage is refused.
func (s *Server) taskStatus(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_status: %w", err)
	}
	task, err := s.db.Tasks().Get(args.TaskID)
	if err != nil {
		return nil, err
	}
	if args.Status != "" && args.Status != task.Status {
		return nil, fmt.Errorf("task_status: task %d is in %s; stage changes go through the workflow engine", args.TaskID, task.Status)
	}
	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Tasks().SetStatus(tx, args.TaskID, task.Status, args.Detail); err != nil {
			return err
		}
		return s.recordToolResult(tx, identity, "task_status_updated", fmt.Sprintf("task %d: %s", args.TaskID, args.Detail), &args.TaskID)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "status": task.Status}, nil
}

type taskCommentArgs struct {
	TaskID int64  `json:"task_id"`
	Body   string `json:"body"`
}

// taskComment posts a chat-kind message tied to a task to the task's
// DRI's mailbox, or to its assignee's when the task has no DRI; the
// reviewer is not sent a copy.
func (s *Server) taskComment(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskCommentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_comment: %w", err)
	}
	task, err := s.db.Tasks().Get(args.TaskID)
	if err != nil {
		return nil, err
	}
	recipient := task.DRI
	if recipient == "" {
		recipient = task.AssigneeID
	}

	var msg *model.Message
	err = s.db.WithTx(func(tx *sql.Tx) error {
		msg = &model.Message{
			TeamID:        identity.TeamID,
			Sender:        identity.Address,
			Recipient:     recipient,
			Kind:          model.MessageChat,
			Body:          args.Body,
			RelatedTaskID: &args.TaskID,
		}
		if err := s.db.Messages().Create(tx, msg); err != nil {
			return err
		}
		_, err := s.bus.Publish(tx, identity.TeamID, "task_commented", map[string]any{"task_id": args.TaskID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": msg.ID}, nil
}

type taskCancelArgs struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// taskCancel moves a task to its terminal cancelled stage. On a task
// that's already terminal, it's a no-op that returns the existing
// status rather than clobbering completed_at with a second stamp.
func (s *Server) taskCancel(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskCancelArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_cancel: %w", err)
	}
	task, err := s.db.Tasks().Get(args.TaskID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(task.Status) {
		return map[string]any{"task_id": args.TaskID, "status": task.Status}, nil
	}
	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Tasks().Complete(tx, args.TaskID, model.StageCancelled); err != nil {
			return err
		}
		return s.recordToolResult(tx, identity, "task_cancelled", fmt.Sprintf("task %d cancelled: %s", args.TaskID, args.Reason), &args.TaskID)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "status": model.StageCancelled}, nil
}

type taskDependencyArgs struct {
	TaskID      int64 `json:"task_id"`
	DependsOnID int64 `json:"depends_on_id"`
}

// taskAttach adds a dependency edge (task_id depends on depends_on_id),
// subject to the dependency-freeze invariant (spec §3 invariant (a)).
func (s *Server) taskAttach(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskDependencyArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_attach: %w", err)
	}
	task, err := s.db.Tasks().Get(args.TaskID)
	if err != nil {
		return nil, err
	}
	newDeps := append(append([]int64{}, task.DependsOn...), args.DependsOnID)
	if err := s.db.Tasks().UpdateDependencies(args.TaskID, newDeps); err != nil {
		return nil, err
	}
	err = s.db.WithTx(func(tx *sql.Tx) error {
		return s.recordToolResult(tx, identity, "task_dependency_added", fmt.Sprintf("task %d now depends on %d", args.TaskID, args.DependsOnID), &args.TaskID)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "depends_on_id": args.DependsOnID}, nil
}

type taskReviewArgs struct {
	TaskID   int64                  `json:"task_id"`
	Decision string                 `json:"decision"`
	Summary  string                 `json:"summary,omitempty"`
	Comments []model.ReviewComment  `json:"comments,omitempty"`
}

// taskReview finalizes a task's current open review attempt with the
// reviewer's decision and dispatches the matching workflow event —
// approved moves the task to in_approval, changes_requested sends it
// back to in_progress.
func (s *Server) taskReview(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskReviewArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_review: %w", err)
	}
	decision := model.ReviewDecision(args.Decision)
	if decision != model.ReviewApproved && decision != model.ReviewChangesRequested {
		return nil, fmt.Errorf("task_review: unknown decision %q", args.Decision)
	}

	attempt, err := s.db.Reviews().LatestAttempt(args.TaskID)
	if err != nil {
		return nil, err
	}
	if attempt == 0 {
		return nil, fmt.Errorf("task_review: task %d has no open review attempt", args.TaskID)
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Reviews().Finalize(tx, args.TaskID, attempt, decision, args.Summary, args.Comments); err != nil {
			return err
		}
		return s.recordToolResult(tx, identity, "task_reviewed", fmt.Sprintf("task %d review attempt %d: %s", args.TaskID, attempt, decision), &args.TaskID)
	})
	if err != nil {
		return nil, err
	}

	eventKind := workflow.EventReviewChanges
	if decision == model.ReviewApproved {
		eventKind = workflow.EventReviewApproved
	}
	if err := s.engine.Dispatch(args.TaskID, workflow.Event{Kind: eventKind, Detail: args.Summary}); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "attempt": attempt, "decision": string(decision)}, nil
}

// taskDetach removes a dependency edge. Removal is always permitted, even
// once the remaining dependencies are terminal.
func (s *Server) taskDetach(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args taskDependencyArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("task_detach: %w", err)
	}
	task, err := s.db.Tasks().Get(args.TaskID)
	if err != nil {
		return nil, err
	}
	var remaining []int64
	for _, d := range task.DependsOn {
		if d != args.DependsOnID {
			remaining = append(remaining, d)
		}
	}
	if err := s.db.Tasks().UpdateDependencies(args.TaskID, remaining); err != nil {
		return nil, err
	}
	err = s.db.WithTx(func(tx *sql.Tx) error {
		return s.recordToolResult(tx, identity, "task_dependency_removed", fmt.Sprintf("task %d no longer depends on %d", args.TaskID, args.DependsOnID), &args.TaskID)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "depends_on_id": args.DependsOnID}, nil
}
