// Package toolserver is the in-process tool boundary agents call through
// (spec §4.7). It runs inside the daemon, outside the OS sandbox, and
// exposes a fixed vocabulary of protected operations — mailbox and task
// CRUD, repo listing. Administrative operations (network edits, team
// create/delete, workflow registration) are deliberately absent: they are
// CLI-only. Every tool closure is bound to the calling agent's Identity so
// a tool call can never impersonate another agent.
package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/workflow"
)

// ErrUnknownTool is returned by Call for a tool name outside the fixed
// vocabulary.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Handler is a single tool's implementation, already closed over the
// calling agent's Identity by Call.
type Handler func(ctx context.Context, identity Identity, args json.RawMessage) (any, error)

// Server dispatches tool calls to their handlers.
type Server struct {
	db       *store.DB
	bus      *eventbus.Bus
	registry *workflow.Registry
	engine   *workflow.Engine
}

// New builds a tool server over the shared store, event bus, workflow
// registry (used to stamp workflow_version at task_create time), and the
// workflow engine (used to run a new task's initial assignment and to
// dispatch review decisions).
func New(db *store.DB, bus *eventbus.Bus, registry *workflow.Registry, engine *workflow.Engine) *Server {
	return &Server{db: db, bus: bus, registry: registry, engine: engine}
}

// Call dispatches one tool invocation. Handlers that mutate a task
// (task_create, task_assign, task_status, task_cancel, task_attach,
// task_detach, task_review) persist a tool_result message for
// auditability via recordToolResult. mailbox_send and task_comment
// persist only the chat message they deliver and its event, with no
// tool_result; the read-only tools persist nothing.
func (s *Server) Call(ctx context.Context, identity Identity, tool string, args json.RawMessage) (any, error) {
	handler, ok := s.handlers()[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	return handler(ctx, identity, args)
}

func (s *Server) handlers() map[string]Handler {
	return map[string]Handler{
		"mailbox_send":  s.mailboxSend,
		"mailbox_inbox": s.mailboxInbox,
		"task_create":   s.taskCreate,
		"task_list":     s.taskList,
		"task_show":     s.taskShow,
		"task_assign":   s.taskAssign,
		"task_status":   s.taskStatus,
		"task_comment":  s.taskComment,
		"task_cancel":   s.taskCancel,
		"task_attach":   s.taskAttach,
		"task_detach":   s.taskDetach,
		"task_review":   s.taskReview,
		"repo_list":     s.repoList,
	}
}

// recordToolResult persists the observable outcome of a tool call as a
// tool_result message sent by "daemon" to the caller's own mailbox and
// appends the matching event, inside the same transaction as the state
// change it describes.
func (s *Server) recordToolResult(tx *sql.Tx, identity Identity, kind, summary string, relatedTaskID *int64) error {
	msg := &model.Message{
		TeamID:        identity.TeamID,
		Sender:        "daemon",
		Recipient:     identity.Address,
		Kind:          model.MessageToolResult,
		Body:          summary,
		RelatedTaskID: relatedTaskID,
	}
	if err := s.db.Messages().Create(tx, msg); err != nil {
		return fmt.Errorf("record tool_result: %w", err)
	}
	_, err := s.bus.Publish(tx, identity.TeamID, kind, map[string]any{
		"agent_id": identity.AgentID,
		"summary":  summary,
	})
	return err
}
