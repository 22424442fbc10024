package toolserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, *store.DB, *model.Team) {
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
	bus := eventbus.New(db)
	registry := workflow.NewRegistry()
	registry.Register(workflow.Default())
	engine := workflow.NewEngine(db, bus, registry, workflow.Hooks{})
	return New(db, bus, registry, engine), db, team
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestTaskCreateAndShow(t *testing.T) {
	s, _, team := newTestServer(t)
	manager := Identity{TeamID: team.ID, AgentID: "a1", Address: "manager", Role: model.RoleManager}

	result, err := s.Call(context.Background(), manager, "task_create", mustJSON(t, taskCreateArgs{
		Title: "implement feature", Priority: 1,
	}))
	if err != nil {
		t.Fatalf("task_create: %v", err)
	}
	created := result.(*model.Task)
	if created.Status != "todo" {
		t.Fatalf("expected initial status todo, got %s", created.Status)
	}

	shown, err := s.Call(context.Background(), manager, "task_show", mustJSON(t, taskIDArgs{TaskID: created.ID}))
	if err != nil {
		t.Fatalf("task_show: %v", err)
	}
	if shown.(*model.Task).Title != "implement feature" {
		t.Fatalf("unexpected task shown: %+v", shown)
	}
}

func TestMailboxSendAndInbox(t *testing.T) {
	s, _, team := newTestServer(t)
	manager := Identity{TeamID: team.ID, AgentID: "a1", Address: "manager", Role: model.RoleManager}
	engineer := Identity{TeamID: team.ID, AgentID: "a2", Address: "engineer", Role: model.RoleEngineer}

	_, err := s.Call(context.Background(), manager, "mailbox_send", mustJSON(t, mailboxSendArgs{
		To: "engineer", Body: "please start task 1",
	}))
	if err != nil {
		t.Fatalf("mailbox_send: %v", err)
	}

	inbox, err := s.Call(context.Background(), engineer, "mailbox_inbox", nil)
	if err != nil {
		t.Fatalf("mailbox_inbox: %v", err)
	}
	msgs := inbox.([]*model.Message)
	if len(msgs) != 1 || msgs[0].Body != "please start task 1" {
		t.Fatalf("unexpected inbox contents: %+v", msgs)
	}

	// The manager's own inbox must remain empty — sending never delivers to self.
	managerInbox, err := s.Call(context.Background(), manager, "mailbox_inbox", nil)
	if err != nil {
		t.Fatalf("mailbox_inbox manager: %v", err)
	}
	if len(managerInbox.([]*model.Message)) != 0 {
		t.Fatalf("expected manager inbox to be empty, got %+v", managerInbox)
	}
}

func TestTaskAttachRespectsDependencyFreeze(t *testing.T) {
	s, db, team := newTestServer(t)
	manager := Identity{TeamID: team.ID, AgentID: "a1", Address: "manager", Role: model.RoleManager}

	done, err := db.Tasks().Create(&model.Task{TeamID: team.ID, Title: "done task", Status: model.StageDone, WorkflowName: "default"})
	if err != nil {
		t.Fatalf("create done task: %v", err)
	}
	target, err := db.Tasks().Create(&model.Task{TeamID: team.ID, Title: "target", Status: "todo", WorkflowName: "default", DependsOn: []int64{done.ID}})
	if err != nil {
		t.Fatalf("create target task: %v", err)
	}
	other, err := db.Tasks().Create(&model.Task{TeamID: team.ID, Title: "other", Status: "todo", WorkflowName: "default"})
	if err != nil {
		t.Fatalf("create other task: %v", err)
	}

	_, err = s.Call(context.Background(), manager, "task_attach", mustJSON(t, taskDependencyArgs{TaskID: target.ID, DependsOnID: other.ID}))
	if err == nil {
		t.Fatal("expected attach to be rejected once existing dependency is terminal")
	}
}

func TestUnknownToolIsRejected(t *testing.T) {
	s, _, team := newTestServer(t)
	identity := Identity{TeamID: team.ID, AgentID: "a1", Address: "manager"}
	if _, err := s.Call(context.Background(), identity, "drop_everything", nil); err != ErrUnknownTool {
		if err == nil {
			t.Fatal("expected an error for an unknown tool")
		}
	}
}
