package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/metrics"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/version"
	"github.com/delegate-dev/delegate/internal/workflow"
	"github.com/delegate-dev/delegate/internal/worktree"
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

	team, err := db.Teams().Create("acme", "ship things")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	registry := workflow.NewRegistry()
	registry.Register(workflow.Default())
	bus := eventbus.New(db)
	engine := workflow.NewEngine(db, bus, registry, workflow.Hooks{})
	worktrees := worktree.NewManager(db, dir)
	reg := metrics.New()
	checker := version.NewChecker("delegate-dev", "delegate")

	srv := New(db, bus, engine, worktrees, reg, checker, Config{Home: dir}, []string{"*"})
	return srv, db, team
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestBootstrapReturnsTeamsAndSnapshot(t *testing.T) {
	srv, _, team := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/bootstrap", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Teams        []*model.Team `json:"teams"`
		InitialTeam  *teamSnapshot `json:"initial_team"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Teams) != 1 || resp.Teams[0].ID != team.ID {
		t.Fatalf("expected one team %s, got %v", team.ID, resp.Teams)
	}
	if resp.InitialTeam == nil || resp.InitialTeam.Team.ID != team.ID {
		t.Fatalf("expected initial_team snapshot for %s, got %+v", team.ID, resp.InitialTeam)
	}
}

func TestVersionEndpointReportsCurrent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	version.Version = "1.2.3"

	w := doRequest(t, srv, http.MethodGet, "/api/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var info version.Info
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Current != "1.2.3" {
		t.Fatalf("expected current version 1.2.3, got %q", info.Current)
	}
}

func TestCreateAndFetchTask(t *testing.T) {
	srv, db, team := newTestServer(t)
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          team.ID,
		Title:           "fix the thing",
		Status:          "todo",
		WorkflowName:    workflow.DefaultName,
		WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := doRequest(t, srv, http.MethodGet, "/api/tasks/"+itoa(task.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got model.Task
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != task.ID || got.Title != "fix the thing" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestGetTaskMissingReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/tasks/999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, expected 404", w.Code)
	}
}

func TestListTasksRequiresTeamID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/tasks", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, expected 400", w.Code)
	}
}

func TestApproveDispatchesTransition(t *testing.T) {
	srv, db, team := newTestServer(t)
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          team.ID,
		Title:           "fix the thing",
		Status:          "in_approval",
		WorkflowName:    workflow.DefaultName,
		WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/approve", decisionRequest{Reason: "looks good"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got model.Task
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "merging" {
		t.Fatalf("expected status merging after approval, got %q", got.Status)
	}
	if got.ApprovalStatus != model.ApprovalApproved {
		t.Fatalf("expected approval_status approved, got %q", got.ApprovalStatus)
	}
}

func TestRejectMovesTaskToTerminalRejected(t *testing.T) {
	srv, db, team := newTestServer(t)
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          team.ID,
		Title:           "fix the thing",
		Status:          "in_approval",
		WorkflowName:    workflow.DefaultName,
		WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/reject", decisionRequest{Reason: "needs more work"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got model.Task
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != model.StageRejected {
		t.Fatalf("expected rejected, got %q", got.Status)
	}
}

func TestReviewDecisionApprovedMovesToInApproval(t *testing.T) {
	srv, db, team := newTestServer(t)
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          team.ID,
		Title:           "fix the thing",
		Status:          "in_review",
		ReviewerID:      "dana",
		WorkflowName:    workflow.DefaultName,
		WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := db.Reviews().Create(&model.Review{TaskID: task.ID, Attempt: 1, Reviewer: "dana"}); err != nil {
		t.Fatalf("create review: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/review", reviewDecisionRequest{
		Decision: string(model.ReviewApproved), Summary: "looks good",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got model.Task
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "in_approval" {
		t.Fatalf("expected in_approval, got %q", got.Status)
	}

	reviews, err := db.Reviews().ListForTask(task.ID)
	if err != nil {
		t.Fatalf("ListForTask: %v", err)
	}
	if len(reviews) != 1 || reviews[0].Decision != model.ReviewApproved || reviews[0].Summary != "looks good" {
		t.Fatalf("unexpected review state: %+v", reviews)
	}
}

func TestReviewDecisionRejectsMissingOpenAttempt(t *testing.T) {
	srv, db, team := newTestServer(t)
	task, err := db.Tasks().Create(&model.Task{
		TeamID:          team.ID,
		Title:           "fix the thing",
		Status:          "in_progress",
		WorkflowName:    workflow.DefaultName,
		WorkflowVersion: 1,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/review", reviewDecisionRequest{
		Decision: string(model.ReviewApproved),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, expected 409, body = %s", w.Code, w.Body.String())
	}
}

func TestSendMessageThenListMessages(t *testing.T) {
	srv, _, team := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/messages", sendMessageRequest{
		TeamID:    team.ID,
		Sender:    "human",
		Recipient: "wendy",
		Body:      "hi there",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodGet, "/teams/"+team.ID+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Messages []*model.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Body != "hi there" {
		t.Fatalf("unexpected messages: %+v", resp.Messages)
	}
}

func TestGreetSendsIntroMessage(t *testing.T) {
	srv, _, team := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/teams/"+team.ID+"/greet", greetRequest{Recipient: "wendy"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStreamRespondsWithEventStreamHeaders(t *testing.T) {
	srv, _, team := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stream?team_id="+team.ID, nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
