package httpapi

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/workflow"
	"github.com/delegate-dev/delegate/internal/worktree"
)

func parseTaskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, "bad_task_id", "task id must be an integer")
		return 0, false
	}
	return id, true
}

// handleListTasks returns every task for a team, optionally filtered by
// status.
func (s *Server) handleListTasks(c *gin.Context) {
	teamID := c.Query("team_id")
	if teamID == "" {
		apiError(c, http.StatusBadRequest, "missing_team_id", "team_id is required")
		return
	}
	tasks, err := s.db.Tasks().ListByTeam(teamID, c.Query("status"))
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleTaskStats reports the review history and dependency state the
// task detail view surfaces alongside the diff.
func (s *Server) handleTaskStats(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	reviews, err := s.db.Reviews().ListForTask(id)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	depsTerminal, err := s.db.Tasks().DependenciesTerminal(id)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                task.Status,
		"approval_status":       task.ApprovalStatus,
		"review_attempts":       len(reviews),
		"dependency_count":      len(task.DependsOn),
		"dependencies_terminal": depsTerminal,
		"created_at":            task.CreatedAt,
		"updated_at":            task.UpdatedAt,
		"completed_at":          task.CompletedAt,
	})
}

// resolveTaskRepoWorktree resolves the worktree directory for one repo
// of a task, defaulting to the task's only repo when repo_id isn't given
// and the task touches exactly one.
func (s *Server) resolveTaskRepoWorktree(c *gin.Context, task *model.Task) (dir string, repoID int64, ok bool) {
	if len(task.RepoIDs) == 0 {
		apiError(c, http.StatusBadRequest, "no_repos", "task has no associated repos")
		return "", 0, false
	}
	repoID = task.RepoIDs[0]
	if q := c.Query("repo_id"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			apiError(c, http.StatusBadRequest, "bad_repo_id", "repo_id must be an integer")
			return "", 0, false
		}
		repoID = parsed
	} else if len(task.RepoIDs) > 1 {
		apiError(c, http.StatusBadRequest, "ambiguous_repo", "task touches multiple repos; repo_id is required")
		return "", 0, false
	}

	repo, err := s.db.Repos().Get(repoID)
	if notFoundOr404(c, err, "repo_not_found") {
		return "", 0, false
	}
	return s.worktrees.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName), repoID, true
}

// handleTaskDiff returns the unified diff of a task's changes against
// the base sha captured when its worktree was created (spec §6's wire
// format for this endpoint).
func (s *Server) handleTaskDiff(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	if task.Branch == "" {
		c.JSON(http.StatusOK, gin.H{"diff": ""})
		return
	}

	var combined string
	for _, repoID := range task.RepoIDs {
		repo, err := s.db.Repos().Get(repoID)
		if err != nil {
			apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		dir := s.worktrees.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName)
		base := task.BaseSHAs[repoID]
		if base == "" {
			continue
		}
		diff, err := worktree.OpenGit(dir).Diff(base, "HEAD")
		if err != nil {
			apiError(c, http.StatusInternalServerError, "diff_failed", err.Error())
			return
		}
		if diff != "" {
			combined += "diff --repo " + repo.DisplayName + "\n" + diff + "\n"
		}
	}
	c.JSON(http.StatusOK, gin.H{"diff": combined})
}

// handleTaskFile returns one file's current working-tree content along
// with its blob sha, the expected_sha a reviewer-edit submission must
// echo back unchanged.
func (s *Server) handleTaskFile(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	path := c.Query("path")
	if path == "" {
		apiError(c, http.StatusBadRequest, "missing_path", "path is required")
		return
	}
	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	dir, _, ok := s.resolveTaskRepoWorktree(c, task)
	if !ok {
		return
	}

	content, sha, err := readWorktreeFile(dir, path)
	if err != nil {
		apiError(c, http.StatusNotFound, "file_not_found", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": content, "sha": sha})
}

type reviewerEditRequest struct {
	RepoID      int64  `json:"repo_id"`
	Path        string `json:"path" binding:"required"`
	Content     string `json:"content"`
	ExpectedSHA string `json:"expected_sha" binding:"required"`
}

// handleReviewerEdit applies a reviewer's direct edit to a file in the
// task's worktree, rejecting it with 409 if the file changed underneath
// the reviewer since they loaded it (spec §6's wire-format note).
func (s *Server) handleReviewerEdit(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req reviewerEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	repoID := req.RepoID
	if repoID == 0 && len(task.RepoIDs) == 1 {
		repoID = task.RepoIDs[0]
	}
	repo, err := s.db.Repos().Get(repoID)
	if notFoundOr404(c, err, "repo_not_found") {
		return
	}
	dir := s.worktrees.Path(task.TeamID, task.AssigneeID, task.ID, repo.DisplayName)

	currentSHA, err := worktree.OpenGit(dir).HashObject(req.Path)
	if err == nil && currentSHA != req.ExpectedSHA {
		apiError(c, http.StatusConflict, "stale_sha", "file changed since it was loaded")
		return
	}

	if err := writeWorktreeFile(dir, req.Path, req.Content); err != nil {
		apiError(c, http.StatusInternalServerError, "write_failed", err.Error())
		return
	}
	newSHA, err := worktree.OpenGit(dir).HashObject(req.Path)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "sha": newSHA})
}

type reviewDecisionRequest struct {
	Decision string                `json:"decision" binding:"required"`
	Summary  string                `json:"summary"`
	Comments []model.ReviewComment `json:"comments"`
}

// handleReviewDecision finalizes a task's current open review attempt
// and dispatches the workflow event that moves it to in_approval (on
// approval) or back to in_progress (on changes requested).
func (s *Server) handleReviewDecision(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req reviewDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	decision := model.ReviewDecision(req.Decision)
	if decision != model.ReviewApproved && decision != model.ReviewChangesRequested {
		apiError(c, http.StatusBadRequest, "bad_decision", "decision must be approved or changes_requested")
		return
	}

	attempt, err := s.db.Reviews().LatestAttempt(id)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if attempt == 0 {
		apiError(c, http.StatusConflict, "no_open_review", "task has no open review attempt")
		return
	}
	err = s.db.WithTx(func(tx *sql.Tx) error {
		return s.db.Reviews().Finalize(tx, id, attempt, decision, req.Summary, req.Comments)
	})
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	eventKind := workflow.EventReviewChanges
	if decision == model.ReviewApproved {
		eventKind = workflow.EventReviewApproved
	}
	if err := s.engine.Dispatch(id, workflow.Event{Kind: eventKind, Detail: req.Summary}); err != nil {
		apiError(c, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}
	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	c.JSON(http.StatusOK, task)
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

// handleApprove records a human's approval of a task's final diff and
// dispatches the workflow event that moves it into merging.
func (s *Server) handleApprove(c *gin.Context) {
	s.dispatchApprovalDecision(c, model.ApprovalApproved, workflow.EventApprovalGranted)
}

// handleReject records a human's rejection, moving the task to its
// terminal rejected stage.
func (s *Server) handleReject(c *gin.Context) {
	s.dispatchApprovalDecision(c, model.ApprovalRejected, workflow.EventApprovalRejected)
}

func (s *Server) dispatchApprovalDecision(c *gin.Context, approval model.ApprovalStatus, eventKind string) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req decisionRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.db.Tasks().SetApproval(id, approval, req.Reason); err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := s.engine.Dispatch(id, workflow.Event{Kind: eventKind, Detail: req.Reason}); err != nil {
		apiError(c, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}
	task, err := s.db.Tasks().Get(id)
	if notFoundOr404(c, err, "task_not_found") {
		return
	}
	c.JSON(http.StatusOK, task)
}
