package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/delegate-dev/delegate/internal/model"
)

// ErrDependenciesFrozen is the UserError surfaced when a caller attempts to
// add a dependency to a task whose existing dependencies are already
// terminal (spec §3 invariant (a), §8 property 2).
var ErrDependenciesFrozen = errors.New("frozen: cannot add new dependency once existing dependencies are terminal")

// Tasks is the repository for task rows and their dependency edges.
type Tasks struct{ db *DB }

func (db *DB) Tasks() *Tasks { return &Tasks{db: db} }

// Create inserts a new task in its workflow's initial stage.
func (t *Tasks) Create(task *model.Task) (*model.Task, error) {
	task.CreatedAt = now()
	task.UpdatedAt = task.CreatedAt
	if task.ApprovalStatus == "" {
		task.ApprovalStatus = model.ApprovalPending
	}
	if task.BaseSHAs == nil {
		task.BaseSHAs = map[int64]string{}
	}

	err := t.db.WithTx(func(tx *sql.Tx) error {
		repoIDs, err := json.Marshal(task.RepoIDs)
		if err != nil {
			return err
		}
		baseSHAs, err := json.Marshal(task.BaseSHAs)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`INSERT INTO tasks(
			team_id, title, description, priority, status, assignee_id, dri, reviewer_id,
			repo_ids, branch, base_shas, approval_status, rejection_reason, status_detail,
			workflow_name, workflow_version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			task.TeamID, task.Title, task.Description, task.Priority, task.Status, task.AssigneeID, task.DRI, task.ReviewerID,
			string(repoIDs), task.Branch, string(baseSHAs), string(task.ApprovalStatus), task.RejectionReason, task.StatusDetail,
			task.WorkflowName, task.WorkflowVersion, task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		task.ID = id

		for _, dep := range task.DependsOn {
			if _, err := tx.Exec(`INSERT INTO task_dependencies(task_id, depends_on_id) VALUES (?, ?)`, task.ID, dep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Get loads a task by id, including its dependency set.
func (t *Tasks) Get(id int64) (*model.Task, error) {
	row := t.db.conn.QueryRow(taskSelectCols+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := t.loadDeps(task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListByTeam returns every task for a team, optionally filtered by status.
func (t *Tasks) ListByTeam(teamID string, status string) ([]*model.Task, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = t.db.conn.Query(taskSelectCols+` WHERE team_id = ? ORDER BY id`, teamID)
	} else {
		rows, err = t.db.conn.Query(taskSelectCols+` WHERE team_id = ? AND status = ? ORDER BY id`, teamID, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if err := t.loadDeps(task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (t *Tasks) loadDeps(task *model.Task) error {
	rows, err := t.db.conn.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	task.DependsOn = nil
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return err
		}
		task.DependsOn = append(task.DependsOn, dep)
	}
	return rows.Err()
}

// SetStatus transitions a task to a new workflow stage. Callers (the
// workflow engine) are responsible for running exit/enter hooks in the
// same logical transaction window; this call alone is the "status write"
// referenced in spec §4.4's transactional transition description.
func (t *Tasks) SetStatus(tx *sql.Tx, id int64, status, detail string) error {
	_, err := tx.Exec(`UPDATE tasks SET status = ?, status_detail = ?, updated_at = ? WHERE id = ?`, status, detail, now(), id)
	return err
}

// SetAssignee updates who a task is assigned to.
func (t *Tasks) SetAssignee(tx *sql.Tx, id int64, assigneeID string) error {
	_, err := tx.Exec(`UPDATE tasks SET assignee_id = ?, updated_at = ? WHERE id = ?`, assigneeID, now(), id)
	return err
}

// CountActiveForAssignee counts teamID's tasks assigned to assigneeID
// that haven't yet reached a terminal stage, the load a stage's Assign
// hook balances automatic assignment across.
func (t *Tasks) CountActiveForAssignee(teamID, assigneeID string) (int, error) {
	var n int
	err := t.db.conn.QueryRow(`SELECT COUNT(*) FROM tasks
		WHERE team_id = ? AND assignee_id = ? AND status NOT IN (?, ?, ?)`,
		teamID, assigneeID, model.StageDone, model.StageCancelled, model.StageRejected).Scan(&n)
	return n, err
}

// SetBranch records the branch + per-repo base SHAs captured at worktree
// creation. base_shas is immutable once non-empty (spec §3 invariant (c));
// callers must not call this twice for the same task.
func (t *Tasks) SetBranch(tx *sql.Tx, id int64, branch string, baseSHAs map[int64]string) error {
	data, err := json.Marshal(baseSHAs)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE tasks SET branch = ?, base_shas = ?, updated_at = ? WHERE id = ?`, branch, string(data), now(), id)
	return err
}

// Complete marks a task done/cancelled/rejected and stamps completed_at.
func (t *Tasks) Complete(tx *sql.Tx, id int64, status string) error {
	ts := now()
	_, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`, status, ts, ts, id)
	return err
}

// SetApproval records a human approve/reject decision.
func (t *Tasks) SetApproval(id int64, approval model.ApprovalStatus, reason string) error {
	return t.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE tasks SET approval_status = ?, rejection_reason = ?, updated_at = ? WHERE id = ?`,
			string(approval), reason, now(), id)
		return err
	})
}

// UpdateDependencies replaces a task's dependency set, enforcing the
// freeze rule (spec §3 invariant (a), §8 property 2): once every existing
// dependency is terminal, new dependencies may not be added. Removal is
// always permitted.
func (t *Tasks) UpdateDependencies(id int64, newDeps []int64) error {
	return t.db.WithTx(func(tx *sql.Tx) error {
		existing, err := depsOf(tx, id)
		if err != nil {
			return err
		}

		existingSet := toSet(existing)
		var additions []int64
		for _, d := range newDeps {
			if !existingSet[d] {
				additions = append(additions, d)
			}
		}

		if len(additions) > 0 && len(existing) > 0 {
			allTerminal, err := allTerminalTx(tx, existing)
			if err != nil {
				return err
			}
			if allTerminal {
				return ErrDependenciesFrozen
			}
		}

		if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
			return err
		}
		for _, d := range newDeps {
			if _, err := tx.Exec(`INSERT INTO task_dependencies(task_id, depends_on_id) VALUES (?, ?)`, id, d); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, now(), id)
		return err
	})
}

func depsOf(tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func allTerminalTx(tx *sql.Tx, ids []int64) (bool, error) {
	for _, id := range ids {
		var status string
		if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status); err != nil {
			return false, err
		}
		if !model.IsTerminal(status) {
			return false, nil
		}
	}
	return true, nil
}

func toSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// DependenciesTerminal reports whether every dependency of a task has
// reached a terminal stage (used by the workflow engine's worktree-setup
// gating, spec §4.4).
func (t *Tasks) DependenciesTerminal(id int64) (bool, error) {
	task, err := t.Get(id)
	if err != nil {
		return false, err
	}
	if len(task.DependsOn) == 0 {
		return true, nil
	}
	for _, dep := range task.DependsOn {
		depTask, err := t.Get(dep)
		if err != nil {
			return false, err
		}
		if !model.IsTerminal(depTask.Status) {
			return false, nil
		}
	}
	return true, nil
}

const taskSelectCols = `SELECT id, team_id, title, description, priority, status, assignee_id, dri, reviewer_id,
	repo_ids, branch, base_shas, approval_status, rejection_reason, status_detail,
	workflow_name, workflow_version, created_at, updated_at, completed_at FROM tasks`

func scanTask(s scanner) (*model.Task, error) {
	var task model.Task
	var repoIDs, baseSHAs, approval string
	var completedAt sql.NullTime
	if err := s.Scan(&task.ID, &task.TeamID, &task.Title, &task.Description, &task.Priority, &task.Status,
		&task.AssigneeID, &task.DRI, &task.ReviewerID, &repoIDs, &task.Branch, &baseSHAs, &approval,
		&task.RejectionReason, &task.StatusDetail, &task.WorkflowName, &task.WorkflowVersion,
		&task.CreatedAt, &task.UpdatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	task.ApprovalStatus = model.ApprovalStatus(approval)
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(repoIDs), &task.RepoIDs); err != nil {
		return nil, fmt.Errorf("decode repo_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(baseSHAs), &task.BaseSHAs); err != nil {
		return nil, fmt.Errorf("decode base_shas: %w", err)
	}
	return &task, nil
}
