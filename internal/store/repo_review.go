package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/delegate-dev/delegate/internal/model"
)

// Reviews is the repository for review-attempt rows. A row is created
// empty when a task enters review, then finalized exactly once with the
// reviewer's decision — never updated after that.
type Reviews struct{ db *DB }

func (db *DB) Reviews() *Reviews { return &Reviews{db: db} }

// Create records one review attempt in its own transaction. Reviews are
// never deleted; Finalize is the one update a row receives.
func (r *Reviews) Create(review *model.Review) (*model.Review, error) {
	err := r.db.WithTx(func(tx *sql.Tx) error {
		return r.CreateTx(tx, review)
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// CreateTx inserts review using the caller's transaction, for callers
// (the workflow engine's CreateReview hook) that already hold one and
// must not open a second against the same connection.
func (r *Reviews) CreateTx(tx *sql.Tx, review *model.Review) error {
	review.CreatedAt = now()
	comments, err := json.Marshal(review.Comments)
	if err != nil {
		return err
	}
	res, err := tx.Exec(`INSERT INTO reviews(task_id, attempt, reviewer, summary, comments, decision, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		review.TaskID, review.Attempt, review.Reviewer, review.Summary, string(comments), string(review.Decision), review.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	review.ID = id
	return nil
}

// Finalize stamps a review attempt's decision, summary, and comments —
// the one update CreateTx's empty placeholder row ever receives.
func (r *Reviews) Finalize(tx *sql.Tx, taskID int64, attempt int, decision model.ReviewDecision, summary string, comments []model.ReviewComment) error {
	data, err := json.Marshal(comments)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE reviews SET decision = ?, summary = ?, comments = ? WHERE task_id = ? AND attempt = ?`,
		string(decision), summary, string(data), taskID, attempt)
	return err
}

// ListForTask returns every review attempt for a task, oldest first.
func (r *Reviews) ListForTask(taskID int64) ([]*model.Review, error) {
	rows, err := r.db.conn.Query(`SELECT id, task_id, attempt, reviewer, summary, comments, decision, created_at
		FROM reviews WHERE task_id = ? ORDER BY attempt, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []*model.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

// LatestAttempt returns the current attempt number for a task (0 if none yet).
func (r *Reviews) LatestAttempt(taskID int64) (int, error) {
	var attempt sql.NullInt64
	err := r.db.conn.QueryRow(`SELECT MAX(attempt) FROM reviews WHERE task_id = ?`, taskID).Scan(&attempt)
	if err != nil {
		return 0, err
	}
	return int(attempt.Int64), nil
}

func scanReview(s scanner) (*model.Review, error) {
	var review model.Review
	var comments, decision string
	if err := s.Scan(&review.ID, &review.TaskID, &review.Attempt, &review.Reviewer, &review.Summary, &comments, &decision, &review.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	review.Decision = model.ReviewDecision(decision)
	if err := json.Unmarshal([]byte(comments), &review.Comments); err != nil {
		return nil, err
	}
	return &review, nil
}
