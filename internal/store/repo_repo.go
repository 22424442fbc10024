package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/delegate-dev/delegate/internal/model"
)

// Repos is the repository for registered-repo rows.
type Repos struct{ db *DB }

func (db *DB) Repos() *Repos { return &Repos{db: db} }

// Create registers a repo under a team.
func (r *Repos) Create(repo *model.Repo) (*model.Repo, error) {
	if repo.TargetBranch == "" {
		repo.TargetBranch = "main"
	}
	if repo.ApprovalPolicy == "" {
		repo.ApprovalPolicy = model.ApprovalHuman
	}
	err := r.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO repos(team_id, path, display_name, target_branch, pretest_command, approval_policy) VALUES (?, ?, ?, ?, ?, ?)`,
			repo.TeamID, repo.Path, repo.DisplayName, repo.TargetBranch, repo.PretestCommand, string(repo.ApprovalPolicy))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		repo.ID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return repo, nil
}

// Get loads a repo by id.
func (r *Repos) Get(id int64) (*model.Repo, error) {
	row := r.db.conn.QueryRow(`SELECT id, team_id, path, display_name, target_branch, pretest_command, approval_policy FROM repos WHERE id = ?`, id)
	return scanRepo(row)
}

// ListByTeam returns all repos registered to a team.
func (r *Repos) ListByTeam(teamID string) ([]*model.Repo, error) {
	rows, err := r.db.conn.Query(`SELECT id, team_id, path, display_name, target_branch, pretest_command, approval_policy FROM repos WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*model.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// SetApprovalPolicy updates a repo's merge approval policy.
func (r *Repos) SetApprovalPolicy(id int64, policy model.ApprovalPolicy) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE repos SET approval_policy = ? WHERE id = ?`, string(policy), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanRepo(s scanner) (*model.Repo, error) {
	var repo model.Repo
	var policy string
	if err := s.Scan(&repo.ID, &repo.TeamID, &repo.Path, &repo.DisplayName, &repo.TargetBranch, &repo.PretestCommand, &policy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	repo.ApprovalPolicy = model.ApprovalPolicy(policy)
	return &repo, nil
}
