package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/delegate-dev/delegate/internal/model"
)

// ErrNotFound is returned by repository lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// Teams is the repository for team rows.
type Teams struct{ db *DB }

func (db *DB) Teams() *Teams { return &Teams{db: db} }

// Create inserts a new team with a freshly generated UUID.
func (t *Teams) Create(name, charter string) (*model.Team, error) {
	team := &model.Team{
		ID:        uuid.NewString(),
		Name:      name,
		Charter:   charter,
		CreatedAt: now(),
	}
	err := t.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO teams(id, name, charter, created_at) VALUES (?, ?, ?, ?)`,
			team.ID, team.Name, team.Charter, team.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	return team, nil
}

// Get loads a team by id.
func (t *Teams) Get(id string) (*model.Team, error) {
	row := t.db.conn.QueryRow(`SELECT id, name, charter, created_at, destroyed_at FROM teams WHERE id = ?`, id)
	return scanTeam(row)
}

// List returns all non-destroyed teams.
func (t *Teams) List() ([]*model.Team, error) {
	rows, err := t.db.conn.Query(`SELECT id, name, charter, created_at, destroyed_at FROM teams WHERE destroyed_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*model.Team
	for rows.Next() {
		team, err := scanTeamRows(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// Destroy marks a team as destroyed. Callers are responsible for the
// recursive teardown of agents, worktrees, and DB rows described in the
// data model (§3 Team lifecycle) before calling this.
func (t *Teams) Destroy(id string) error {
	return t.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE teams SET destroyed_at = ? WHERE id = ? AND destroyed_at IS NULL`, now(), id)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanTeam(s scanner) (*model.Team, error) {
	var team model.Team
	var destroyedAt sql.NullTime
	if err := s.Scan(&team.ID, &team.Name, &team.Charter, &team.CreatedAt, &destroyedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if destroyedAt.Valid {
		team.DestroyedAt = &destroyedAt.Time
	}
	return &team, nil
}

func scanTeamRows(rows *sql.Rows) (*model.Team, error) {
	return scanTeam(rows)
}
