package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/delegate-dev/delegate/internal/model"
)

// Agents is the repository for agent rows.
type Agents struct{ db *DB }

func (db *DB) Agents() *Agents { return &Agents{db: db} }

// Create adds a new agent to a team roster. Name must be unique within the team.
func (a *Agents) Create(teamID, name string, role model.Role, modelSelector string) (*model.Agent, error) {
	agent := &model.Agent{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		Name:          name,
		Role:          role,
		ModelSelector: modelSelector,
		CreatedAt:     now(),
	}
	err := a.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO agents(id, team_id, name, role, model_selector, memory_dir, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.TeamID, agent.Name, string(agent.Role), agent.ModelSelector, agent.MemoryDir, agent.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return agent, nil
}

// Get loads an agent by id.
func (a *Agents) Get(id string) (*model.Agent, error) {
	row := a.db.conn.QueryRow(`SELECT id, team_id, name, role, model_selector, memory_dir, created_at FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetByName loads an agent by team + display name.
func (a *Agents) GetByName(teamID, name string) (*model.Agent, error) {
	row := a.db.conn.QueryRow(`SELECT id, team_id, name, role, model_selector, memory_dir, created_at FROM agents WHERE team_id = ? AND name = ?`, teamID, name)
	return scanAgent(row)
}

// ListByTeam returns every agent on a team's roster.
func (a *Agents) ListByTeam(teamID string) ([]*model.Agent, error) {
	rows, err := a.db.conn.Query(`SELECT id, team_id, name, role, model_selector, memory_dir, created_at FROM agents WHERE team_id = ? ORDER BY created_at`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func scanAgent(s scanner) (*model.Agent, error) {
	var agent model.Agent
	var role string
	if err := s.Scan(&agent.ID, &agent.TeamID, &agent.Name, &role, &agent.ModelSelector, &agent.MemoryDir, &agent.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	agent.Role = model.Role(role)
	return &agent, nil
}
