package store

import (
	"database/sql"
	"errors"

	"github.com/delegate-dev/delegate/internal/model"
)

// Events is the repository for the append-only event log.
type Events struct{ db *DB }

func (db *DB) Events() *Events { return &Events{db: db} }

// Append writes an event inside tx, assigning both the global sequence
// (AUTOINCREMENT) and the next per-team sequence atomically. Called by the
// same transaction as the state change that produced the event, satisfying
// spec §8 property 4.
func (e *Events) Append(tx *sql.Tx, teamID, kind, payload string) (*model.Event, error) {
	var teamSeq int64
	row := tx.QueryRow(`INSERT INTO team_sequences(team_id, next_seq) VALUES (?, 2)
		ON CONFLICT(team_id) DO UPDATE SET next_seq = next_seq + 1
		RETURNING next_seq - 1`, teamID)
	if err := row.Scan(&teamSeq); err != nil {
		return nil, err
	}

	ts := now()
	res, err := tx.Exec(`INSERT INTO events(team_seq, team_id, kind, payload, created_at) VALUES (?,?,?,?,?)`,
		teamSeq, teamID, kind, payload, ts)
	if err != nil {
		return nil, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Event{Seq: seq, TeamSeq: teamSeq, TeamID: teamID, Kind: kind, Payload: payload, CreatedAt: ts}, nil
}

// Since returns events for a team with global sequence strictly greater
// than lastSeen, oldest first — the SSE replay-then-tail primitive.
func (e *Events) Since(teamID string, lastSeen int64, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := e.db.conn.Query(`SELECT seq, team_seq, team_id, kind, payload, created_at
		FROM events WHERE team_id = ? AND seq > ? ORDER BY seq LIMIT ?`, teamID, lastSeen, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(s scanner) (*model.Event, error) {
	var ev model.Event
	if err := s.Scan(&ev.Seq, &ev.TeamSeq, &ev.TeamID, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}
