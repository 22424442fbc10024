package store

import (
	"database/sql"
	"errors"

	"github.com/delegate-dev/delegate/internal/model"
)

// Messages is the repository for mailbox/message rows.
type Messages struct{ db *DB }

func (db *DB) Messages() *Messages { return &Messages{db: db} }

// Create inserts a message inside tx (the caller — typically the event
// bus's Append wrapper — is responsible for writing the corresponding
// event in the same transaction, per spec §4.8).
func (m *Messages) Create(tx *sql.Tx, msg *model.Message) error {
	msg.CreatedAt = now()
	var relatedTaskID any
	if msg.RelatedTaskID != nil {
		relatedTaskID = *msg.RelatedTaskID
	}
	res, err := tx.Exec(`INSERT INTO messages(team_id, sender, recipient, kind, body, related_task_id, is_human, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		msg.TeamID, msg.Sender, msg.Recipient, string(msg.Kind), msg.Body, relatedTaskID, msg.IsHuman, msg.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// UnreadForRecipient returns unread messages for a recipient, ordered by id
// (the ordering the scheduler's batching policy, spec §4.2.2, relies on).
func (m *Messages) UnreadForRecipient(teamID, recipient string) ([]*model.Message, error) {
	rows, err := m.db.conn.Query(`SELECT id, team_id, sender, recipient, kind, body, related_task_id, is_human, created_at, read_at
		FROM messages WHERE team_id = ? AND recipient = ? AND read_at IS NULL ORDER BY id`, teamID, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DistinctUnreadRecipients lists every (team, recipient) pair with at
// least one unread message, the driving query for the scheduler's tick.
func (m *Messages) DistinctUnreadRecipients() ([]RecipientKey, error) {
	rows, err := m.db.conn.Query(`SELECT DISTINCT team_id, recipient FROM messages WHERE read_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RecipientKey
	for rows.Next() {
		var k RecipientKey
		if err := rows.Scan(&k.TeamID, &k.Recipient); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RecipientKey identifies one agent's mailbox within a team.
type RecipientKey struct {
	TeamID    string
	Recipient string
}

// MarkRead marks a set of messages as read, e.g. once folded into a turn batch.
func (m *Messages) MarkRead(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return m.db.WithTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE messages SET read_at = ? WHERE id = ?`, now(), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListForTeam returns recent messages for a team (used by the messaging HTTP endpoint).
func (m *Messages) ListForTeam(teamID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := m.db.conn.Query(`SELECT id, team_id, sender, recipient, kind, body, related_task_id, is_human, created_at, read_at
		FROM messages WHERE team_id = ? ORDER BY id DESC LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanMessage(s scanner) (*model.Message, error) {
	var msg model.Message
	var kind string
	var relatedTaskID sql.NullInt64
	var readAt sql.NullTime
	if err := s.Scan(&msg.ID, &msg.TeamID, &msg.Sender, &msg.Recipient, &kind, &msg.Body, &relatedTaskID, &msg.IsHuman, &msg.CreatedAt, &readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msg.Kind = model.MessageKind(kind)
	if relatedTaskID.Valid {
		v := relatedTaskID.Int64
		msg.RelatedTaskID = &v
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	return &msg, nil
}
