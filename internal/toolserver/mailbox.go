package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/delegate-dev/delegate/internal/model"
)

type mailboxSendArgs struct {
	To      string `json:"to"`
	Body    string `json:"body"`
	TaskID  *int64 `json:"task_id,omitempty"`
	IsHuman bool   `json:"is_human,omitempty"`
}

// mailboxSend delivers a chat message from the caller to another mailbox
// within the same team. Cross-team delivery is impossible: the recipient
// is always resolved inside identity.TeamID.
func (s *Server) mailboxSend(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args mailboxSendArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("mailbox_send: %w", err)
	}
	if args.To == "" || args.Body == "" {
		return nil, fmt.Errorf("mailbox_send: to and body are required")
	}

	var msg *model.Message
	err := s.db.WithTx(func(tx *sql.Tx) error {
		msg = &model.Message{
			TeamID:        identity.TeamID,
			Sender:        identity.Address,
			Recipient:     args.To,
			Kind:          model.MessageChat,
			Body:          args.Body,
			RelatedTaskID: args.TaskID,
			IsHuman:       args.IsHuman,
		}
		if err := s.db.Messages().Create(tx, msg); err != nil {
			return err
		}
		_, err := s.bus.Publish(tx, identity.TeamID, "message_sent", map[string]any{
			"from": identity.Address,
			"to":   args.To,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": msg.ID}, nil
}

type mailboxInboxArgs struct {
	Limit int `json:"limit,omitempty"`
}

// mailboxInbox returns the caller's own unread messages. An agent can
// never read another agent's mailbox — the recipient is fixed to
// identity.Address.
func (s *Server) mailboxInbox(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	var args mailboxInboxArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("mailbox_inbox: %w", err)
		}
	}
	msgs, err := s.db.Messages().UnreadForRecipient(identity.TeamID, identity.Address)
	if err != nil {
		return nil, err
	}
	if args.Limit > 0 && len(msgs) > args.Limit {
		msgs = msgs[:args.Limit]
	}
	return msgs, nil
}
