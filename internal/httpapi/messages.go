package httpapi

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/delegate-dev/delegate/internal/model"
)

// handleListMessages returns the most recent messages for a team.
func (s *Server) handleListMessages(c *gin.Context) {
	teamID := c.Param("team")
	limit := 200
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}
	msgs, err := s.db.Messages().ListForTeam(teamID, limit)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendMessageRequest struct {
	TeamID        string `json:"team_id" binding:"required"`
	Sender        string `json:"sender" binding:"required"`
	Recipient     string `json:"recipient" binding:"required"`
	Body          string `json:"body" binding:"required"`
	RelatedTaskID *int64 `json:"related_task_id"`
}

// handleSendMessage enqueues a message into a recipient's mailbox, always
// flagged as human-sent (so the scheduler gives it an exclusive batch).
// The scheduler's next tick picks it up; this handler never runs a turn
// inline.
func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msg := &model.Message{
		TeamID:        req.TeamID,
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		Kind:          model.MessageChat,
		Body:          req.Body,
		RelatedTaskID: req.RelatedTaskID,
		IsHuman:       true,
	}

	var notify func()
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Messages().Create(tx, msg); err != nil {
			return err
		}
		_, n, err := s.bus.PublishAndNotify(tx, req.TeamID, "message_sent", map[string]any{
			"from": req.Sender, "to": req.Recipient,
		})
		notify = n
		return err
	})
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	notify()
	c.JSON(http.StatusCreated, msg)
}

type greetRequest struct {
	Recipient string `json:"recipient" binding:"required"`
}

// handleGreet sends a canned introductory message from a human to a
// team's agent, the UI's "say hello" affordance for a freshly added
// agent that hasn't received a task yet.
func (s *Server) handleGreet(c *gin.Context) {
	teamID := c.Param("team")
	var req greetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msg := &model.Message{
		TeamID:    teamID,
		Sender:    "human",
		Recipient: req.Recipient,
		Kind:      model.MessageChat,
		Body:      "Hello! Introduce yourself and what you're working on.",
		IsHuman:   true,
	}

	var notify func()
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Messages().Create(tx, msg); err != nil {
			return err
		}
		_, n, err := s.bus.PublishAndNotify(tx, teamID, "message_sent", map[string]any{
			"from": "human", "to": req.Recipient,
		})
		notify = n
		return err
	})
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	notify()
	c.JSON(http.StatusCreated, msg)
}
