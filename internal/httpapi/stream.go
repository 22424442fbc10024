package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleStream opens a team-scoped SSE connection (spec §4.8, §6): the
// log since last_seen_sequence replays first so a reconnecting client
// never misses an event, then live events are pushed as they're
// published.
func (s *Server) handleStream(c *gin.Context) {
	teamID := c.Query("team_id")
	if teamID == "" {
		apiError(c, http.StatusBadRequest, "missing_team_id", "team_id is required")
		return
	}
	var lastSeen int64
	if q := c.Query("last_seen_sequence"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil {
			lastSeen = n
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch, cancel := s.bus.Subscribe(teamID)
	defer cancel()

	backlog, err := s.bus.Replay(teamID, lastSeen)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	for _, ev := range backlog {
		writeEventSSE(c, ev)
		lastSeen = ev.Seq
	}
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= lastSeen {
				continue // already sent from the replayed backlog
			}
			writeEventSSE(c, ev)
			c.Writer.Flush()
		}
	}
}

func writeEventSSE(c *gin.Context, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.SSEvent("message", string(data))
}
