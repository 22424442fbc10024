package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/delegate-dev/delegate/internal/model"
)

// teamSnapshot is the "initial_team" shape bootstrap hands the UI so its
// first paint needs no follow-up round trip.
type teamSnapshot struct {
	Team     *model.Team      `json:"team"`
	Agents   []*model.Agent   `json:"agents"`
	Tasks    []*model.Task    `json:"tasks"`
	Messages []*model.Message `json:"messages"`
	Stats    teamStats        `json:"stats"`
}

type teamStats struct {
	OpenTasks   int `json:"open_tasks"`
	DoneTasks   int `json:"done_tasks"`
	AgentCount  int `json:"agent_count"`
	RepoCount   int `json:"repo_count"`
	UnreadCount int `json:"unread_count"`
}

// handleBootstrap returns daemon config, the team roster, and a full
// snapshot of the earliest-created live team (the first entry of
// Teams().List) in one round trip.
func (s *Server) handleBootstrap(c *gin.Context) {
	teams, err := s.db.Teams().List()
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp := gin.H{
		"config": gin.H{"home": s.cfg.Home},
		"teams":  teams,
	}

	if len(teams) > 0 {
		snap, err := s.buildTeamSnapshot(teams[0].ID)
		if err != nil {
			apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		resp["initial_team"] = snap
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) buildTeamSnapshot(teamID string) (*teamSnapshot, error) {
	team, err := s.db.Teams().Get(teamID)
	if err != nil {
		return nil, err
	}
	agents, err := s.db.Agents().ListByTeam(teamID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.db.Tasks().ListByTeam(teamID, "")
	if err != nil {
		return nil, err
	}
	messages, err := s.db.Messages().ListForTeam(teamID, 100)
	if err != nil {
		return nil, err
	}
	repos, err := s.db.Repos().ListByTeam(teamID)
	if err != nil {
		return nil, err
	}

	stats := teamStats{AgentCount: len(agents), RepoCount: len(repos)}
	for _, t := range tasks {
		if model.IsTerminal(t.Status) {
			stats.DoneTasks++
		} else {
			stats.OpenTasks++
		}
	}
	for _, a := range agents {
		unread, err := s.db.Messages().UnreadForRecipient(teamID, a.Name)
		if err != nil {
			return nil, err
		}
		stats.UnreadCount += len(unread)
	}

	return &teamSnapshot{
		Team:     team,
		Agents:   agents,
		Tasks:    tasks,
		Messages: messages,
		Stats:    stats,
	}, nil
}

// handleVersion reports the daemon's current build plus the latest
// known release.
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, s.versions.Info(c.Request.Context()))
}
