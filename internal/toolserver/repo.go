package toolserver

import (
	"context"
	"encoding/json"
)

// repoList returns every repo registered to the caller's team. Registering
// or removing a repo is CLI-only — agents can only read the set.
func (s *Server) repoList(ctx context.Context, identity Identity, raw json.RawMessage) (any, error) {
	return s.db.Repos().ListByTeam(identity.TeamID)
}
