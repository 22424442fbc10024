package toolserver

import "github.com/delegate-dev/delegate/internal/model"

// Identity is baked into every tool closure at dispatch time so a tool call
// can never impersonate another agent (spec §4.6 layer 5, §4.7).
type Identity struct {
	TeamID  string
	AgentID string
	Address string // mailbox address, e.g. agent name within the team
	Role    model.Role
}
