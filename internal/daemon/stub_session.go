package daemon

import (
	"context"
	"errors"

	"github.com/delegate-dev/delegate/internal/modelsession"
)

// stubSessionFactory satisfies modelsession.Factory without speaking to
// any real LLM transport. The wire protocol and client for an agent's
// underlying model are supplied by whoever deploys the daemon; this
// stub exists so the scheduler and rotation logic can be wired and
// exercised without that piece.
func stubSessionFactory(cfg modelsession.SessionConfig) (modelsession.ModelSession, error) {
	return &stubSession{agent: cfg.Agent.Name}, nil
}

type stubSession struct {
	agent string
	dead  bool
}

func (s *stubSession) RunTurn(ctx context.Context, batch modelsession.TurnBatch) (modelsession.Reply, error) {
	if s.dead {
		return modelsession.Reply{}, errors.New("session closed")
	}
	return modelsession.Reply{}, errors.New("no model transport configured for agent " + s.agent)
}

func (s *stubSession) Alive() bool { return !s.dead }

func (s *stubSession) Close() error {
	s.dead = true
	return nil
}
