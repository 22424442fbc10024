package modelsession

import (
	"context"
	"fmt"
	"sync"

	"github.com/delegate-dev/delegate/internal/model"
)

// defaultRotationWatermark is the context-window utilization fraction at
// which the manager retires a session and starts a fresh one.
const defaultRotationWatermark = 0.85

// RotationReason records why a session was retired, for the event the
// caller logs alongside the rotation.
type RotationReason string

const (
	RotationContextPressure RotationReason = "context_pressure"
	RotationSandboxChanged  RotationReason = "sandbox_changed"
	RotationIrrecoverable   RotationReason = "irrecoverable_error"
	RotationZombie          RotationReason = "zombie"
	RotationStale           RotationReason = "stale"
)

type entry struct {
	// turnMu serializes turns for this agent (spec §4.2.1): at most one
	// turn per agent may be in flight, and session state must never be
	// touched concurrently.
	turnMu sync.Mutex

	session ModelSession
	config  SessionConfig
	usage   model.UsageTotals
}

// Manager owns every agent's ModelSession, lazily creating sessions,
// serializing turns per agent, rotating on context pressure or config
// change, and accumulating usage atomically.
type Manager struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*entry // agent id -> entry

	watermark float64
}

// New builds a manager around factory, the constructor for concrete
// sessions (the underlying LLM transport is opaque to this package).
func New(factory Factory) *Manager {
	return &Manager{
		factory:   factory,
		sessions:  make(map[string]*entry),
		watermark: defaultRotationWatermark,
	}
}

// Acquire lazily creates or returns the agent's session. If an existing
// session reports !Alive(), or cfg.IsZombie reports true, it is treated
// as stale/zombie (mirrors a tmux-backed session whose pane process died
// out from under it) and replaced before being handed back.
func (m *Manager) Acquire(agentID string, cfg SessionConfig) (ModelSession, error) {
	m.mu.Lock()
	e, ok := m.sessions[agentID]
	if !ok {
		e = &entry{}
		m.sessions[agentID] = e
	}
	m.mu.Unlock()

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	if e.session != nil {
		switch {
		case !e.session.Alive():
			_ = e.session.Close()
			e.session = nil
		case cfg.IsZombie != nil && cfg.IsZombie():
			_ = e.session.Close()
			e.session = nil
		}
	}

	if e.session == nil {
		sess, err := m.factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating session for %s: %w", agentID, err)
		}
		e.session = sess
		e.config = cfg
	}
	return e.session, nil
}

// RunTurn issues one turn for agent, serialized against any other turn
// for the same agent. Usage is folded into the running total
// atomically; a rate-limit signal is surfaced as *RateLimitError so the
// scheduler can re-queue the triggering messages rather than treat the
// turn as having produced a reply.
func (m *Manager) RunTurn(ctx context.Context, agentID string, cfg SessionConfig, batch TurnBatch) (Reply, error) {
	sess, err := m.Acquire(agentID, cfg)
	if err != nil {
		return Reply{}, err
	}

	m.mu.Lock()
	e := m.sessions[agentID]
	m.mu.Unlock()

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	reply, err := sess.RunTurn(ctx, batch)
	if err != nil {
		return Reply{}, err
	}
	if reply.RateLimited {
		return reply, &RateLimitError{Agent: agentID, RetryAfter: reply.RetryAfter}
	}

	e.usage.Add(reply.TokensIn, reply.TokensOut, reply.CostCents)
	if reply.MemorySummary != "" {
		e.config.MemorySummary = reply.MemorySummary
	}

	if reply.ContextUtilization >= m.watermark {
		if err := m.rotateLocked(agentID, e, RotationContextPressure); err != nil {
			return reply, fmt.Errorf("auto-rotating %s after turn: %w", agentID, err)
		}
	}

	return reply, nil
}

// Rotate retires the agent's current session and starts a fresh one,
// carrying forward its memory summary as the opening context. Callers
// trigger this directly for sandbox-config changes (repo added/removed,
// network allowlist edited); context-pressure rotation happens
// automatically inside RunTurn.
func (m *Manager) Rotate(agentID string, cfg SessionConfig, reason RotationReason) error {
	m.mu.Lock()
	e, ok := m.sessions[agentID]
	if !ok {
		e = &entry{config: cfg}
		m.sessions[agentID] = e
	}
	m.mu.Unlock()

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	if cfg.MemorySummary == "" {
		cfg.MemorySummary = e.config.MemorySummary
	}
	e.config = cfg
	return m.rotateLocked(agentID, e, reason)
}

// rotateLocked assumes e.turnMu is already held.
func (m *Manager) rotateLocked(agentID string, e *entry, reason RotationReason) error {
	if e.session != nil {
		_ = e.session.Close()
		e.session = nil
	}
	sess, err := m.factory(e.config)
	if err != nil {
		return fmt.Errorf("rotating (%s) session for %s: %w", reason, agentID, err)
	}
	e.session = sess
	return nil
}

// Usage returns a snapshot of agentID's cumulative token/cost totals.
func (m *Manager) Usage(agentID string) model.UsageTotals {
	m.mu.Lock()
	e, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return model.UsageTotals{}
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	return e.usage
}

// Release closes and forgets an agent's session entirely, used when an
// agent or team is deleted.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	e, ok := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	if e.session != nil {
		_ = e.session.Close()
	}
}
