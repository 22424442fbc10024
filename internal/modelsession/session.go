// Package modelsession manages the persistent, stateful connection each
// agent holds to its underlying LLM. The transport itself is opaque: the
// daemon never inspects the wire protocol of a ModelSession, only the
// turn/rotation/usage contract this package defines around it.
package modelsession

import (
	"context"
	"time"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/sandbox"
)

// ModelSession is a persistent stateful connection to an LLM, reused
// across turns so prompt warm-up is amortized. Implementations live
// outside this package; the daemon is wired with whatever transport a
// deployment chooses via a Factory.
type ModelSession interface {
	// RunTurn issues one turn against the session's accumulated context.
	RunTurn(ctx context.Context, batch TurnBatch) (Reply, error)

	// Alive reports whether the underlying connection is still usable.
	// A session that reports false is never reused; Acquire replaces it.
	Alive() bool

	// Close releases any resources held by the session.
	Close() error
}

// Factory constructs a fresh ModelSession for an agent. Supplied by
// whatever wires the daemon together, since the concrete LLM client is
// outside this package's scope.
type Factory func(cfg SessionConfig) (ModelSession, error)

// SessionConfig is everything a freshly (re)created session needs:
// sandbox boundaries computed by the caller and, on rotation, the
// agent's own condensation of prior context.
type SessionConfig struct {
	Agent           *model.Agent
	Guard           *sandbox.Guard
	OSConfig        sandbox.OSConfig
	DisallowedTools []string
	MemorySummary   string

	// IsZombie, when non-nil, is consulted by Acquire before reusing an
	// existing live session — e.g. to detect that the session's worktree
	// vanished out from under it. A zombie session is closed and replaced
	// even though Alive() still reports true.
	IsZombie func() bool
}

// TurnBatch is the coalesced set of inbox messages dispatched as one turn
// (spec batching policy: all unread messages since the last turn, except
// a human-sent message forms its own exclusive batch).
type TurnBatch struct {
	Messages []*model.Message
	Beacon   string
}

// Reply is what a turn produces: outbound text, usage for this turn
// alone (the manager folds it into the running total), and optional
// rotation signals.
type Reply struct {
	Body string

	TokensIn  int64
	TokensOut int64
	CostCents int64

	// ContextUtilization is the fraction (0..1) of the session's context
	// window consumed after this turn. The manager rotates once this
	// crosses the configured watermark.
	ContextUtilization float64

	// MemorySummary, if set, is the agent's own condensation of its state
	// — carried forward as the opening context of the next session should
	// rotation occur.
	MemorySummary string

	// RateLimited, when true, means the upstream signalled a rate limit
	// mid-turn. The manager returns a *RateLimitError from RunTurn in
	// this case rather than treating Reply as a completed turn.
	RateLimited bool
	RetryAfter  time.Duration

	// OutboundMessages and StateChangingToolCalls let the scheduler detect
	// an idle turn (spec §4.2.3): a turn that sent nothing and changed
	// nothing is a candidate for a nudge on the next tick.
	OutboundMessages       int
	StateChangingToolCalls int
}

// Idle reports whether a turn produced no observable effect at all.
func (r Reply) Idle() bool {
	return r.OutboundMessages == 0 && r.StateChangingToolCalls == 0
}

// RateLimitError surfaces an upstream rate-limit signal. The scheduler
// treats this as a TransientError (spec §4.10): the turn is marked
// failed, its triggering messages re-queued as unread, and a bounded
// exponential backoff applied before retry.
type RateLimitError struct {
	Agent      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited for agent " + e.Agent
}
