// Package scheduler runs the daemon's central cooperative loop: scan
// unread mailboxes, assemble a turn batch per eligible agent, dispatch
// turns onto a bounded work pool, and drain the merge queue. One
// Scheduler is shared by the whole daemon; Tick is called repeatedly by
// the daemon's run loop with a short sleep in between.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/merge"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/modelsession"
	"github.com/delegate-dev/delegate/internal/store"
)

const (
	defaultTickInterval  = 250 * time.Millisecond
	defaultMaxConcurrent = 8
	defaultMaxNudges     = 3
	defaultBackoffBase   = 1 * time.Second
	defaultBackoffMax    = 2 * time.Minute
	nudgeSender          = "daemon"
	nudgeBody            = "continue"
)

// Config holds scheduler tunables.
type Config struct {
	TickInterval  time.Duration
	MaxConcurrent int
	MaxNudges     int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// DefaultConfig returns the spec's default tunables (§4.2: tick ≤ 250ms).
func DefaultConfig() Config {
	return Config{
		TickInterval:  defaultTickInterval,
		MaxConcurrent: defaultMaxConcurrent,
		MaxNudges:     defaultMaxNudges,
		BackoffBase:   defaultBackoffBase,
		BackoffMax:    defaultBackoffMax,
	}
}

// SessionConfigFunc builds the modelsession.SessionConfig for an agent at
// turn time — sandbox guard, OS config, and disallowed-tool list are all
// computed from the team's current repo/network registration, which this
// package has no reason to know about directly.
type SessionConfigFunc func(agent *model.Agent) (modelsession.SessionConfig, error)

// Scheduler owns the tick loop described in spec §4.2.
type Scheduler struct {
	db         *store.DB
	bus        *eventbus.Bus
	sessions   *modelsession.Manager
	mergeQueue *merge.Worker
	sessionCfg SessionConfigFunc
	config     Config

	sem *semaphore.Weighted

	mu        sync.Mutex
	inFlight  map[string]bool // recipient key ("team/agent") -> turn in progress
	nudges    map[string]int  // recipient key -> consecutive idle-turn count
	backoff   map[string]backoffState
	agentCtxs map[string]context.CancelFunc // recipient key -> cancel for its in-flight turn
}

type backoffState struct {
	notBefore time.Time
	delay     time.Duration
}

// New builds a scheduler. sessionCfg supplies the per-agent sandbox
// wiring the caller (internal/daemon) is responsible for computing.
func New(db *store.DB, bus *eventbus.Bus, sessions *modelsession.Manager, mergeQueue *merge.Worker, sessionCfg SessionConfigFunc, config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.MaxNudges <= 0 {
		config.MaxNudges = defaultMaxNudges
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaultBackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = defaultBackoffMax
	}
	return &Scheduler{
		db:         db,
		bus:        bus,
		sessions:   sessions,
		mergeQueue: mergeQueue,
		sessionCfg: sessionCfg,
		config:     config,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
		inFlight:   make(map[string]bool),
		nudges:     make(map[string]int),
		backoff:    make(map[string]backoffState),
		agentCtxs:  make(map[string]context.CancelFunc),
	}
}

func recipientKey(teamID, recipient string) string {
	return teamID + "/" + recipient
}

// Run loops Tick until ctx is cancelled, sleeping the configured tick
// interval between iterations. The caller (internal/daemon's Run) runs
// this in its own goroutine for the daemon's lifetime.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				charmlog.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs one iteration of the loop: admits eligible turns onto the
// work pool, visiting recipients in the order DistinctUnreadRecipients
// returns them (its query has no ORDER BY, so that order is not
// defined), and advances the merge queue. It returns once every eligible turn has
// been handed off; it does not wait for turns to complete.
func (s *Scheduler) Tick(ctx context.Context) error {
	recipients, err := s.db.Messages().DistinctUnreadRecipients()
	if err != nil {
		return fmt.Errorf("tick: listing unread recipients: %w", err)
	}

	for _, rk := range recipients {
		key := recipientKey(rk.TeamID, rk.Recipient)
		if !s.eligible(key) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			continue // work pool saturated this tick; retried next tick
		}
		s.markInFlight(key, true)
		go func(rk store.RecipientKey, key string) {
			defer s.sem.Release(1)
			defer s.markInFlight(key, false)
			s.runTurn(ctx, rk, key)
		}(rk, key)
	}

	if s.mergeQueue != nil {
		if err := s.mergeQueue.Drain(ctx); err != nil {
			return fmt.Errorf("tick: draining merge queue: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) eligible(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	if bo, ok := s.backoff[key]; ok && time.Now().Before(bo.notBefore) {
		return false
	}
	return true
}

func (s *Scheduler) markInFlight(key string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.inFlight[key] = true
	} else {
		delete(s.inFlight, key)
	}
}

// runTurn assembles one agent's turn batch, runs it, and applies the
// nudge/backpressure/rate-limit bookkeeping the reply implies.
func (s *Scheduler) runTurn(ctx context.Context, rk store.RecipientKey, key string) {
	agent, err := s.db.Agents().GetByName(rk.TeamID, rk.Recipient)
	if err != nil {
		return // recipient isn't a roster agent (e.g. "daemon"); nothing to run a turn for
	}

	unread, err := s.db.Messages().UnreadForRecipient(rk.TeamID, rk.Recipient)
	if err != nil || len(unread) == 0 {
		return
	}
	batchMsgs := batchFor(unread)

	cfg, err := s.sessionCfg(agent)
	if err != nil {
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.agentCtxs[key] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.agentCtxs, key)
		s.mu.Unlock()
		cancel()
	}()

	batch := modelsession.TurnBatch{Messages: batchMsgs}
	reply, err := s.sessions.RunTurn(turnCtx, agent.ID, cfg, batch)
	if err != nil {
		var rl *modelsession.RateLimitError
		if isRateLimit(err, &rl) {
			s.applyBackoff(key)
			var notify func()
			txErr := s.db.WithTx(func(tx *sql.Tx) error {
				_, n, err := s.bus.PublishAndNotify(tx, rk.TeamID, "rate_limited", map[string]any{
					"agent": rk.Recipient, "retry_after": rl.RetryAfter.String(),
				})
				notify = n
				return err
			})
			if txErr == nil {
				notify()
			}
			return
		}
		// Any other failure leaves the messages unread; they're retried
		// next tick once the agent becomes eligible again.
		charmlog.Warn("turn failed, messages remain unread", "team", rk.TeamID, "agent", rk.Recipient, "error", err)
		return
	}

	ids := make([]int64, 0, len(batchMsgs))
	for _, m := range batchMsgs {
		ids = append(ids, m.ID)
	}
	if err := s.db.Messages().MarkRead(ids); err != nil {
		return
	}
	s.clearBackoff(key)

	if reply.Idle() {
		s.maybeNudge(rk, key)
	} else {
		s.resetNudge(key)
	}
}

func isRateLimit(err error, out **modelsession.RateLimitError) bool {
	rl, ok := err.(*modelsession.RateLimitError)
	if ok {
		*out = rl
	}
	return ok
}

// batchFor implements spec §4.2.2: all unread messages form one batch,
// except that a human-sent message is never coalesced with anything
// else. Messages arrive already ordered by id.
func batchFor(unread []*model.Message) []*model.Message {
	if len(unread) == 0 {
		return nil
	}
	if unread[0].IsHuman {
		return unread[:1]
	}
	for i, m := range unread {
		if m.IsHuman {
			return unread[:i]
		}
	}
	return unread
}

func (s *Scheduler) applyBackoff(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.backoff[key]
	delay := cur.delay * 2
	if delay <= 0 {
		delay = s.config.BackoffBase
	}
	if delay > s.config.BackoffMax {
		delay = s.config.BackoffMax
	}
	s.backoff[key] = backoffState{notBefore: time.Now().Add(delay), delay: delay}
}

func (s *Scheduler) clearBackoff(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, key)
}

// maybeNudge enqueues a synthetic "continue" message once an agent's
// turn produced no observable effect, bounded by MaxNudges so a
// permanently idle agent doesn't get nudged forever.
func (s *Scheduler) maybeNudge(rk store.RecipientKey, key string) {
	s.mu.Lock()
	count := s.nudges[key]
	if count >= s.config.MaxNudges {
		s.mu.Unlock()
		return
	}
	s.nudges[key] = count + 1
	s.mu.Unlock()

	msg := &model.Message{
		TeamID:    rk.TeamID,
		Sender:    nudgeSender,
		Recipient: rk.Recipient,
		Kind:      model.MessageEvent,
		Body:      nudgeBody,
	}
	var notify func()
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.Messages().Create(tx, msg); err != nil {
			return err
		}
		_, n, err := s.bus.PublishAndNotify(tx, rk.TeamID, "message_sent", map[string]any{
			"from": nudgeSender, "to": rk.Recipient,
		})
		notify = n
		return err
	})
	if err != nil {
		charmlog.Warn("failed to enqueue nudge", "team", rk.TeamID, "agent", rk.Recipient, "error", err)
		return
	}
	notify()
}

func (s *Scheduler) resetNudge(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nudges, key)
}

// CancelTeam cancels every in-flight turn belonging to teamID (spec
// §4.2.4 cancellation trigger: team deletion). Cancellation is
// cooperative: the in-flight model call is aborted, and any side effects
// already committed before cancellation remain.
func (s *Scheduler) CancelTeam(teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := teamID + "/"
	for key, cancel := range s.agentCtxs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			cancel()
		}
	}
}

// CancelAgent cancels a single agent's in-flight turn (spec §4.2.4:
// repo re-registration affecting that agent's sandbox config).
func (s *Scheduler) CancelAgent(teamID, recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.agentCtxs[recipientKey(teamID, recipient)]; ok {
		cancel()
	}
}
