package modelsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSession is a minimal in-memory ModelSession for exercising the
// manager without a real LLM transport.
type fakeSession struct {
	mu     sync.Mutex
	alive  bool
	turns  int
	closed bool
}

func newFakeSession(SessionConfig) (ModelSession, error) {
	return &fakeSession{alive: true}, nil
}

func (f *fakeSession) RunTurn(ctx context.Context, batch TurnBatch) (Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns++
	return Reply{Body: "ok", TokensIn: 10, TokensOut: 5, CostCents: 1}, nil
}

func (f *fakeSession) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

func TestAcquireCreatesOnlyOnce(t *testing.T) {
	m := New(newFakeSession)
	cfg := SessionConfig{}

	s1, err := m.Acquire("alice", cfg)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s2, err := m.Acquire("alice", cfg)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same session instance to be reused")
	}
}

func TestRunTurnAccumulatesUsage(t *testing.T) {
	m := New(newFakeSession)
	cfg := SessionConfig{}

	for i := 0; i < 3; i++ {
		if _, err := m.RunTurn(context.Background(), "alice", cfg, TurnBatch{}); err != nil {
			t.Fatalf("run turn %d: %v", i, err)
		}
	}

	usage := m.Usage("alice")
	if usage.TokensIn != 30 || usage.TokensOut != 15 || usage.CostCents != 3 {
		t.Fatalf("unexpected accumulated usage: %+v", usage)
	}
}

func TestDeadSessionIsReplacedOnAcquire(t *testing.T) {
	m := New(newFakeSession)
	cfg := SessionConfig{}

	s1, err := m.Acquire("alice", cfg)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s1.(*fakeSession).mu.Lock()
	s1.(*fakeSession).alive = false
	s1.(*fakeSession).mu.Unlock()

	s2, err := m.Acquire("alice", cfg)
	if err != nil {
		t.Fatalf("acquire after death: %v", err)
	}
	if s1 == s2 {
		t.Fatal("expected a dead session to be replaced")
	}
}

func TestZombieSessionIsReplacedOnAcquire(t *testing.T) {
	m := New(newFakeSession)
	zombie := false
	cfg := SessionConfig{IsZombie: func() bool { return zombie }}

	s1, err := m.Acquire("alice", cfg)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	zombie = true

	s2, err := m.Acquire("alice", cfg)
	if err != nil {
		t.Fatalf("acquire after zombie flag: %v", err)
	}
	if s1 == s2 {
		t.Fatal("expected a zombie session to be replaced even though Alive() is true")
	}
}

func TestRotateCarriesForwardMemorySummary(t *testing.T) {
	m := New(newFakeSession)
	cfg := SessionConfig{MemorySummary: "initial summary"}

	if _, err := m.Acquire("alice", cfg); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Rotate("alice", SessionConfig{}, RotationSandboxChanged); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	m.mu.Lock()
	got := m.sessions["alice"].config.MemorySummary
	m.mu.Unlock()
	if got != "initial summary" {
		t.Fatalf("expected memory summary to carry forward, got %q", got)
	}
}

func TestRunTurnAutoRotatesOnContextPressure(t *testing.T) {
	calls := 0
	factory := func(SessionConfig) (ModelSession, error) {
		calls++
		return &fakeSession{alive: true}, nil
	}
	m := New(factory)
	cfg := SessionConfig{}

	if _, err := m.Acquire("alice", cfg); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 session created so far, got %d", calls)
	}

	m.mu.Lock()
	e := m.sessions["alice"]
	m.mu.Unlock()
	pressured := &pressuredSession{fakeSession: fakeSession{alive: true}}
	e.turnMu.Lock()
	e.session = pressured
	e.turnMu.Unlock()

	if _, err := m.RunTurn(context.Background(), "alice", cfg, TurnBatch{}); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected auto-rotation to create a replacement session, got %d creations", calls)
	}
}

type pressuredSession struct {
	fakeSession
}

func (p *pressuredSession) RunTurn(ctx context.Context, batch TurnBatch) (Reply, error) {
	return Reply{ContextUtilization: 0.99}, nil
}

func TestRunTurnSurfacesRateLimit(t *testing.T) {
	factory := func(SessionConfig) (ModelSession, error) {
		return &rateLimitedSession{}, nil
	}
	m := New(factory)

	_, err := m.RunTurn(context.Background(), "alice", SessionConfig{}, TurnBatch{})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected a *RateLimitError, got %v", err)
	}
	if rle.RetryAfter != 2*time.Second {
		t.Fatalf("expected retry-after to propagate, got %v", rle.RetryAfter)
	}
}

type rateLimitedSession struct{}

func (r *rateLimitedSession) RunTurn(ctx context.Context, batch TurnBatch) (Reply, error) {
	return Reply{RateLimited: true, RetryAfter: 2 * time.Second}, nil
}
func (r *rateLimitedSession) Alive() bool  { return true }
func (r *rateLimitedSession) Close() error { return nil }

func TestReleaseClosesSession(t *testing.T) {
	m := New(newFakeSession)
	s, err := m.Acquire("alice", SessionConfig{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release("alice")
	if !s.(*fakeSession).closed {
		t.Fatal("expected release to close the underlying session")
	}
	if _, ok := m.sessions["alice"]; ok {
		t.Fatal("expected release to forget the session entry")
	}
}
