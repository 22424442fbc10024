// Package daemon wires every daemon subsystem together and runs the
// process until its context is cancelled. cmd/delegated's main is a
// thin wrapper around Run.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/delegate-dev/delegate/internal/config"
	"github.com/delegate-dev/delegate/internal/daemonlock"
	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/httpapi"
	"github.com/delegate-dev/delegate/internal/merge"
	"github.com/delegate-dev/delegate/internal/metrics"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/modelsession"
	"github.com/delegate-dev/delegate/internal/sandbox"
	"github.com/delegate-dev/delegate/internal/scheduler"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/toolserver"
	"github.com/delegate-dev/delegate/internal/version"
	"github.com/delegate-dev/delegate/internal/workflow"
	"github.com/delegate-dev/delegate/internal/worktree"
)

// Daemon owns every subsystem for one installation directory and the
// background goroutines that drive them.
type Daemon struct {
	home string
	lock *daemonlock.Lock

	db        *store.DB
	bus       *eventbus.Bus
	registry  *workflow.Registry
	engine    *workflow.Engine
	worktrees *worktree.Manager
	sessions  *modelsession.Manager
	tools     *toolserver.Server
	mergeq    *merge.Worker
	sched     *scheduler.Scheduler
	reg       *metrics.Registry
	httpSrv   *httpapi.Server

	addr string
}

// New opens every subsystem for home (a DELEGATE_HOME directory),
// acquiring the singleton daemon lock first. The returned Daemon is
// ready for Run; callers must call Close on shutdown, whether or not Run
// returned an error. When New itself fails it returns a nil Daemon and
// has already released the lock, so there is nothing to Close.
func New(home string, cfg config.Daemon) (*Daemon, error) {
	if err := config.EnsureLayout(home); err != nil {
		return nil, err
	}

	lock, err := daemonlock.Acquire(home)
	if err != nil {
		return nil, err
	}

	d := &Daemon{home: home, lock: lock, addr: cfg.ListenAddr}

	dbPath := filepath.Join(config.ProtectedDir(home), "delegate.db")
	backupDir := filepath.Join(config.ProtectedDir(home), "backups")
	if err := store.Migrate(dbPath, backupDir); err != nil {
		lock.Release()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.db = db

	d.bus = eventbus.New(db)
	d.registry = workflow.NewRegistry()
	d.registry.Register(workflow.Default())
	d.worktrees = worktree.NewManager(db, filepath.Join(home, "teams"))

	hooks := workflow.Hooks{
		SetupWorktree: d.worktrees.Setup,
		CreateReview:  d.createReviewHook,
		// EnqueueMerge is left nil: the merge worker discovers tasks in
		// the "merging" stage by polling every team on each Drain, so
		// no push from the engine is needed.
	}
	d.engine = workflow.NewEngine(db, d.bus, d.registry, hooks)

	mergeCfg := merge.DefaultConfig()
	if timeout := config.ParseDurationOrDefault(cfg.PretestTimeout, 0); timeout > 0 {
		mergeCfg.TestTimeout = timeout
	}
	d.mergeq = merge.NewWorker(db, d.engine, d.worktrees, mergeCfg)

	d.tools = toolserver.New(db, d.bus, d.registry, d.engine)
	d.sessions = modelsession.New(stubSessionFactory)
	d.reg = metrics.New()

	schedCfg := scheduler.DefaultConfig()
	if tick := config.ParseDurationOrDefault(cfg.TickInterval, 0); tick > 0 {
		schedCfg.TickInterval = tick
	}
	d.sched = scheduler.New(db, d.bus, d.sessions, d.mergeq, d.sessionConfigFor, schedCfg)

	versions := version.NewChecker("delegate-dev", "delegate")
	d.httpSrv = httpapi.New(db, d.bus, d.engine, d.worktrees, d.reg, versions, httpapi.Config{Home: home}, cfg.CORSOrigins)

	return d, nil
}

// createReviewHook stamps a fresh, empty review-attempt row when a task
// enters in_review; the reviewer fills in summary/comments/decision on
// the attempt it actually submits.
func (d *Daemon) createReviewHook(tx *sql.Tx, task *model.Task) error {
	latest, err := d.db.Reviews().LatestAttempt(task.ID)
	if err != nil {
		return err
	}
	review := &model.Review{
		TaskID:   task.ID,
		Attempt:  latest + 1,
		Reviewer: task.ReviewerID,
	}
	return d.db.Reviews().CreateTx(tx, review)
}

// sessionConfigFor computes one agent's sandbox boundaries at turn-dispatch
// time: its own directory, the team's shared directory, and every worktree
// path for a task currently assigned to it and not yet in a terminal stage.
func (d *Daemon) sessionConfigFor(agent *model.Agent) (modelsession.SessionConfig, error) {
	teamDir := d.worktrees.TeamDir(agent.TeamID)
	agentDir := filepath.Join(teamDir, "agents", agent.Name)
	sharedDir := filepath.Join(teamDir, "shared")

	tasks, err := d.db.Tasks().ListByTeam(agent.TeamID, "")
	if err != nil {
		return modelsession.SessionConfig{}, err
	}
	var worktreePaths []string
	for _, t := range tasks {
		if t.AssigneeID != agent.ID || model.IsTerminal(t.Status) {
			continue
		}
		paths, err := d.worktrees.Paths(t)
		if err != nil {
			continue
		}
		worktreePaths = append(worktreePaths, paths...)
	}

	allowed := sandbox.ForAgent(agent.Role, teamDir, agentDir, sharedDir, worktreePaths)
	guard := sandbox.NewGuard(allowed)

	repos, err := d.db.Repos().ListByTeam(agent.TeamID)
	if err != nil {
		return modelsession.SessionConfig{}, err
	}
	gitDirs := make([]string, 0, len(repos))
	for _, r := range repos {
		gitDirs = append(gitDirs, filepath.Join(r.Path, ".git"))
	}
	allowlist, err := sandbox.LoadNetworkAllowlist(config.ProtectedDir(d.home))
	if err != nil {
		return modelsession.SessionConfig{}, err
	}
	osCfg := sandbox.BuildOSConfig(teamDir, gitDirs, allowlist.Domains)

	return modelsession.SessionConfig{
		Agent:           agent,
		Guard:           guard,
		OSConfig:        osCfg,
		DisallowedTools: sandbox.DisallowedTools(),
	}, nil
}

// Run starts the scheduler tick loop and the HTTP surface, blocking
// until ctx is cancelled or the HTTP server exits on its own.
func (d *Daemon) Run(ctx context.Context) error {
	go d.sched.Run(ctx)
	return d.httpSrv.Serve(ctx, d.addr)
}

// Close releases the daemon's resources: the DB connection and the
// singleton lock. Call it once, after Run returns, on a Daemon that New
// returned successfully.
func (d *Daemon) Close() error {
	if d.db != nil {
		_ = d.db.Close()
	}
	return d.lock.Release()
}
