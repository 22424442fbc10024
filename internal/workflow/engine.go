package workflow

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
)

// Hooks wires the engine's side-effect surface to the subsystems that
// actually perform it. Left nil in a field means that effect is a no-op
// — used by tests exercising pure stage/transition logic.
type Hooks struct {
	SetupWorktree func(tx *sql.Tx, task *model.Task) error
	CreateReview  func(tx *sql.Tx, task *model.Task) error
	EnqueueMerge  func(tx *sql.Tx, task *model.Task) error
	RunScript     func(tx *sql.Tx, task *model.Task, script string) error
}

// Engine dispatches events to tasks, applying the matched transition
// (old stage exit, status write, new stage enter) as a single atomic
// commit-or-rollback unit, serialized per task.
type Engine struct {
	db       *store.DB
	bus      *eventbus.Bus
	registry *Registry
	hooks    Hooks

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewEngine builds an engine around registry, the source of truth for
// every workflow's stage and transition definitions.
func NewEngine(db *store.DB, bus *eventbus.Bus, registry *Registry, hooks Hooks) *Engine {
	return &Engine{
		db:       db,
		bus:      bus,
		registry: registry,
		hooks:    hooks,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (e *Engine) taskLock(taskID int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// Dispatch applies event to taskID's current stage. If the workflow has
// no transition registered for (current stage, event.Kind), the event
// is ignored and Dispatch returns nil. Otherwise the old stage's Exit,
// the status write, and the new stage's Enter commit atomically.
func (e *Engine) Dispatch(taskID int64, event Event) error {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := e.db.Tasks().Get(taskID)
	if err != nil {
		return fmt.Errorf("dispatch: loading task %d: %w", taskID, err)
	}
	if model.IsTerminal(task.Status) {
		return nil
	}

	wf, err := e.registry.Get(task.WorkflowName, task.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	to, ok := wf.Next(task.Status, event.Kind)
	if !ok {
		return nil
	}

	curStage, err := wf.Stage(task.Status)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	nextStage, err := wf.Stage(to)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	from := task.Status
	var notify func()
	err = e.db.WithTx(func(tx *sql.Tx) error {
		sc := &engineContext{engine: e, tx: tx}

		if err := curStage.Action(sc, task, event); err != nil {
			return fmt.Errorf("action at %s: %w", from, err)
		}
		if err := curStage.Exit(sc, task); err != nil {
			return fmt.Errorf("exiting %s: %w", from, err)
		}
		if model.IsTerminal(to) {
			if err := e.db.Tasks().Complete(tx, taskID, to); err != nil {
				return err
			}
		} else if err := e.db.Tasks().SetStatus(tx, taskID, to, event.Detail); err != nil {
			return err
		}
		task.Status = to
		task.StatusDetail = event.Detail
		if err := nextStage.Enter(sc, task); err != nil {
			return fmt.Errorf("entering %s: %w", to, err)
		}
		if err := assignEnteringStage(sc, nextStage, task); err != nil {
			return fmt.Errorf("assigning %s: %w", to, err)
		}

		_, n, err := e.bus.PublishAndNotify(tx, task.TeamID, "task_transitioned", map[string]any{
			"task_id": taskID,
			"from":    from,
			"to":      to,
		})
		if err != nil {
			return err
		}
		notify = n
		return nil
	})
	if err != nil {
		return err
	}
	notify()
	return nil
}

// assignEnteringStage runs stage's Assign hook for task and persists any
// newly picked assignee, leaving the task's current assignee untouched if
// Assign returns "".
func assignEnteringStage(ctx Context, stage Stage, task *model.Task) error {
	assigneeID, err := stage.Assign(ctx, task)
	if err != nil {
		return err
	}
	if assigneeID == "" || assigneeID == task.AssigneeID {
		return nil
	}
	sc, ok := ctx.(*engineContext)
	if !ok {
		task.AssigneeID = assigneeID
		return nil
	}
	if err := sc.engine.db.Tasks().SetAssignee(sc.tx, task.ID, assigneeID); err != nil {
		return err
	}
	task.AssigneeID = assigneeID
	return nil
}

// AssignInitial runs the initial stage's Assign hook for a newly created
// task. Dispatch only ever runs Enter/Assign on a transition into a
// stage, and a freshly created task enters its initial stage without
// one, so callers that create tasks (toolserver's task_create) invoke
// this once, right after store.Tasks.Create.
func (e *Engine) AssignInitial(task *model.Task) error {
	wf, err := e.registry.Get(task.WorkflowName, task.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("assign initial: %w", err)
	}
	stage, err := wf.Stage(task.Status)
	if err != nil {
		return fmt.Errorf("assign initial: %w", err)
	}
	return e.db.WithTx(func(tx *sql.Tx) error {
		sc := &engineContext{engine: e, tx: tx}
		return assignEnteringStage(sc, stage, task)
	})
}

// engineContext implements Context for one transition's transaction.
type engineContext struct {
	engine *Engine
	tx     *sql.Tx
}

func (c *engineContext) SetupWorktree(task *model.Task) error {
	terminal, err := c.engine.db.Tasks().DependenciesTerminal(task.ID)
	if err != nil {
		return err
	}
	if !terminal {
		return ErrDependenciesNotTerminal
	}
	if c.engine.hooks.SetupWorktree == nil {
		return nil
	}
	return c.engine.hooks.SetupWorktree(c.tx, task)
}

func (c *engineContext) CreateReview(task *model.Task) error {
	if c.engine.hooks.CreateReview == nil {
		return nil
	}
	return c.engine.hooks.CreateReview(c.tx, task)
}

func (c *engineContext) EnqueueMerge(task *model.Task) error {
	terminal, err := c.engine.db.Tasks().DependenciesTerminal(task.ID)
	if err != nil {
		return err
	}
	if !terminal {
		return ErrDependenciesNotTerminal
	}
	if c.engine.hooks.EnqueueMerge == nil {
		return nil
	}
	return c.engine.hooks.EnqueueMerge(c.tx, task)
}

func (c *engineContext) RunScript(task *model.Task, script string) error {
	if c.engine.hooks.RunScript == nil {
		return nil
	}
	return c.engine.hooks.RunScript(c.tx, task, script)
}

func (c *engineContext) SendMessage(task *model.Task, to, body string) error {
	if to == "" {
		return nil
	}
	msg := &model.Message{
		TeamID:        task.TeamID,
		Sender:        "daemon",
		Recipient:     to,
		Kind:          model.MessageEvent,
		Body:          body,
		RelatedTaskID: &task.ID,
	}
	if err := c.engine.db.Messages().Create(c.tx, msg); err != nil {
		return err
	}
	_, err := c.engine.bus.Publish(c.tx, task.TeamID, "message_sent", map[string]any{
		"from": "daemon", "to": to,
	})
	return err
}

func (c *engineContext) SetStatus(task *model.Task, detail string) error {
	return c.engine.db.Tasks().SetStatus(c.tx, task.ID, task.Status, detail)
}

func (c *engineContext) PickAssignee(task *model.Task, role model.Role) (string, error) {
	agents, err := c.engine.db.Agents().ListByTeam(task.TeamID)
	if err != nil {
		return "", err
	}
	var best *model.Agent
	bestLoad := -1
	for _, a := range agents {
		if a.Role != role {
			continue
		}
		load, err := c.engine.db.Tasks().CountActiveForAssignee(task.TeamID, a.ID)
		if err != nil {
			return "", err
		}
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = a, load
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ID, nil
}
