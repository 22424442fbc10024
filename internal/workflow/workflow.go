package workflow

import "fmt"

// TransitionKey identifies one edge in a workflow's transition graph:
// the stage an event arrives in, and the event's kind.
type TransitionKey struct {
	Stage     string
	EventKind string
}

// Workflow is a named, versioned ordered sequence of stages plus the
// transition graph between them. Stage resolution for a stored task
// always uses the workflow_name/workflow_version it was created with;
// live edits never retroactively affect in-flight tasks.
type Workflow struct {
	Name    string
	Version int

	stages      []Stage
	byKey       map[string]Stage
	transitions map[TransitionKey]string
}

// New builds a Workflow from an ordered stage list and transition table.
func New(name string, version int, stages []Stage, transitions map[TransitionKey]string) *Workflow {
	byKey := make(map[string]Stage, len(stages))
	for _, s := range stages {
		byKey[s.Key()] = s
	}
	return &Workflow{
		Name:        name,
		Version:     version,
		stages:      stages,
		byKey:       byKey,
		transitions: transitions,
	}
}

// Stage returns the stage definition for key, or ErrUnknownStage.
func (w *Workflow) Stage(key string) (Stage, error) {
	s, ok := w.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s in workflow %s v%d", ErrUnknownStage, key, w.Name, w.Version)
	}
	return s, nil
}

// Stages returns the ordered stage list, for CLI introspection.
func (w *Workflow) Stages() []Stage {
	return w.stages
}

// InitialStage returns the first stage in the ordered list — the status
// a newly created task in this workflow starts at.
func (w *Workflow) InitialStage() Stage {
	if len(w.stages) == 0 {
		return nil
	}
	return w.stages[0]
}

// Next looks up the transition table for (from, eventKind). ok is false
// when no transition matches, per spec: an unmatched event is ignored.
func (w *Workflow) Next(from, eventKind string) (to string, ok bool) {
	to, ok = w.transitions[TransitionKey{Stage: from, EventKind: eventKind}]
	return to, ok
}
