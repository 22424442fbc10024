package workflow

import (
	"fmt"
	"sync"
)

// Registry holds every workflow the daemon knows about, keyed by
// name+version. Workflows are authored as code and loaded at startup,
// plus whatever `workflow add` registers at runtime.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]map[int]*Workflow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]map[int]*Workflow)}
}

// Register adds wf, keyed by its own Name/Version. Re-registering the
// same name+version replaces the prior definition — callers are
// responsible for only doing so with a backward-compatible edit, since
// existing tasks resolve against whatever is registered at dispatch
// time for their stamped workflow_version.
func (r *Registry) Register(wf *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.workflows[wf.Name]
	if !ok {
		versions = make(map[int]*Workflow)
		r.workflows[wf.Name] = versions
	}
	versions[wf.Version] = wf
}

// Get resolves a workflow by the exact name+version a task was stamped
// with at creation.
func (r *Registry) Get(name string, version int) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	wf, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownWorkflow, name, version)
	}
	return wf, nil
}

// Latest returns the highest registered version for name, used when
// stamping a newly created task with workflow_version.
func (r *Registry) Latest(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.workflows[name]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	var best *Workflow
	for _, wf := range versions {
		if best == nil || wf.Version > best.Version {
			best = wf
		}
	}
	return best, nil
}
