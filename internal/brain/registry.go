package brain

import (
	"context"
	"sort"
	"strings"
	"sync"

	"brainsched/internal/clock"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/engine"
	logx "brainsched/pkg/logx"
)

// Registry holds the configured brains.
type Registry struct {
	tasks storage.TaskStore
	exec  Executor
	clock clock.Clock
	log   logx.Logger

	mu     sync.RWMutex
	brains map[string]*Brain
}

func NewRegistry(tasks storage.TaskStore, exec Executor, clk clock.Clock, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{tasks: tasks, exec: exec, clock: clk, log: log, brains: map[string]*Brain{}}
}

// SetExecutor wires the executor after construction. The executor's runner
// usually wraps the registry, so the two are built in two steps.
func (r *Registry) SetExecutor(exec Executor) {
	r.mu.Lock()
	r.exec = exec
	for _, b := range r.brains {
		b.setExecutor(exec)
	}
	r.mu.Unlock()
}

// Apply makes the registry match defs: new brains are added, existing ones
// take the new settings and brains missing from defs are removed.
func (r *Registry) Apply(defs []Def) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]bool, len(defs))
	for _, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		d.ID = id
		keep[id] = true
		if b, ok := r.brains[id]; ok {
			b.apply(d)
			continue
		}
		r.brains[id] = New(d, r.tasks, r.exec, r.clock, r.log)
		r.log.Debug("brain registered", logx.String("brain", id), logx.Bool("auto", d.AutoMode))
	}
	for id := range r.brains {
		if !keep[id] {
			delete(r.brains, id)
			r.log.Info("brain removed", logx.String("brain", id))
		}
	}
}

// Register adds or replaces a single brain.
func (r *Registry) Register(d Def) *Brain {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.brains[d.ID]; ok {
		b.apply(d)
		return b
	}
	b := New(d, r.tasks, r.exec, r.clock, r.log)
	r.brains[d.ID] = b
	return b
}

func (r *Registry) Get(id string) (*Brain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brains[id]
	return b, ok
}

// All returns the brains sorted by id.
func (r *Registry) All() []*Brain {
	r.mu.RLock()
	out := make([]*Brain, 0, len(r.brains))
	for _, b := range r.brains {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Runner wraps base so each task is shaped by its brain's strategy before it
// runs. Tasks of unknown brains pass through unchanged.
func (r *Registry) Runner(base engine.Runner) engine.Runner {
	return engine.RunnerFunc(func(ctx context.Context, t *task.Task) error {
		b, ok := r.Get(t.BrainID)
		if !ok {
			return base.Execute(ctx, t)
		}
		cp := t.Clone()
		b.Strategy().Prepare(cp)
		err := base.Execute(ctx, cp)
		t.Output = cp.Output
		return err
	})
}
