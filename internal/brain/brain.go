// Package brain models the agents that own task queues. A brain picks its
// READY tasks on every heartbeat and runs them one at a time.
package brain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"brainsched/internal/clock"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/engine"
	logx "brainsched/pkg/logx"
)

// ErrBusy is returned when a heartbeat arrives while the previous pass of
// the same brain is still running.
var ErrBusy = errors.New("brain is busy")

type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusExecuting Status = "EXECUTING"
)

// Def is the configured identity of a brain.
type Def struct {
	ID       string
	Name     string
	AutoMode bool
	Model    string
	Persona  string
}

// Executor is the part of engine.Executor a brain needs.
type Executor interface {
	ExecuteTask(ctx context.Context, id string) error
	DependenciesMet(ctx context.Context, t *task.Task) (bool, error)
}

// PassResult summarizes one heartbeat pass.
type PassResult struct {
	Executed int
	Failed   int
	Skipped  int
}

type Brain struct {
	id    string
	tasks storage.TaskStore
	exec  Executor
	clock clock.Clock
	log   logx.Logger

	mu       sync.RWMutex
	name     string
	strategy Strategy

	autoMode atomic.Bool
	state    engine.RunState
	lastPass atomic.Int64
}

func New(def Def, tasks storage.TaskStore, exec Executor, clk clock.Clock, log logx.Logger) *Brain {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	b := &Brain{id: def.ID, tasks: tasks, exec: exec, clock: clk, log: log.With(logx.String("brain", def.ID))}
	b.apply(def)
	return b
}

func (b *Brain) apply(def Def) {
	b.mu.Lock()
	b.name = def.Name
	if b.name == "" {
		b.name = def.ID
	}
	b.strategy = StrategyFor(def)
	b.mu.Unlock()
	b.autoMode.Store(def.AutoMode)
}

func (b *Brain) setExecutor(exec Executor) {
	b.mu.Lock()
	b.exec = exec
	b.mu.Unlock()
}

func (b *Brain) executor() Executor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exec
}

func (b *Brain) ID() string { return b.id }

func (b *Brain) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

func (b *Brain) Strategy() Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strategy
}

func (b *Brain) AutoMode() bool { return b.autoMode.Load() }

func (b *Brain) SetAutoMode(on bool) { b.autoMode.Store(on) }

// Status reports EXECUTING while a pass is running.
func (b *Brain) Status() Status {
	if b.state.Busy() {
		return StatusExecuting
	}
	return StatusIdle
}

// LastPass returns when the latest pass finished, zero if none did.
func (b *Brain) LastPass() time.Time {
	ms := b.lastPass.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// OnHeartbeat runs every eligible READY task of this brain, oldest first.
//
// Tasks materialized from a recurring definition always run; other tasks run
// only in auto mode or when force is set. Tasks whose HARD dependencies are
// not COMPLETED are left READY. Execution errors are logged and the pass
// continues with the next task.
func (b *Brain) OnHeartbeat(ctx context.Context, force bool) (PassResult, error) {
	var res PassResult
	if !b.state.TryAcquire() {
		return res, ErrBusy
	}
	defer func() {
		b.state.Release()
		b.lastPass.Store(b.clock.Now().UnixMilli())
	}()

	ready, err := b.tasks.ListReady(ctx, b.id, b.clock.Now())
	if err != nil {
		return res, fmt.Errorf("list ready tasks of %s: %w", b.id, err)
	}
	auto := b.AutoMode()
	exec := b.executor()

	for _, t := range ready {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !auto && !force && !t.FromRecurring() {
			res.Skipped++
			continue
		}
		ok, err := exec.DependenciesMet(ctx, t)
		if err != nil {
			b.log.Warn("dependency check failed", logx.String("task", t.ID), logx.Err(err))
			res.Skipped++
			continue
		}
		if !ok {
			b.log.Debug("task waits on hard dependencies", logx.String("task", t.ID))
			res.Skipped++
			continue
		}

		if err := exec.ExecuteTask(ctx, t.ID); err != nil {
			if errors.Is(err, engine.ErrAlreadyExecuting) || errors.Is(err, engine.ErrNotReady) || errors.Is(err, engine.ErrDependenciesUnmet) {
				res.Skipped++
				continue
			}
			res.Failed++
			b.log.Warn("task execution failed", logx.String("task", t.ID), logx.String("title", t.Title), logx.Err(err))
			continue
		}
		res.Executed++
	}

	if res.Executed+res.Failed > 0 {
		b.log.Info("heartbeat pass done",
			logx.Int("executed", res.Executed),
			logx.Int("failed", res.Failed),
			logx.Int("skipped", res.Skipped),
			logx.Bool("force", force),
		)
	}
	return res, nil
}

// ForceRun is a heartbeat that ignores auto mode.
func (b *Brain) ForceRun(ctx context.Context) (PassResult, error) {
	return b.OnHeartbeat(ctx, true)
}
