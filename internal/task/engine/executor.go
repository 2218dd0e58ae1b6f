// Package engine executes single tasks: it drives the READY, EXECUTING,
// COMPLETED and FAILED transitions, schedules retries and announces every
// transition on the event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"brainsched/internal/clock"
	"brainsched/internal/eventbus"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	logx "brainsched/pkg/logx"
)

// Executor runs tasks through a Runner. It never notifies anyone directly;
// side effects hang off the bus events.
type Executor struct {
	store  storage.TaskStore
	bus    eventbus.Bus
	runner Runner
	clock  clock.Clock
	log    logx.Logger

	mu  sync.Mutex
	cfg Config

	smu    sync.Mutex
	states map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	inflight  atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

// finishTimeout bounds the outcome write after a run.
const finishTimeout = 5 * time.Second

func New(store storage.TaskStore, bus eventbus.Bus, runner Runner, clk clock.Clock, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Executor{
		store:  store,
		bus:    bus,
		runner: runner,
		clock:  clk,
		log:    log,
		cfg:    cfg,
		states: map[string]*RunState{},
	}
}

// Apply swaps the executor settings. In-flight executions keep the old ones.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ExecuteTask runs task id once.
//
// Only a READY task runs. A task already EXECUTING is rejected with
// ErrAlreadyExecuting, any other status with ErrNotReady, and a task whose
// HARD dependencies are not COMPLETED with ErrDependenciesUnmet; in all three
// cases nothing is written. A runner failure is returned after the task has
// been marked FAILED and, when its policy allows, put back to READY with a
// delayed ExecuteAt.
//
// The outcome is written even when ctx is cancelled during the run, so a
// shutdown never leaves the task EXECUTING.
func (e *Executor) ExecuteTask(ctx context.Context, id string) error {
	st := e.stateFor(id)
	if !st.TryAcquire() {
		return fmt.Errorf("%w: %s", ErrAlreadyExecuting, id)
	}
	defer e.releaseState(id, st)

	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	switch t.Status {
	case task.StatusReady:
	case task.StatusExecuting:
		return fmt.Errorf("%w: %s", ErrAlreadyExecuting, id)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReady, id, t.Status)
	}

	if err := e.checkDependencies(ctx, t); err != nil {
		return err
	}

	log := e.log.With(logx.String("task", t.ID), logx.String("brain", t.BrainID))
	start := e.clock.Now()

	e.emit(ctx, eventbus.TaskExecutionStarted, t, nil)
	t.Status = task.StatusExecuting
	t.UpdatedAt = start
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("mark task %s executing: %w", id, err)
	}
	log.Debug("task.started", logx.String("title", t.Title), logx.Int("attempts", t.Attempts))

	e.inflight.Add(1)
	runErr := e.run(ctx, t, log)
	e.inflight.Add(-1)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if runErr == nil {
		return e.complete(wctx, t, start, log)
	}
	return e.fail(wctx, t, start, runErr, log)
}

// Running reports whether this executor is currently running task id.
func (e *Executor) Running(id string) bool {
	e.smu.Lock()
	st := e.states[id]
	e.smu.Unlock()
	return st.Busy()
}

func (e *Executor) run(ctx context.Context, t *task.Task, log logx.Logger) (err error) {
	if e.runner == nil {
		return NoRetry(errors.New("no runner configured"))
	}
	runCtx := ctx
	if timeout := e.config().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return e.runner.Execute(runCtx, t)
}

func (e *Executor) complete(ctx context.Context, t *task.Task, start time.Time, log logx.Logger) error {
	now := e.clock.Now()
	t.Status = task.StatusCompleted
	t.Error = ""
	t.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("mark task %s completed: %w", t.ID, err)
	}
	e.completed.Add(1)
	e.record(t, start, now, "", false)

	dur := now.Sub(start)
	if dur >= 750*time.Millisecond {
		log.Info("task.completed", logx.Duration("dur", dur))
	} else {
		log.Debug("task.completed", logx.Duration("dur", dur))
	}
	e.emit(ctx, eventbus.TaskExecutionCompleted, t, nil)
	return nil
}

func (e *Executor) fail(ctx context.Context, t *task.Task, start time.Time, runErr error, log logx.Logger) error {
	now := e.clock.Now()
	t.Status = task.StatusFailed
	t.Error = failureText(runErr)
	t.Attempts++
	t.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return errors.Join(
			fmt.Errorf("execute task %s: %w", t.ID, runErr),
			fmt.Errorf("mark task %s failed: %w", t.ID, err),
		)
	}
	e.failed.Add(1)
	log.Warn("task.failed", logx.Err(runErr), logx.Int("attempts", t.Attempts), logx.Duration("dur", now.Sub(start)))
	e.emit(ctx, eventbus.TaskExecutionFailed, t, nil)

	retry := e.shouldRetry(t, runErr)
	e.record(t, start, now, t.Error, retry)
	if retry {
		if err := e.scheduleRetry(ctx, t, runErr, now, log); err != nil {
			log.Error("retry scheduling failed", logx.Err(err))
		}
	}
	return fmt.Errorf("execute task %s: %w", t.ID, runErr)
}

func (e *Executor) shouldRetry(t *task.Task, runErr error) bool {
	if t.RetryPolicy == nil || IsNoRetry(runErr) {
		return false
	}
	return t.Attempts < t.RetryPolicy.MaxAttempts
}

func (e *Executor) scheduleRetry(ctx context.Context, t *task.Task, runErr error, now time.Time, log logx.Logger) error {
	delay := t.RetryPolicy.Delay(t.Attempts)
	var ra RetryAfterError
	if errors.As(runErr, &ra) && ra.RetryAfter() > 0 {
		delay = ra.RetryAfter()
	}
	at := now.Add(delay)
	t.Status = task.StatusReady
	t.ExecuteAt = &at
	t.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	e.retried.Add(1)
	log.Info("task retry scheduled",
		logx.Int("attempt", t.Attempts+1),
		logx.Int("max_attempts", t.RetryPolicy.MaxAttempts),
		logx.Duration("delay", delay),
	)
	e.emit(ctx, eventbus.TaskRetryScheduled, t, &delay)
	return nil
}

// DependenciesMet reports whether every HARD dependency of t is COMPLETED.
// SOFT dependencies never block.
func (e *Executor) DependenciesMet(ctx context.Context, t *task.Task) (bool, error) {
	err := e.checkDependencies(ctx, t)
	if errors.Is(err, ErrDependenciesUnmet) {
		return false, nil
	}
	return err == nil, err
}

func (e *Executor) checkDependencies(ctx context.Context, t *task.Task) error {
	for _, d := range t.Dependencies {
		dep, err := e.store.GetTask(ctx, d.TaskID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			dep = nil
		case err != nil:
			return fmt.Errorf("load dependency %s of %s: %w", d.TaskID, t.ID, err)
		}
		if dep != nil && dep.Status == task.StatusCompleted {
			continue
		}
		if d.Type == task.DependencyHard {
			return fmt.Errorf("%w: %s waits on %s", ErrDependenciesUnmet, t.ID, d.TaskID)
		}
		e.log.Debug("soft dependency not completed", logx.String("task", t.ID), logx.String("dep", d.TaskID))
	}
	return nil
}

// emit publishes a lifecycle event. Handler errors are logged; the task
// transition already happened and is not undone.
func (e *Executor) emit(ctx context.Context, typ string, t *task.Task, retryIn *time.Duration) {
	data := eventbus.TaskEvent{
		TaskID:           t.ID,
		BrainID:          t.BrainID,
		Title:            t.Title,
		RecurringID:      t.RecurringID,
		Kind:             string(t.Kind),
		Attempts:         t.Attempts,
		Output:           t.Output,
		Error:            t.Error,
		SendNotification: t.SendNotification,
	}
	if retryIn != nil {
		data.RetryInMs = retryIn.Milliseconds()
	}
	if err := e.bus.Emit(ctx, eventbus.Event{Type: typ, Time: e.clock.Now(), Data: data}); err != nil {
		e.log.Warn("event handler failed", logx.String("event", typ), logx.String("task", t.ID), logx.Err(err))
	}
}

func (e *Executor) stateFor(id string) *RunState {
	e.smu.Lock()
	defer e.smu.Unlock()
	st := e.states[id]
	if st == nil {
		st = &RunState{}
		e.states[id] = st
	}
	return st
}

func (e *Executor) releaseState(id string, st *RunState) {
	st.Release()
	e.smu.Lock()
	if e.states[id] == st && !st.Busy() {
		delete(e.states, id)
	}
	e.smu.Unlock()
}

func (e *Executor) record(t *task.Task, start, end time.Time, errText string, retry bool) {
	size := e.config().HistorySize
	if size <= 0 {
		size = 200
	}
	item := HistoryItem{
		TaskID:   t.ID,
		BrainID:  t.BrainID,
		Title:    t.Title,
		Started:  start,
		Duration: end.Sub(start),
		Attempts: t.Attempts,
		Error:    errText,
		Retry:    retry,
	}
	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
	e.hmu.Unlock()
}

// Snapshot returns counters and recent executions, newest last.
func (e *Executor) Snapshot() Snapshot {
	e.hmu.Lock()
	hist := append([]HistoryItem(nil), e.history...)
	e.hmu.Unlock()
	return Snapshot{
		InFlight:  int(e.inflight.Load()),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Retried:   e.retried.Load(),
		Timeout:   e.config().Timeout,
		History:   hist,
	}
}
