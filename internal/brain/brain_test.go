package brain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/clock"
	"brainsched/internal/eventbus"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/engine"
	logx "brainsched/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store storage.Store
	clk   *clock.Manual
	reg   *Registry

	mu   sync.Mutex
	seen []*task.Task
}

func newFixture(t *testing.T, fail func(*task.Task) error) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), clk: clock.NewManual(t0)}
	f.reg = NewRegistry(f.store, nil, f.clk, logx.Nop())
	base := engine.RunnerFunc(func(_ context.Context, tk *task.Task) error {
		f.mu.Lock()
		f.seen = append(f.seen, tk.Clone())
		f.mu.Unlock()
		if fail != nil {
			if err := fail(tk); err != nil {
				return err
			}
		}
		tk.Output = "ok"
		return nil
	})
	exec := engine.New(f.store, eventbus.New(), f.reg.Runner(base), f.clk, engine.Config{}, logx.Nop())
	f.reg.SetExecutor(exec)
	return f
}

func (f *fixture) add(t *testing.T, tk *task.Task) *task.Task {
	t.Helper()
	if tk.BrainID == "" {
		tk.BrainID = "b1"
	}
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = f.clk.Now()
	}
	require.NoError(t, f.store.CreateTask(context.Background(), tk))
	return tk
}

func (f *fixture) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.seen))
	for _, tk := range f.seen {
		out = append(out, tk.Title)
	}
	return out
}

func TestAutoModeRunsInCreationOrder(t *testing.T) {
	f := newFixture(t, nil)
	b := f.reg.Register(Def{ID: "b1", AutoMode: true})
	f.add(t, &task.Task{Title: "second", CreatedAt: t0.Add(time.Second)})
	f.add(t, &task.Task{Title: "first", CreatedAt: t0})
	f.add(t, &task.Task{Title: "other brain", BrainID: "b2"})

	f.clk.Advance(time.Minute)
	res, err := b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, []string{"first", "second"}, f.titles())
	assert.False(t, b.LastPass().IsZero())
	assert.Equal(t, StatusIdle, b.Status())
}

func TestManualModeOnlyRunsRecurringUnlessForced(t *testing.T) {
	f := newFixture(t, nil)
	b := f.reg.Register(Def{ID: "b1", AutoMode: false})
	f.add(t, &task.Task{Title: "adhoc"})
	f.add(t, &task.Task{Title: "scheduled", RecurringID: "r1"})

	res, err := b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"scheduled"}, f.titles())

	res, err = b.ForceRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, []string{"scheduled", "adhoc"}, f.titles())
}

func TestFutureExecuteAtWaits(t *testing.T) {
	f := newFixture(t, nil)
	b := f.reg.Register(Def{ID: "b1", AutoMode: true})
	later := t0.Add(5 * time.Second)
	f.add(t, &task.Task{Title: "later", ExecuteAt: &later})

	res, err := b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res.Executed)

	f.clk.Set(later)
	res, err = b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
}

func TestFailureDoesNotStopPass(t *testing.T) {
	f := newFixture(t, func(tk *task.Task) error {
		if tk.Title == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	b := f.reg.Register(Def{ID: "b1", AutoMode: true})
	f.add(t, &task.Task{Title: "bad", CreatedAt: t0})
	f.add(t, &task.Task{Title: "good", CreatedAt: t0.Add(time.Second)})

	res, err := b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Executed)
}

func TestHardDependencySkippedUntilDone(t *testing.T) {
	f := newFixture(t, nil)
	b := f.reg.Register(Def{ID: "b1", AutoMode: true})
	dep := f.add(t, &task.Task{Title: "dep", BrainID: "b2"})
	f.add(t, &task.Task{Title: "child", Dependencies: []task.Dependency{{TaskID: dep.ID, Type: task.DependencyHard}}})

	res, err := b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.titles())

	dep.Status = task.StatusCompleted
	require.NoError(t, f.store.UpdateTask(context.Background(), dep))
	res, err = b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
}

func TestBusyBrainSkipsHeartbeat(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(*task.Task) error {
		close(entered)
		<-release
		return nil
	})
	b := f.reg.Register(Def{ID: "b1", AutoMode: true})
	f.add(t, &task.Task{Title: "slow"})

	done := make(chan error, 1)
	go func() {
		_, err := b.OnHeartbeat(context.Background(), false)
		done <- err
	}()
	<-entered
	assert.Equal(t, StatusExecuting, b.Status())
	_, err := b.OnHeartbeat(context.Background(), false)
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
	require.NoError(t, <-done)
}

func TestPersonaStrategyShapesRunnerInputOnly(t *testing.T) {
	f := newFixture(t, nil)
	b := f.reg.Register(Def{ID: "b1", AutoMode: true, Persona: "You are terse.", Model: "small"})
	tk := f.add(t, &task.Task{Title: "summarize", Description: "inbox"})

	_, err := b.OnHeartbeat(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, f.seen, 1)
	assert.Equal(t, "You are terse.\n\ninbox", f.seen[0].Description)
	assert.Equal(t, "small", f.seen[0].ModelOverride)

	stored, err := f.store.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "inbox", stored.Description)
	assert.Empty(t, stored.ModelOverride)
	assert.Equal(t, "ok", stored.Output)
}

func TestSetExecutorWhilePassRuns(t *testing.T) {
	f := newFixture(t, nil)
	b := f.reg.Register(Def{ID: "b1", AutoMode: true})
	for range 20 {
		f.add(t, &task.Task{Title: "job"})
	}
	exec := engine.New(f.store, eventbus.New(), f.reg.Runner(engine.RunnerFunc(func(context.Context, *task.Task) error { return nil })), f.clk, engine.Config{}, logx.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			f.reg.SetExecutor(exec)
		}
	}()
	res, err := b.OnHeartbeat(context.Background(), false)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, 20, res.Executed)
}

func TestRegistryApply(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Apply([]Def{{ID: "a", AutoMode: true}, {ID: "b"}, {ID: " "}})
	require.Len(t, f.reg.All(), 2)

	a, _ := f.reg.Get("a")
	f.reg.Apply([]Def{{ID: "a", AutoMode: false, Name: "Alpha"}})
	same, ok := f.reg.Get("a")
	require.True(t, ok)
	assert.Same(t, a, same)
	assert.False(t, same.AutoMode())
	assert.Equal(t, "Alpha", same.Name())
	_, ok = f.reg.Get("b")
	assert.False(t, ok)
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, "passthrough", StrategyFor(Def{}).Name())
	assert.Equal(t, "persona", StrategyFor(Def{Model: "m"}).Name())

	tk := &task.Task{ModelOverride: "mine"}
	Persona{Preamble: "P", Model: "m"}.Prepare(tk)
	assert.Equal(t, "mine", tk.ModelOverride)
	assert.Equal(t, "P", tk.Description)
}
