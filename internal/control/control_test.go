package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/brain"
	"brainsched/internal/clock"
	"brainsched/internal/eventbus"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/engine"
	"brainsched/internal/task/heartbeat"
	"brainsched/internal/task/scheduler"
	logx "brainsched/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store storage.Store
	clk   *clock.Manual
	reg   *brain.Registry
}

func newHarness(t *testing.T, run func(*task.Task) error) *harness {
	t.Helper()
	store := storage.NewMemory()
	clk := clock.NewManual(t0)
	bus := eventbus.New()
	sched := scheduler.New(store, clk, scheduler.Config{Timezone: "UTC"}, logx.Nop())
	reg := brain.NewRegistry(store, nil, clk, logx.Nop())
	runner := engine.RunnerFunc(func(_ context.Context, tk *task.Task) error {
		if run != nil {
			return run(tk)
		}
		tk.Output = "done"
		return nil
	})
	exec := engine.New(store, bus, reg.Runner(runner), clk, engine.Config{}, logx.Nop())
	reg.SetExecutor(exec)
	drv := heartbeat.New(sched, store, reg, bus, clk, heartbeat.Config{}, logx.Nop())

	svc := New(Deps{
		Tasks: store, Audit: store, Scheduler: sched, Executor: exec,
		Recurring: drv, Brains: reg, Clock: clk, Log: logx.Nop(),
	})
	return &harness{svc: svc, store: store, clk: clk, reg: reg}
}

func (h *harness) actions(t *testing.T) []string {
	t.Helper()
	entries, err := h.svc.Audit(context.Background(), 100)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Action)
	}
	return out
}

func TestTaskLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tk, err := h.svc.CreateTask(ctx, "ops", &task.Task{BrainID: "b1", Title: "triage", Status: task.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, tk.Status, "new tasks always start READY")
	assert.Equal(t, task.KindStandard, tk.Kind)

	title := "triage inbox"
	tk, err = h.svc.UpdateTask(ctx, "ops", tk.ID, TaskPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, tk.Title)

	tk, err = h.svc.RunTask(ctx, "ops", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, "done", tk.Output)

	hist, err := h.svc.TaskHistory(ctx, tk.ID)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, task.StatusCompleted, hist[len(hist)-1].To)

	tk, err = h.svc.RequeueTask(ctx, "ops", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, tk.Status)

	require.NoError(t, h.svc.DeleteTask(ctx, "ops", tk.ID))
	_, err = h.svc.GetTask(ctx, tk.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, []string{"task.create", "task.update", "task.run", "task.requeue", "task.delete"}, h.actions(t))
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.CreateTask(context.Background(), "ops", &task.Task{Title: "no brain"})
	require.Error(t, err)

	entries, err := h.svc.Audit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].OK)
	assert.Contains(t, entries[0].Error, "brainId")
}

func TestRunTaskFailureReturnsStoredState(t *testing.T) {
	h := newHarness(t, func(*task.Task) error { return errors.New("agent crashed") })
	ctx := context.Background()
	tk, err := h.svc.CreateTask(ctx, "ops", &task.Task{BrainID: "b1", Title: "x", RetryPolicy: &task.RetryPolicy{MaxAttempts: 1, BackoffType: task.BackoffFixed}})
	require.NoError(t, err)

	got, err := h.svc.RunTask(ctx, "ops", tk.ID)
	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestEditsRejectedWhileExecuting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(*task.Task) error {
		close(entered)
		<-release
		return nil
	})
	ctx := context.Background()
	tk, err := h.svc.CreateTask(ctx, "ops", &task.Task{BrainID: "b1", Title: "x"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.RunTask(ctx, "ops", tk.ID)
		done <- err
	}()
	<-entered

	_, err = h.svc.UpdateTask(ctx, "ops", tk.ID, TaskPatch{ClearExecuteAt: true})
	assert.ErrorIs(t, err, ErrTaskBusy)
	assert.ErrorIs(t, h.svc.DeleteTask(ctx, "ops", tk.ID), ErrTaskBusy)
	_, err = h.svc.RequeueTask(ctx, "ops", tk.ID)
	assert.ErrorIs(t, err, ErrTaskBusy)

	close(release)
	require.NoError(t, <-done)
	got, err := h.svc.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestOrphanedExecutingTaskCanBeRequeued(t *testing.T) {
	runs := 0
	h := newHarness(t, func(*task.Task) error { runs++; return nil })
	ctx := context.Background()
	tk, err := h.svc.CreateTask(ctx, "ops", &task.Task{BrainID: "b1", Title: "x"})
	require.NoError(t, err)
	tk.Status = task.StatusExecuting
	require.NoError(t, h.store.UpdateTask(ctx, tk))

	_, err = h.svc.RunTask(ctx, "ops", tk.ID)
	assert.ErrorIs(t, err, engine.ErrAlreadyExecuting)

	got, err := h.svc.RequeueTask(ctx, "ops", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)

	got, err = h.svc.RunTask(ctx, "ops", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	_, err = h.svc.RunTask(ctx, "ops", tk.ID)
	assert.ErrorIs(t, err, engine.ErrNotReady)
	assert.Equal(t, 1, runs)
}

func TestRecurringOperations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	def, err := h.svc.CreateRecurring(ctx, "ops", &task.Recurring{
		BrainID: "b1", Title: "digest", Pattern: task.PatternDaily, Active: true,
	})
	require.NoError(t, err)

	due, err := h.svc.DueRecurring(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
	h.clk.Advance(2 * time.Hour)
	due, err = h.svc.DueRecurring(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	active, err := h.svc.ToggleRecurring(ctx, "ops", def.ID)
	require.NoError(t, err)
	assert.False(t, active)
	due, err = h.svc.DueRecurring(ctx)
	require.NoError(t, err)
	assert.Empty(t, due, "inactive definitions are never due")

	report := true
	updated, err := h.svc.UpdateRecurring(ctx, "ops", def.ID, RecurringPatch{TriggersReport: &report})
	require.NoError(t, err)
	assert.True(t, updated.TriggersReport)
	assert.Equal(t, task.PatternDaily, updated.Pattern)

	tk, err := h.svc.RunRecurringNow(ctx, "ops", def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, tk.RecurringID)

	list, err := h.svc.ListRecurring(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, h.svc.DeleteRecurring(ctx, "ops", def.ID))
	_, err = h.svc.GetRecurring(ctx, def.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, []string{
		"recurring.create", "recurring.toggle", "recurring.update", "recurring.run", "recurring.delete",
	}, h.actions(t))
}

func TestCreateRecurringInvalid(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.CreateRecurring(context.Background(), "ops", &task.Recurring{
		BrainID: "b1", Title: "bad", Pattern: task.PatternCustom, CronExpression: "*/5 * * * *",
	})
	assert.True(t, scheduler.IsInvalidDefinition(err))
}

func TestBrainOperations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.reg.Register(brain.Def{ID: "b1", Name: "Ops"})
	_, err := h.svc.CreateTask(ctx, "ops", &task.Task{BrainID: "b1", Title: "x"})
	require.NoError(t, err)

	infos := h.svc.Brains()
	require.Len(t, infos, 1)
	assert.Equal(t, "Ops", infos[0].Name)
	assert.False(t, infos[0].AutoMode)
	assert.Equal(t, brain.StatusIdle, infos[0].Status)

	res, err := h.svc.ForceRun(ctx, "ops", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	require.NoError(t, h.svc.SetAutoMode(ctx, "ops", "b1", true))
	assert.True(t, h.svc.Brains()[0].AutoMode)

	assert.ErrorIs(t, h.svc.SetAutoMode(ctx, "ops", "nope", true), ErrUnknownBrain)
}
