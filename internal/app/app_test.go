package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/engine"
)

const baseConfig = `{
  "logging": {"level": "error"},
  "heartbeat": {"interval": "1h"},
  "brains": [{"id": "ops", "name": "Ops", "auto_mode": true}],
  "reports": {"enabled": true, "default_delay": "1m"}
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestApp(t *testing.T, body string, calls *atomic.Int32) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brainsched.json")
	writeConfig(t, path, body)
	run := engine.RunnerFunc(func(_ context.Context, tk *task.Task) error {
		if calls != nil {
			calls.Add(1)
		}
		tk.Output = "handled " + tk.Title
		return nil
	})
	a, err := New(path, WithRunner(run), WithCommandLogging("error"))
	require.NoError(t, err)
	return a, path
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(ctx, StopCommand))
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	writeConfig(t, path, `{"storage":{"driver":"sqlite"}}`)
	_, err := New(path)
	assert.ErrorContains(t, err, "storage.path")

	_, err = New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunTaskNotifiesAndPlansReport(t *testing.T) {
	var calls atomic.Int32
	a, _ := newTestApp(t, baseConfig, &calls)
	startApp(t, a)
	ctx := context.Background()
	ctl := a.Control()

	def, err := ctl.CreateRecurring(ctx, "test", &task.Recurring{
		BrainID: "ops", Title: "digest", Pattern: task.PatternDaily,
		Active: true, SendNotification: true, TriggersReport: true,
	})
	require.NoError(t, err)

	tk, err := ctl.RunRecurringNow(ctx, "test", def.ID)
	require.NoError(t, err)
	tk, err = ctl.RunTask(ctx, "test", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, "handled digest", tk.Output)
	assert.EqualValues(t, 1, calls.Load())

	reports, err := ctl.ListTasks(ctx, storage.Filter{BrainID: "ops", RecurringID: def.ID})
	require.NoError(t, err)
	var kinds []task.Kind
	for _, r := range reports {
		kinds = append(kinds, r.Kind)
	}
	assert.ElementsMatch(t, []task.Kind{task.KindStandard, task.KindReport}, kinds)

	// STARTED and COMPLETED both go through the log sender.
	require.Eventually(t, func() bool { return len(a.notif.History()) == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestStatusDocument(t *testing.T) {
	a, _ := newTestApp(t, baseConfig, nil)
	startApp(t, a)

	st, ok := a.status(context.Background()).(Status)
	require.True(t, ok)
	require.Len(t, st.Brains, 1)
	assert.Equal(t, "Ops", st.Brains[0].Name)
	assert.Contains(t, st.Supervisors, "app")
	assert.Empty(t, st.FirstError)
}

func TestHotReloadAppliesBrainsAndReports(t *testing.T) {
	a, path := newTestApp(t, baseConfig, nil)
	startApp(t, a)

	next := `{
  "logging": {"level": "error"},
  "heartbeat": {"interval": "1h"},
  "brains": [{"id": "ops", "auto_mode": false}, {"id": "research", "auto_mode": true}],
  "reports": {"enabled": false}
}`
	// Give the watcher a moment to attach before the single write.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, path, next)
	require.Eventually(t, func() bool {
		_, ok := a.brains.Get("research")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	b, ok := a.brains.Get("ops")
	require.True(t, ok)
	assert.False(t, b.AutoMode())
	assert.False(t, a.Config().Reports.Enabled)
}

func TestHotReloadKeepsConfigOnInvalidFile(t *testing.T) {
	a, path := newTestApp(t, baseConfig, nil)
	startApp(t, a)

	time.Sleep(200 * time.Millisecond)
	writeConfig(t, path, `{"brains":[{"id":"a"},{"id":"a"}]}`)
	time.Sleep(600 * time.Millisecond)
	require.Len(t, a.Config().Brains, 1)
	assert.Equal(t, "ops", a.Config().Brains[0].ID)
}

func TestCloseWithoutStart(t *testing.T) {
	a, _ := newTestApp(t, baseConfig, nil)
	assert.NoError(t, a.Close())
}

func sqliteConfig(dir string) string {
	return `{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "` + filepath.Join(dir, "sched.db") + `"},
  "heartbeat": {"interval": "1h"},
  "brains": [{"id": "ops", "auto_mode": true}]
}`
}

func TestCancelledRunIsRecordedAndRecoveredOnRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brainsched.json")
	writeConfig(t, path, sqliteConfig(dir))

	entered := make(chan struct{}, 1)
	blocking := engine.RunnerFunc(func(ctx context.Context, _ *task.Task) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	a, err := New(path, WithRunner(blocking), WithCommandLogging("error"))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	ctx := context.Background()

	tk, err := a.Control().CreateTask(ctx, "test", &task.Task{BrainID: "ops", Title: "long"})
	require.NoError(t, err)

	ticked := make(chan struct{})
	go func() {
		a.driver.Tick(a.sup.Context())
		close(ticked)
	}()
	<-entered
	a.sup.Cancel()
	<-ticked

	got, err := a.Control().GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status, "outcome is written after cancellation")
	assert.Equal(t, 1, got.Attempts)

	// A row left EXECUTING, as after a crash.
	got.Status = task.StatusExecuting
	require.NoError(t, a.store.UpdateTask(ctx, got))
	require.NoError(t, a.Stop(ctx, StopCommand))

	// One-shot commands leave it alone.
	cli, err := New(path, WithCommandLogging("error"))
	require.NoError(t, err)
	got, err = cli.Control().GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, got.Status)
	require.NoError(t, cli.Close())

	var calls atomic.Int32
	run := engine.RunnerFunc(func(context.Context, *task.Task) error { calls.Add(1); return nil })
	b, err := New(path, WithRunner(run), WithCommandLogging("error"))
	require.NoError(t, err)
	startApp(t, b)

	got, err = b.Control().GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Equal(t, interruptedReason, got.Error)

	b.driver.Tick(ctx)
	got, err = b.Control().GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.EqualValues(t, 1, calls.Load())
}
