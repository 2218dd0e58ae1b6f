package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/clock"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	logx "brainsched/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, store storage.RecurringStore) (*Scheduler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	return New(store, clk, Config{Timezone: "UTC"}, logx.Nop()), clk
}

func TestCreateDefaultsFirstRun(t *testing.T) {
	s, _ := newTestScheduler(t, storage.NewMemory())
	ctx := context.Background()

	def, err := s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "digest", Pattern: task.PatternDaily, Active: true})
	require.NoError(t, err)
	require.NotNil(t, def.NextExecutionAt)
	assert.True(t, def.NextExecutionAt.Equal(t0.Add(DefaultFirstRunDelay)))

	explicit := t0.Add(5 * time.Minute)
	def2, err := s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "x", Pattern: task.PatternDaily, Active: true, NextExecutionAt: &explicit})
	require.NoError(t, err)
	assert.True(t, def2.NextExecutionAt.Equal(explicit))

	_, err = s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "bad", Pattern: task.PatternCustom, CronExpression: "*/5 * * * *"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	_, err = s.Create(ctx, &task.Recurring{Title: "no brain", Pattern: task.PatternDaily})
	assert.True(t, IsInvalidDefinition(err))
}

func TestDueAndMarkExecuted(t *testing.T) {
	s, clk := newTestScheduler(t, storage.NewMemory())
	ctx := context.Background()

	def, err := s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "digest", Pattern: task.PatternDaily, Active: true})
	require.NoError(t, err)

	due, err := s.DueDefinitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	clk.Advance(time.Hour)
	due, err = s.DueDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next, err := s.MarkExecuted(ctx, def.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(clk.Now().Add(24*time.Hour)))

	got, err := s.Get(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.NextExecutionAt.After(*got.LastExecutedAt))

	due, err = s.DueDefinitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestInactiveNeverDue(t *testing.T) {
	s, clk := newTestScheduler(t, storage.NewMemory())
	ctx := context.Background()
	def, err := s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "digest", Pattern: task.PatternDaily, Active: true})
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, def.ID, false))

	clk.Advance(30 * 24 * time.Hour)
	due, err := s.DueDefinitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	assert.ErrorIs(t, s.SetActive(ctx, "missing", true), storage.ErrNotFound)
}

type failingAdvance struct {
	storage.RecurringStore
}

func (failingAdvance) SetNextExecution(context.Context, string, time.Time) error {
	return errors.New("disk full")
}

func TestMarkExecutedAdvanceFailureStaysDue(t *testing.T) {
	mem := storage.NewMemory()
	s, clk := newTestScheduler(t, failingAdvance{mem})
	ctx := context.Background()

	def, err := s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "digest", Pattern: task.PatternDaily, Active: true})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	_, err = s.MarkExecuted(ctx, def.ID)
	require.Error(t, err)

	got, err := mem.GetRecurring(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(clk.Now()))

	due, err := s.DueDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestUpdateKeepsScheduleFields(t *testing.T) {
	s, _ := newTestScheduler(t, storage.NewMemory())
	ctx := context.Background()
	def, err := s.Create(ctx, &task.Recurring{BrainID: "b1", Title: "digest", Pattern: task.PatternDaily, Active: true})
	require.NoError(t, err)
	next := *def.NextExecutionAt

	def.Title = "weekly digest"
	def.Pattern = task.PatternWeekly
	def.NextExecutionAt = nil
	require.NoError(t, s.Update(ctx, def))

	got, err := s.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "weekly digest", got.Title)
	assert.Equal(t, task.PatternWeekly, got.Pattern)
	assert.True(t, got.NextExecutionAt.Equal(next))

	require.NoError(t, s.Delete(ctx, def.ID))
	_, err = s.Get(ctx, def.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyTimezone(t *testing.T) {
	s, _ := newTestScheduler(t, storage.NewMemory())
	assert.Equal(t, "UTC", s.Location().String())
	s.Apply(Config{Timezone: "Not/AZone"})
	assert.Equal(t, time.Local, s.Location())
}

func TestValidateRejectsCronThatNeverFires(t *testing.T) {
	store := storage.NewMemory()
	s := New(store, clock.NewManual(t0), Config{Timezone: "UTC", HonorDayOfWeek: true}, logx.Nop())
	ctx := context.Background()

	def := &task.Recurring{BrainID: "b1", Title: "feb 30", Pattern: task.PatternCustom, CronExpression: "0 9 30 2 *", Active: true}
	assert.ErrorIs(t, s.Validate(def), ErrInvalidDefinition)
	_, err := s.Create(ctx, def)
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	ok := &task.Recurring{BrainID: "b1", Title: "monday", Pattern: task.PatternCustom, CronExpression: "0 9 * * 1", Active: true}
	assert.NoError(t, s.Validate(ok))
}
