package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/task"
)

func TestComputeNextFixedPatterns(t *testing.T) {
	t.Parallel()
	created := time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC)
	last := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)
	now := last.Add(time.Minute)

	tests := []struct {
		name    string
		pattern task.Pattern
		last    *time.Time
		want    time.Time
	}{
		{name: "daily from created", pattern: task.PatternDaily, want: created.Add(24 * time.Hour)},
		{name: "daily from last", pattern: task.PatternDaily, last: &last, want: last.Add(24 * time.Hour)},
		{name: "weekly from last", pattern: task.PatternWeekly, last: &last, want: last.Add(7 * 24 * time.Hour)},
		{name: "monthly overflow", pattern: task.PatternMonthly, want: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)},
		{name: "monthly from last", pattern: task.PatternMonthly, last: &last, want: time.Date(2025, 4, 10, 9, 15, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &task.Recurring{ID: "r", Pattern: tt.pattern, CreatedAt: created, LastExecutedAt: tt.last}
			got, err := ComputeNextExecution(def, now, Options{Location: time.UTC})
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestComputeNextCustomCron(t *testing.T) {
	t.Parallel()
	day := func(d, h, m int) time.Time { return time.Date(2025, 3, d, h, m, 0, 0, time.UTC) }
	def := &task.Recurring{ID: "r", Pattern: task.PatternCustom, CronExpression: "0 9 * * *"}
	opts := Options{Location: time.UTC}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "before", now: day(10, 8, 0), want: day(10, 9, 0)},
		{name: "exactly at counts as past", now: day(10, 9, 0), want: day(11, 9, 0)},
		{name: "after", now: day(10, 10, 30), want: day(11, 9, 0)},
		{name: "month end", now: day(31, 23, 0), want: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeNextExecution(def, tt.now, opts)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestComputeNextCustomUsesLocation(t *testing.T) {
	t.Parallel()
	jkt := time.FixedZone("WIB", 7*3600)
	def := &task.Recurring{Pattern: task.PatternCustom, CronExpression: "30 6 * * *"}
	// 2025-03-10 00:00 UTC is 07:00 in UTC+7, so 06:30 local already passed.
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	got, err := ComputeNextExecution(def, now, Options{Location: jkt})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 11, 6, 30, 0, 0, jkt)), "got %s", got)
}

func TestComputeNextDayOfWeek(t *testing.T) {
	t.Parallel()
	def := &task.Recurring{Pattern: task.PatternCustom, CronExpression: "30 9 * * 1"}
	tuesday := time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)

	got, err := ComputeNextExecution(def, tuesday, Options{Location: time.UTC})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 12, 9, 30, 0, 0, time.UTC)), "dow ignored by default, got %s", got)

	got, err = ComputeNextExecution(def, tuesday, Options{Location: time.UTC, HonorDayOfWeek: true})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 17, 9, 30, 0, 0, time.UTC)), "next monday, got %s", got)
}

func TestComputeNextRejectsCronThatNeverFires(t *testing.T) {
	t.Parallel()
	def := &task.Recurring{ID: "feb30", Pattern: task.PatternCustom, CronExpression: "0 9 30 2 *"}
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	got, err := ComputeNextExecution(def, now, Options{Location: time.UTC})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)), "daily when dow is ignored, got %s", got)

	got, err = ComputeNextExecution(def, now, Options{Location: time.UTC, HonorDayOfWeek: true})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.True(t, got.IsZero())
}

func TestComputeNextInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	def := &task.Recurring{Pattern: task.PatternCustom, IntervalMinutes: 90}
	got, err := ComputeNextExecution(def, now, Options{})
	require.NoError(t, err)
	assert.True(t, got.Equal(now.Add(90*time.Minute)))
}

func TestComputeNextInvalid(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	bad := []*task.Recurring{
		{Pattern: task.PatternCustom},
		{Pattern: task.PatternCustom, CronExpression: "*/5 * * * *"},
		{Pattern: task.PatternCustom, CronExpression: "0 9-17 * * *"},
		{Pattern: task.PatternCustom, CronExpression: "0 0 9 * * *"},
		{Pattern: task.PatternCustom, CronExpression: "61 9 * * *"},
		{Pattern: task.PatternCustom, CronExpression: "not a cron"},
		{Pattern: "HOURLY"},
		nil,
	}
	for i, def := range bad {
		_, err := ComputeNextExecution(def, now, Options{Location: time.UTC})
		assert.ErrorIs(t, err, ErrInvalidDefinition, "case %d", i)
	}
}

func TestParseCustomPrefix(t *testing.T) {
	t.Parallel()
	spec, err := parseCustom("cron: 15 7 * * 1-5")
	require.NoError(t, err)
	assert.Equal(t, 7, spec.Hour)
	assert.Equal(t, 15, spec.Minute)
	assert.Equal(t, "15 7 * * 1-5", spec.Expr)
}
