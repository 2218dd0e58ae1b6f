package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"brainsched/internal/clock"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	logx "brainsched/pkg/logx"
)

func genInstant(t *rapid.T, label string) time.Time {
	sec := rapid.Int64Range(
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		time.Date(2035, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	).Draw(t, label)
	return time.Unix(sec, 0).UTC()
}

// Property 1: DAILY and WEEKLY advance exactly one period from the last run.
func TestFixedPeriodsAdvanceOnePeriod(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		last := genInstant(rt, "last")
		now := last.Add(time.Duration(rapid.Int64Range(0, int64(48*time.Hour)).Draw(rt, "lag")))
		pattern := rapid.SampledFrom([]task.Pattern{task.PatternDaily, task.PatternWeekly}).Draw(rt, "pattern")

		def := &task.Recurring{Pattern: pattern, CreatedAt: last.Add(-time.Hour), LastExecutedAt: &last}
		got, err := ComputeNextExecution(def, now, Options{Location: time.UTC})
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		period := 24 * time.Hour
		if pattern == task.PatternWeekly {
			period *= 7
		}
		if got.Sub(last) != period {
			rt.Fatalf("%s: next-last = %s, want %s", pattern, got.Sub(last), period)
		}
	})
}

// Property 2: a CUSTOM cron result is within (now, now+24h] and lands on the
// expression's hour and minute.
func TestCustomCronWithinOneDay(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := genInstant(rt, "now")
		hour := rapid.IntRange(0, 23).Draw(rt, "hour")
		minute := rapid.IntRange(0, 59).Draw(rt, "minute")
		def := &task.Recurring{Pattern: task.PatternCustom, CronExpression: fmt.Sprintf("%d %d * * *", minute, hour)}

		got, err := ComputeNextExecution(def, now, Options{Location: time.UTC})
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if !got.After(now) {
			rt.Fatalf("next %s not after now %s", got, now)
		}
		if got.Sub(now) > 24*time.Hour {
			rt.Fatalf("next %s more than a day after %s", got, now)
		}
		if got.Hour() != hour || got.Minute() != minute {
			rt.Fatalf("next %s not at %02d:%02d", got, hour, minute)
		}
	})
}

// Property 3: after MarkExecuted, NextExecutionAt is strictly after
// LastExecutedAt for every pattern.
func TestMarkExecutedMovesForward(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := genInstant(rt, "now")
		clk := clock.NewManual(now)
		s := New(storage.NewMemory(), clk, Config{Timezone: "UTC"}, logx.Nop())

		def := rapid.SampledFrom([]task.Recurring{
			{Pattern: task.PatternDaily},
			{Pattern: task.PatternWeekly},
			{Pattern: task.PatternMonthly},
			{Pattern: task.PatternCustom, CronExpression: "0 9 * * *"},
			{Pattern: task.PatternCustom, CronExpression: "45 23 * * 5"},
			{Pattern: task.PatternCustom, IntervalMinutes: 15},
		}).Draw(rt, "def")
		def.BrainID = "b1"
		def.Title = "t"
		def.Active = true

		ctx := context.Background()
		created, err := s.Create(ctx, &def)
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		clk.Advance(time.Duration(rapid.Int64Range(0, int64(90*24*time.Hour)).Draw(rt, "wait")))
		if _, err := s.MarkExecuted(ctx, created.ID); err != nil {
			rt.Fatalf("mark executed: %v", err)
		}
		got, err := s.Get(ctx, created.ID)
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if got.LastExecutedAt == nil || got.NextExecutionAt == nil {
			rt.Fatalf("schedule fields not set")
		}
		if !got.NextExecutionAt.After(*got.LastExecutedAt) {
			rt.Fatalf("next %s not after last %s", got.NextExecutionAt, got.LastExecutedAt)
		}
	})
}
