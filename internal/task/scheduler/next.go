package scheduler

import (
	"fmt"
	"strings"
	"time"

	"brainsched/internal/task"
)

// ComputeNextExecution returns when def should next be materialized.
//
//   - DAILY, WEEKLY: anchor plus 24h or 7 days
//   - MONTHLY: anchor plus one calendar month (Jan 31 becomes Mar 3 or Mar 2)
//   - CUSTOM with cron: today at the expression's hour:minute in opts.Location,
//     or tomorrow when that instant is not after now; with HonorDayOfWeek the
//     full schedule's next match, and an expression that never matches is
//     rejected
//   - CUSTOM with interval only: now plus IntervalMinutes
//
// The anchor is LastExecutedAt, falling back to CreatedAt.
func ComputeNextExecution(def *task.Recurring, now time.Time, opts Options) (time.Time, error) {
	if def == nil {
		return time.Time{}, fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	switch def.Pattern {
	case task.PatternDaily:
		return def.Anchor().Add(24 * time.Hour), nil
	case task.PatternWeekly:
		return def.Anchor().Add(7 * 24 * time.Hour), nil
	case task.PatternMonthly:
		return def.Anchor().AddDate(0, 1, 0), nil
	case task.PatternCustom:
		if strings.TrimSpace(def.CronExpression) != "" {
			spec, err := parseCustom(def.CronExpression)
			if err != nil {
				return time.Time{}, err
			}
			if opts.HonorDayOfWeek {
				next := spec.Schedule.Next(now.In(loc))
				if next.IsZero() {
					return time.Time{}, fmt.Errorf("%w: %s: cron %q never fires", ErrInvalidDefinition, def.ID, def.CronExpression)
				}
				return next, nil
			}
			return nextDailyAt(now, spec.Hour, spec.Minute, loc), nil
		}
		if def.IntervalMinutes > 0 {
			return now.Add(time.Duration(def.IntervalMinutes) * time.Minute), nil
		}
		return time.Time{}, fmt.Errorf("%w: %s: CUSTOM pattern without cron expression or interval", ErrInvalidDefinition, def.ID)
	default:
		return time.Time{}, fmt.Errorf("%w: %s: unknown pattern %q", ErrInvalidDefinition, def.ID, def.Pattern)
	}
}

// nextDailyAt returns today at hour:minute in loc, or the same time tomorrow
// when today's instant is at or before now.
func nextDailyAt(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !at.After(now) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return at
}
