package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Pattern string

const (
	PatternDaily   Pattern = "DAILY"
	PatternWeekly  Pattern = "WEEKLY"
	PatternMonthly Pattern = "MONTHLY"
	PatternCustom  Pattern = "CUSTOM"
)

func ParsePattern(raw string) (Pattern, error) {
	p := Pattern(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case PatternDaily, PatternWeekly, PatternMonthly, PatternCustom:
		return p, nil
	}
	return "", fmt.Errorf("unknown pattern %q", raw)
}

// Recurring is a template that periodically materializes tasks.
//
// LastExecutedAt and NextExecutionAt are owned by the scheduler's
// MarkExecuted; operator edits leave them alone.
type Recurring struct {
	ID            string
	BrainID       string
	Title         string
	Description   string
	ModelOverride string

	Pattern         Pattern
	CronExpression  string
	IntervalMinutes int

	Active          bool
	LastExecutedAt  *time.Time
	NextExecutionAt *time.Time

	SendNotification   bool
	TriggersReport     bool
	ReportDelayMinutes int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Anchor is the reference point for fixed-period patterns.
func (r *Recurring) Anchor() time.Time {
	if r.LastExecutedAt != nil {
		return *r.LastExecutedAt
	}
	return r.CreatedAt
}

// Due reports whether the definition should be materialized at now.
func (r *Recurring) Due(now time.Time) bool {
	return r != nil && r.Active && r.NextExecutionAt != nil && !r.NextExecutionAt.After(now)
}

// ReportDelay is the wait before a follow-up report task becomes eligible.
func (r *Recurring) ReportDelay() time.Duration {
	if r.ReportDelayMinutes <= 0 {
		return 0
	}
	return time.Duration(r.ReportDelayMinutes) * time.Minute
}

// Validate checks the fields an operator must supply. It does not parse the
// cron expression; the scheduler does that.
func (r *Recurring) Validate() error {
	if r == nil {
		return errors.New("recurring definition is nil")
	}
	if strings.TrimSpace(r.BrainID) == "" {
		return errors.New("recurring: brainId is required")
	}
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("recurring: title is required")
	}
	if _, err := ParsePattern(string(r.Pattern)); err != nil {
		return fmt.Errorf("recurring: %w", err)
	}
	if r.Pattern == PatternCustom && strings.TrimSpace(r.CronExpression) == "" && r.IntervalMinutes <= 0 {
		return errors.New("recurring: CUSTOM pattern needs a cron expression or intervalMinutes")
	}
	if r.IntervalMinutes < 0 {
		return errors.New("recurring: intervalMinutes must be >= 0")
	}
	if r.ReportDelayMinutes < 0 {
		return errors.New("recurring: reportDelayMinutes must be >= 0")
	}
	return nil
}

func (r *Recurring) Clone() *Recurring {
	if r == nil {
		return nil
	}
	cp := *r
	if r.LastExecutedAt != nil {
		t := *r.LastExecutedAt
		cp.LastExecutedAt = &t
	}
	if r.NextExecutionAt != nil {
		t := *r.NextExecutionAt
		cp.NextExecutionAt = &t
	}
	return &cp
}
