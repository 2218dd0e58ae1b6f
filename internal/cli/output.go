package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"brainsched/internal/storage"
	"brainsched/internal/task"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

type taskView struct {
	ID               string            `json:"id"`
	BrainID          string            `json:"brainId"`
	Status           task.Status       `json:"status"`
	Kind             task.Kind         `json:"kind"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	RecurringID      string            `json:"recurringId,omitempty"`
	Payload          map[string]any    `json:"payload,omitempty"`
	ModelOverride    string            `json:"modelOverride,omitempty"`
	Dependencies     []task.Dependency `json:"dependencies,omitempty"`
	ExecuteAt        *time.Time        `json:"executeAt,omitempty"`
	Attempts         int               `json:"attempts"`
	RetryPolicy      *task.RetryPolicy `json:"retryPolicy,omitempty"`
	Error            string            `json:"error,omitempty"`
	Output           string            `json:"output,omitempty"`
	SendNotification bool              `json:"sendNotification"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func newTaskView(t *task.Task) taskView {
	return taskView{
		ID:               t.ID,
		BrainID:          t.BrainID,
		Status:           t.Status,
		Kind:             t.Kind,
		Title:            t.Title,
		Description:      t.Description,
		RecurringID:      t.RecurringID,
		Payload:          t.Payload,
		ModelOverride:    t.ModelOverride,
		Dependencies:     t.Dependencies,
		ExecuteAt:        t.ExecuteAt,
		Attempts:         t.Attempts,
		RetryPolicy:      t.RetryPolicy,
		Error:            t.Error,
		Output:           t.Output,
		SendNotification: t.SendNotification,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

type recurringView struct {
	ID                 string       `json:"id"`
	BrainID            string       `json:"brainId"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	ModelOverride      string       `json:"modelOverride,omitempty"`
	Pattern            task.Pattern `json:"pattern"`
	CronExpression     string       `json:"cronExpression,omitempty"`
	IntervalMinutes    int          `json:"intervalMinutes,omitempty"`
	Active             bool         `json:"active"`
	LastExecutedAt     *time.Time   `json:"lastExecutedAt,omitempty"`
	NextExecutionAt    *time.Time   `json:"nextExecutionAt,omitempty"`
	SendNotification   bool         `json:"sendNotification"`
	TriggersReport     bool         `json:"triggersReport"`
	ReportDelayMinutes int          `json:"reportDelayMinutes,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

func newRecurringView(r *task.Recurring) recurringView {
	return recurringView{
		ID:                 r.ID,
		BrainID:            r.BrainID,
		Title:              r.Title,
		Description:        r.Description,
		ModelOverride:      r.ModelOverride,
		Pattern:            r.Pattern,
		CronExpression:     r.CronExpression,
		IntervalMinutes:    r.IntervalMinutes,
		Active:             r.Active,
		LastExecutedAt:     r.LastExecutedAt,
		NextExecutionAt:    r.NextExecutionAt,
		SendNotification:   r.SendNotification,
		TriggersReport:     r.TriggersReport,
		ReportDelayMinutes: r.ReportDelayMinutes,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type statusChangeView struct {
	From  task.Status `json:"from,omitempty"`
	To    task.Status `json:"to"`
	At    time.Time   `json:"at"`
	Error string      `json:"error,omitempty"`
}

type auditView struct {
	At     time.Time      `json:"at"`
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Target string         `json:"target"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	TookMS int64          `json:"tookMs"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newAuditView(e storage.AuditEntry) auditView {
	v := auditView{At: e.At, Actor: e.Actor, Action: e.Action, Target: e.Target, OK: e.OK, Error: e.Error, TookMS: e.TookMS}
	if e.MetaJSON != "" {
		_ = json.Unmarshal([]byte(e.MetaJSON), &v.Meta)
	}
	return v
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// truncate shortens s to n runes with a trailing ellipsis.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func displayTaskList(w io.Writer, tasks []*task.Task) {
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(w, "No tasks found.")
		return
	}
	_, _ = fmt.Fprintf(w, "%-36s  %-12s  %-10s  %-6s  %-16s  %s\n", "ID", "BRAIN", "STATUS", "KIND", "EXECUTE AT", "TITLE")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%-36s  %-12s  %-10s  %-6s  %-16s  %s\n",
			t.ID, truncate(t.BrainID, 12), t.Status, t.Kind, formatTime(t.ExecuteAt), truncate(t.Title, 50))
	}
}

func displayTask(w io.Writer, t *task.Task) {
	row := func(k, v string) { _, _ = fmt.Fprintf(w, "%-14s %s\n", k+":", v) }
	row("ID", t.ID)
	row("Brain", t.BrainID)
	row("Status", string(t.Status))
	row("Kind", string(t.Kind))
	row("Title", t.Title)
	if t.Description != "" {
		row("Description", t.Description)
	}
	if t.RecurringID != "" {
		row("Recurring", t.RecurringID)
	}
	if t.ModelOverride != "" {
		row("Model", t.ModelOverride)
	}
	row("Execute at", formatTime(t.ExecuteAt))
	row("Attempts", fmt.Sprint(t.Attempts))
	if t.RetryPolicy != nil {
		row("Retry", fmt.Sprintf("max %d, %s %dms", t.RetryPolicy.MaxAttempts, t.RetryPolicy.BackoffType, t.RetryPolicy.BackoffMs))
	}
	for _, d := range t.Dependencies {
		row("Depends on", fmt.Sprintf("%s (%s)", d.TaskID, d.Type))
	}
	row("Notify", fmt.Sprint(t.SendNotification))
	if t.Error != "" {
		row("Error", t.Error)
	}
	if t.Output != "" {
		row("Output", truncate(t.Output, 200))
	}
	row("Created", formatTime(&t.CreatedAt))
	row("Updated", formatTime(&t.UpdatedAt))
}

func displayRecurringList(w io.Writer, defs []*task.Recurring) {
	if len(defs) == 0 {
		_, _ = fmt.Fprintln(w, "No recurring definitions found.")
		return
	}
	_, _ = fmt.Fprintf(w, "%-36s  %-12s  %-8s  %-6s  %-16s  %s\n", "ID", "BRAIN", "PATTERN", "ACTIVE", "NEXT", "TITLE")
	for _, r := range defs {
		_, _ = fmt.Fprintf(w, "%-36s  %-12s  %-8s  %-6t  %-16s  %s\n",
			r.ID, truncate(r.BrainID, 12), r.Pattern, r.Active, formatTime(r.NextExecutionAt), truncate(r.Title, 50))
	}
}

func displayRecurring(w io.Writer, r *task.Recurring) {
	row := func(k, v string) { _, _ = fmt.Fprintf(w, "%-14s %s\n", k+":", v) }
	row("ID", r.ID)
	row("Brain", r.BrainID)
	row("Title", r.Title)
	if r.Description != "" {
		row("Description", r.Description)
	}
	row("Pattern", string(r.Pattern))
	if r.CronExpression != "" {
		row("Cron", r.CronExpression)
	}
	if r.IntervalMinutes > 0 {
		row("Interval", fmt.Sprintf("%dm", r.IntervalMinutes))
	}
	row("Active", fmt.Sprint(r.Active))
	row("Last run", formatTime(r.LastExecutedAt))
	row("Next run", formatTime(r.NextExecutionAt))
	row("Notify", fmt.Sprint(r.SendNotification))
	if r.TriggersReport {
		row("Report", fmt.Sprintf("after %dm", r.ReportDelayMinutes))
	}
}
