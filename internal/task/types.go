// Package task defines the task and recurring definition model shared by the
// scheduler, the executor and the stores.
package task

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusReady     Status = "READY"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusExecuting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus accepts any letter case.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// Kind separates follow-up report tasks from ordinary work so a report never
// spawns another report.
type Kind string

const (
	KindStandard Kind = "TASK"
	KindReport   Kind = "REPORT"
)

type DependencyType string

const (
	DependencyHard DependencyType = "HARD"
	DependencySoft DependencyType = "SOFT"
)

type Dependency struct {
	TaskID string         `json:"taskId"`
	Type   DependencyType `json:"type"`
}

type BackoffType string

const (
	BackoffFixed       BackoffType = "FIXED"
	BackoffExponential BackoffType = "EXPONENTIAL"
)

// RetryPolicy controls how a failed task is put back to READY.
type RetryPolicy struct {
	MaxAttempts int         `json:"maxAttempts"`
	BackoffType BackoffType `json:"backoffType"`
	BackoffMs   int64       `json:"backoffMs"`
}

// Delay returns the wait before the next attempt, given the attempt count
// already recorded for the failure that just happened (1 for the first one).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	base := time.Duration(p.BackoffMs) * time.Millisecond
	if base <= 0 {
		return 0
	}
	if p.BackoffType != BackoffExponential || attempts <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d <= 0 || d > 30*24*time.Hour {
			return 30 * 24 * time.Hour
		}
	}
	return d
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry policy: maxAttempts must be >= 1")
	}
	if p.BackoffMs < 0 {
		return errors.New("retry policy: backoffMs must be >= 0")
	}
	switch p.BackoffType {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("retry policy: unknown backoff type %q", p.BackoffType)
	}
	return nil
}

// Task is one concrete unit of work owned by a brain id.
type Task struct {
	ID      string
	BrainID string
	Status  Status
	Kind    Kind

	Title       string
	Description string

	// RecurringID links a task to the definition that spawned it.
	RecurringID string
	// Payload is opaque runner context.
	Payload map[string]any

	ModelOverride string
	Dependencies  []Dependency
	ExecuteAt     *time.Time
	Attempts      int
	RetryPolicy   *RetryPolicy

	Error  string
	Output string

	SendNotification bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewID returns a fresh opaque identifier.
func NewID() string { return uuid.NewString() }

// Eligible reports whether the task may be picked up at now.
func (t *Task) Eligible(now time.Time) bool {
	if t == nil || t.Status != StatusReady {
		return false
	}
	return t.ExecuteAt == nil || !t.ExecuteAt.After(now)
}

// FromRecurring reports whether the task was materialized from a definition.
func (t *Task) FromRecurring() bool { return t != nil && t.RecurringID != "" }

func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task is nil")
	}
	if strings.TrimSpace(t.BrainID) == "" {
		return errors.New("task: brainId is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("task: title is required")
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("task: unknown status %q", t.Status)
	}
	for _, d := range t.Dependencies {
		if strings.TrimSpace(d.TaskID) == "" {
			return errors.New("task: dependency taskId is required")
		}
		if d.Type != DependencyHard && d.Type != DependencySoft {
			return fmt.Errorf("task: unknown dependency type %q", d.Type)
		}
	}
	if t.RetryPolicy != nil {
		if err := t.RetryPolicy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Payload = maps.Clone(t.Payload)
	if t.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	}
	if t.ExecuteAt != nil {
		at := *t.ExecuteAt
		cp.ExecuteAt = &at
	}
	if t.RetryPolicy != nil {
		rp := *t.RetryPolicy
		cp.RetryPolicy = &rp
	}
	return &cp
}

// StatusChange is one entry of a task's status history.
type StatusChange struct {
	TaskID string
	From   Status
	To     Status
	At     time.Time
	Error  string
}
