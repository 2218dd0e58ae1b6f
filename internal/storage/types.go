package storage

import (
	"context"
	"errors"
	"time"

	"brainsched/internal/task"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Filter narrows ListTasks. Zero fields match everything.
type Filter struct {
	BrainID     string
	Status      task.Status
	RecurringID string
	Limit       int
}

func (f Filter) match(t *task.Task) bool {
	if f.BrainID != "" && t.BrainID != f.BrainID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.RecurringID != "" && t.RecurringID != f.RecurringID {
		return false
	}
	return true
}

// TaskStore persists task instances. Listings are in creation order.
type TaskStore interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	// UpdateTask replaces the stored row and appends a status history entry
	// when the status changed.
	UpdateTask(ctx context.Context, t *task.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f Filter) ([]*task.Task, error)
	// ListReady returns READY tasks of a brain whose ExecuteAt is unset or <= now.
	ListReady(ctx context.Context, brainID string, now time.Time) ([]*task.Task, error)
	History(ctx context.Context, taskID string) ([]task.StatusChange, error)
	// RecoverExecuting puts every EXECUTING task back to READY with reason
	// recorded as its error. It returns the recovered ids.
	RecoverExecuting(ctx context.Context, reason string, at time.Time) ([]string, error)
}

// RecurringStore persists recurring definitions.
//
// UpdateRecurring writes operator-editable fields only; the schedule fields
// change through SetActive, SetLastExecuted and SetNextExecution, each a
// single-row write.
type RecurringStore interface {
	CreateRecurring(ctx context.Context, r *task.Recurring) error
	GetRecurring(ctx context.Context, id string) (*task.Recurring, error)
	UpdateRecurring(ctx context.Context, r *task.Recurring) error
	DeleteRecurring(ctx context.Context, id string) error
	ListRecurring(ctx context.Context, brainID string) ([]*task.Recurring, error)
	// ListDue returns active definitions with NextExecutionAt <= now, ascending.
	ListDue(ctx context.Context, now time.Time) ([]*task.Recurring, error)
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	SetLastExecuted(ctx context.Context, id string, at time.Time) error
	SetNextExecution(ctx context.Context, id string, at time.Time) error
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// DedupStore keeps notifier suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	TaskStore
	RecurringStore
	AuditLog
	DedupStore
	Close() error
}
