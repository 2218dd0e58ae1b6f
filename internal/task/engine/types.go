package engine

import (
	"context"
	"sync"
	"time"

	"brainsched/internal/task"
)

// Runner performs a task. Implementations set t.Output and return nil on
// success.
type Runner interface {
	Execute(ctx context.Context, t *task.Task) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t *task.Task) error

func (f RunnerFunc) Execute(ctx context.Context, t *task.Task) error { return f(ctx, t) }

// Config controls the executor.
type Config struct {
	// Timeout bounds one runner call. 0 disables the bound.
	Timeout time.Duration

	HistorySize int
}

// RunState tracks whether something keyed by id is in flight.
// The zero value is ready to use; a nil *RunState never blocks.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

// TryAcquire marks the state busy, or reports false when it already is.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Busy reports whether the state is currently held.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// HistoryItem is one finished execution kept for diagnostics.
type HistoryItem struct {
	TaskID   string
	BrainID  string
	Title    string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
	Retry    bool
}

// Snapshot is a lightweight view for operators.
type Snapshot struct {
	InFlight  int
	Completed uint64
	Failed    uint64
	Retried   uint64
	Timeout   time.Duration
	History   []HistoryItem
}
