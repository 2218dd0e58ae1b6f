package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"brainsched/internal/task"
)

// memoryStore keeps everything in maps behind one mutex. Times are truncated
// to milliseconds so it behaves like the sqlite driver.
type memoryStore struct {
	mu sync.Mutex

	seq       uint64
	tasks     map[string]*memTask
	history   map[string][]task.StatusChange
	recurring map[string]*task.Recurring
	audit     []AuditEntry
	dedup     map[string]time.Time
	closed    bool
}

type memTask struct {
	seq uint64
	t   *task.Task
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		tasks:     map[string]*memTask{},
		history:   map[string][]task.StatusChange{},
		recurring: map[string]*task.Recurring{},
		dedup:     map[string]time.Time{},
	}
}

func msTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}

func msPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := msTime(*t)
	return &v
}

func normalizeTask(t *task.Task) {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.CreatedAt = msTime(t.CreatedAt)
	t.UpdatedAt = msTime(t.UpdatedAt)
	t.ExecuteAt = msPtr(t.ExecuteAt)
	if t.Status == "" {
		t.Status = task.StatusReady
	}
	if t.Kind == "" {
		t.Kind = task.KindStandard
	}
}

func normalizeRecurring(r *task.Recurring) {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	r.CreatedAt = msTime(r.CreatedAt)
	r.UpdatedAt = msTime(r.UpdatedAt)
	r.LastExecutedAt = msPtr(r.LastExecutedAt)
	r.NextExecutionAt = msPtr(r.NextExecutionAt)
}

func (m *memoryStore) check(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

// ---- tasks ----

func (m *memoryStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	normalizeTask(t)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.tasks[t.ID]; ok {
		return ErrExists
	}
	m.seq++
	m.tasks[t.ID] = &memTask{seq: m.seq, t: t.Clone()}
	m.history[t.ID] = append(m.history[t.ID], task.StatusChange{TaskID: t.ID, To: t.Status, At: t.CreatedAt})
	return nil
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	mt, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mt.t.Clone(), nil
}

func (m *memoryStore) UpdateTask(ctx context.Context, t *task.Task) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	normalizeTask(t)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	mt, ok := m.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	prev := mt.t.Status
	cp := t.Clone()
	cp.CreatedAt = mt.t.CreatedAt
	mt.t = cp
	if prev != t.Status {
		m.history[t.ID] = append(m.history[t.ID], task.StatusChange{TaskID: t.ID, From: prev, To: t.Status, At: t.UpdatedAt, Error: t.Error})
	}
	return nil
}

func (m *memoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	delete(m.history, id)
	return nil
}

func (m *memoryStore) sortedTasks(keep func(*task.Task) bool) []*task.Task {
	rows := make([]*memTask, 0, len(m.tasks))
	for _, mt := range m.tasks {
		if keep(mt.t) {
			rows = append(rows, mt)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.t.CreatedAt.Equal(b.t.CreatedAt) {
			return a.t.CreatedAt.Before(b.t.CreatedAt)
		}
		return a.seq < b.seq
	})
	out := make([]*task.Task, 0, len(rows))
	for _, mt := range rows {
		out = append(out, mt.t.Clone())
	}
	return out
}

func (m *memoryStore) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := m.sortedTasks(f.match)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryStore) ListReady(ctx context.Context, brainID string, now time.Time) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	now = msTime(now)
	return m.sortedTasks(func(t *task.Task) bool {
		return t.BrainID == brainID && t.Eligible(now)
	}), nil
}

func (m *memoryStore) History(ctx context.Context, taskID string) ([]task.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := m.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	return append([]task.StatusChange(nil), m.history[taskID]...), nil
}

func (m *memoryStore) RecoverExecuting(ctx context.Context, reason string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	at = msTime(at)
	stuck := m.sortedTasks(func(t *task.Task) bool { return t.Status == task.StatusExecuting })
	ids := make([]string, 0, len(stuck))
	for _, t := range stuck {
		mt := m.tasks[t.ID]
		mt.t.Status = task.StatusReady
		mt.t.Error = reason
		mt.t.UpdatedAt = at
		m.history[t.ID] = append(m.history[t.ID], task.StatusChange{
			TaskID: t.ID, From: task.StatusExecuting, To: task.StatusReady, At: at, Error: reason,
		})
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ---- recurring ----

func (m *memoryStore) CreateRecurring(ctx context.Context, r *task.Recurring) error {
	if r.ID == "" {
		r.ID = task.NewID()
	}
	normalizeRecurring(r)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.recurring[r.ID]; ok {
		return ErrExists
	}
	m.recurring[r.ID] = r.Clone()
	return nil
}

func (m *memoryStore) GetRecurring(ctx context.Context, id string) (*task.Recurring, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	r, ok := m.recurring[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memoryStore) UpdateRecurring(ctx context.Context, r *task.Recurring) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	cur, ok := m.recurring[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.BrainID = r.BrainID
	cur.Title = r.Title
	cur.Description = r.Description
	cur.ModelOverride = r.ModelOverride
	cur.Pattern = r.Pattern
	cur.CronExpression = r.CronExpression
	cur.IntervalMinutes = r.IntervalMinutes
	cur.SendNotification = r.SendNotification
	cur.TriggersReport = r.TriggersReport
	cur.ReportDelayMinutes = r.ReportDelayMinutes
	cur.UpdatedAt = msTime(r.UpdatedAt)
	return nil
}

func (m *memoryStore) DeleteRecurring(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.recurring[id]; !ok {
		return ErrNotFound
	}
	delete(m.recurring, id)
	return nil
}

func (m *memoryStore) ListRecurring(ctx context.Context, brainID string) ([]*task.Recurring, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*task.Recurring, 0, len(m.recurring))
	for _, r := range m.recurring {
		if brainID == "" || r.BrainID == brainID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) ListDue(ctx context.Context, now time.Time) ([]*task.Recurring, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	now = msTime(now)
	out := make([]*task.Recurring, 0)
	for _, r := range m.recurring {
		if r.Due(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := *out[i].NextExecutionAt, *out[j].NextExecutionAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) mutateRecurring(ctx context.Context, id string, fn func(r *task.Recurring)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	r, ok := m.recurring[id]
	if !ok {
		return ErrNotFound
	}
	fn(r)
	return nil
}

func (m *memoryStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return m.mutateRecurring(ctx, id, func(r *task.Recurring) {
		r.Active = active
		r.UpdatedAt = msTime(at)
	})
}

func (m *memoryStore) SetLastExecuted(ctx context.Context, id string, at time.Time) error {
	return m.mutateRecurring(ctx, id, func(r *task.Recurring) {
		v := msTime(at)
		r.LastExecutedAt = &v
		r.UpdatedAt = v
	})
}

func (m *memoryStore) SetNextExecution(ctx context.Context, id string, at time.Time) error {
	return m.mutateRecurring(ctx, id, func(r *task.Recurring) {
		v := msTime(at)
		r.NextExecutionAt = &v
	})
}

// ---- audit + dedup ----

func (m *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = msTime(e.At)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *memoryStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0; i-- {
		out = append(out, m.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.dedup[key] = msTime(until)
	return nil
}

func (m *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return time.Time{}, false, err
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
