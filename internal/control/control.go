// Package control is the operator surface over tasks, recurring definitions
// and brains. Every mutating call is recorded in the audit log.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"brainsched/internal/brain"
	"brainsched/internal/clock"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/scheduler"
	logx "brainsched/pkg/logx"
)

var (
	// ErrTaskBusy rejects edits of a task this process is running.
	ErrTaskBusy     = errors.New("task is executing")
	ErrUnknownBrain = errors.New("unknown brain")
)

// TaskExecutor runs one task now. Running reports an in-flight execution;
// a stored EXECUTING status alone may be left over from a crash.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, id string) error
	Running(id string) bool
}

// RecurringRunner materializes a definition immediately.
type RecurringRunner interface {
	RunRecurringNow(ctx context.Context, id string) (*task.Task, error)
}

type Deps struct {
	Tasks     storage.TaskStore
	Audit     storage.AuditLog
	Scheduler *scheduler.Scheduler
	Executor  TaskExecutor
	Recurring RecurringRunner
	Brains    *brain.Registry
	Clock     clock.Clock
	Log       logx.Logger
}

type Service struct {
	tasks  storage.TaskStore
	audit  storage.AuditLog
	sched  *scheduler.Scheduler
	exec   TaskExecutor
	rec    RecurringRunner
	brains *brain.Registry
	clock  clock.Clock
	log    logx.Logger
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	return &Service{
		tasks:  d.Tasks,
		audit:  d.Audit,
		sched:  d.Scheduler,
		exec:   d.Executor,
		rec:    d.Recurring,
		brains: d.Brains,
		clock:  d.Clock,
		log:    d.Log,
	}
}

// record writes an audit entry. Audit is best-effort: a failing audit log
// never fails the operation.
func (s *Service) record(ctx context.Context, actor, action, target string, start time.Time, err error, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = "unknown"
	}
	e := storage.AuditEntry{
		At:     s.clock.Now(),
		Actor:  actor,
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if aErr := s.audit.AppendAudit(cctx, e); aErr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aErr))
	}
}

// Audit returns the newest entries first.
func (s *Service) Audit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.ListAudit(ctx, limit)
}

// ---- tasks ----

// CreateTask stores a new READY task.
func (s *Service) CreateTask(ctx context.Context, actor string, t *task.Task) (_ *task.Task, err error) {
	if t == nil {
		return nil, errors.New("task is nil")
	}
	start := time.Now()
	defer func() { s.record(ctx, actor, "task.create", t.ID, start, err, map[string]any{"brain": t.BrainID}) }()

	t.Status = task.StatusReady
	if t.Kind == "" {
		t.Kind = task.KindStandard
	}
	t.Attempts = 0
	if err := t.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.tasks.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, f storage.Filter) ([]*task.Task, error) {
	return s.tasks.ListTasks(ctx, f)
}

func (s *Service) TaskHistory(ctx context.Context, id string) ([]task.StatusChange, error) {
	if _, err := s.tasks.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.tasks.History(ctx, id)
}

// TaskPatch lists the editable task fields; nil leaves a field unchanged.
type TaskPatch struct {
	Title            *string
	Description      *string
	Payload          map[string]any
	ModelOverride    *string
	Dependencies     []task.Dependency
	ExecuteAt        *time.Time
	ClearExecuteAt   bool
	RetryPolicy      *task.RetryPolicy
	SendNotification *bool
}

// UpdateTask applies p to a task that is not executing.
func (s *Service) UpdateTask(ctx context.Context, actor, id string, p TaskPatch) (_ *task.Task, err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "task.update", id, start, err, nil) }()

	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.exec.Running(id) {
		return nil, ErrTaskBusy
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Payload != nil {
		t.Payload = p.Payload
	}
	if p.ModelOverride != nil {
		t.ModelOverride = *p.ModelOverride
	}
	if p.Dependencies != nil {
		t.Dependencies = p.Dependencies
	}
	switch {
	case p.ClearExecuteAt:
		t.ExecuteAt = nil
	case p.ExecuteAt != nil:
		at := *p.ExecuteAt
		t.ExecuteAt = &at
	}
	if p.RetryPolicy != nil {
		rp := *p.RetryPolicy
		t.RetryPolicy = &rp
	}
	if p.SendNotification != nil {
		t.SendNotification = *p.SendNotification
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.UpdatedAt = s.clock.Now()
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// RequeueTask puts a task back to READY with a fresh attempt count. This is
// how a COMPLETED or exhausted FAILED task runs again, and how an EXECUTING
// row orphaned by a crash is released.
func (s *Service) RequeueTask(ctx context.Context, actor, id string) (_ *task.Task, err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "task.requeue", id, start, err, nil) }()

	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.exec.Running(id) {
		return nil, ErrTaskBusy
	}
	t.Status = task.StatusReady
	t.Attempts = 0
	t.Error = ""
	t.ExecuteAt = nil
	t.UpdatedAt = s.clock.Now()
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	return t, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor, id string) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "task.delete", id, start, err, nil) }()

	_, err = s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if s.exec.Running(id) {
		return ErrTaskBusy
	}
	return s.tasks.DeleteTask(ctx, id)
}

// RunTask executes a READY task now, whatever its brain's auto mode. The
// returned task reflects the state after the run.
func (s *Service) RunTask(ctx context.Context, actor, id string) (_ *task.Task, err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "task.run", id, start, err, nil) }()

	runErr := s.exec.ExecuteTask(ctx, id)
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	return t, runErr
}

// ---- recurring ----

func (s *Service) CreateRecurring(ctx context.Context, actor string, def *task.Recurring) (_ *task.Recurring, err error) {
	if def == nil {
		return nil, errors.New("definition is nil")
	}
	start := time.Now()
	defer func() {
		meta := map[string]any{"brain": def.BrainID, "pattern": string(def.Pattern)}
		s.record(ctx, actor, "recurring.create", def.ID, start, err, meta)
	}()
	return s.sched.Create(ctx, def)
}

func (s *Service) GetRecurring(ctx context.Context, id string) (*task.Recurring, error) {
	return s.sched.Get(ctx, id)
}

func (s *Service) ListRecurring(ctx context.Context, brainID string) ([]*task.Recurring, error) {
	return s.sched.List(ctx, brainID)
}

// RecurringPatch lists the operator-editable definition fields.
type RecurringPatch struct {
	Title              *string
	Description        *string
	ModelOverride      *string
	SendNotification   *bool
	TriggersReport     *bool
	ReportDelayMinutes *int
}

func (s *Service) UpdateRecurring(ctx context.Context, actor, id string, p RecurringPatch) (_ *task.Recurring, err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "recurring.update", id, start, err, nil) }()

	def, err := s.sched.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		def.Title = *p.Title
	}
	if p.Description != nil {
		def.Description = *p.Description
	}
	if p.ModelOverride != nil {
		def.ModelOverride = *p.ModelOverride
	}
	if p.SendNotification != nil {
		def.SendNotification = *p.SendNotification
	}
	if p.TriggersReport != nil {
		def.TriggersReport = *p.TriggersReport
	}
	if p.ReportDelayMinutes != nil {
		def.ReportDelayMinutes = *p.ReportDelayMinutes
	}
	if err := s.sched.Update(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Service) DeleteRecurring(ctx context.Context, actor, id string) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "recurring.delete", id, start, err, nil) }()
	return s.sched.Delete(ctx, id)
}

// ToggleRecurring flips the active flag and returns the new value.
func (s *Service) ToggleRecurring(ctx context.Context, actor, id string) (active bool, err error) {
	start := time.Now()
	defer func() {
		s.record(ctx, actor, "recurring.toggle", id, start, err, map[string]any{"active": active})
	}()

	def, err := s.sched.Get(ctx, id)
	if err != nil {
		return false, err
	}
	active = !def.Active
	if err := s.sched.SetActive(ctx, id, active); err != nil {
		return def.Active, err
	}
	return active, nil
}

// RunRecurringNow materializes a definition immediately and advances it.
func (s *Service) RunRecurringNow(ctx context.Context, actor, id string) (t *task.Task, err error) {
	start := time.Now()
	defer func() {
		var meta map[string]any
		if t != nil {
			meta = map[string]any{"task": t.ID}
		}
		s.record(ctx, actor, "recurring.run", id, start, err, meta)
	}()
	return s.rec.RunRecurringNow(ctx, id)
}

func (s *Service) DueRecurring(ctx context.Context) ([]*task.Recurring, error) {
	return s.sched.DueDefinitions(ctx)
}

// ---- brains ----

type BrainInfo struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	AutoMode bool         `json:"autoMode"`
	Status   brain.Status `json:"status"`
	Strategy string       `json:"strategy"`
	LastPass time.Time    `json:"lastPass"`
}

func (s *Service) Brains() []BrainInfo {
	all := s.brains.All()
	out := make([]BrainInfo, 0, len(all))
	for _, b := range all {
		out = append(out, BrainInfo{
			ID:       b.ID(),
			Name:     b.Name(),
			AutoMode: b.AutoMode(),
			Status:   b.Status(),
			Strategy: b.Strategy().Name(),
			LastPass: b.LastPass(),
		})
	}
	return out
}

func (s *Service) brain(id string) (*brain.Brain, error) {
	b, ok := s.brains.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBrain, id)
	}
	return b, nil
}

// SetAutoMode switches a brain's auto mode until the next config reload.
func (s *Service) SetAutoMode(ctx context.Context, actor, brainID string, on bool) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, actor, "brain.auto", brainID, start, err, map[string]any{"on": on}) }()

	b, err := s.brain(brainID)
	if err != nil {
		return err
	}
	b.SetAutoMode(on)
	return nil
}

// ForceRun runs one pass of a brain that ignores auto mode.
func (s *Service) ForceRun(ctx context.Context, actor, brainID string) (res brain.PassResult, err error) {
	start := time.Now()
	defer func() {
		s.record(ctx, actor, "brain.run", brainID, start, err, map[string]any{"executed": res.Executed, "failed": res.Failed})
	}()

	b, err := s.brain(brainID)
	if err != nil {
		return res, err
	}
	return b.ForceRun(ctx)
}
