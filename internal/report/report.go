// Package report plans follow-up report tasks. When a task spawned by a
// definition with TriggersReport completes, a REPORT task for the same brain
// is created to run after the definition's report delay.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"brainsched/internal/clock"
	"brainsched/internal/eventbus"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	logx "brainsched/pkg/logx"
)

type Config struct {
	Enabled bool
	// DefaultDelay applies when a definition sets no report delay.
	DefaultDelay time.Duration
	// OutputLimit caps the source output copied into the report payload.
	OutputLimit int
}

type Planner struct {
	tasks storage.TaskStore
	defs  storage.RecurringStore
	clock clock.Clock
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewPlanner(tasks storage.TaskStore, defs storage.RecurringStore, clk clock.Clock, cfg Config, log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Planner{tasks: tasks, defs: defs, clock: clk, log: log, cfg: normalize(cfg)}
}

func normalize(cfg Config) Config {
	cfg.DefaultDelay = max(cfg.DefaultDelay, 0)
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 4000
	}
	return cfg
}

func (p *Planner) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = normalize(cfg)
	p.mu.Unlock()
}

func (p *Planner) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Subscribe registers the planner for completion events.
func (p *Planner) Subscribe(bus eventbus.Bus) (unsubscribe func()) {
	id := bus.On(eventbus.TaskExecutionCompleted, func(ctx context.Context, e eventbus.Event) error {
		te, ok := e.Data.(eventbus.TaskEvent)
		if !ok {
			return nil
		}
		_, err := p.Plan(ctx, te)
		return err
	})
	return func() { bus.Off(id) }
}

// Plan creates the report task for a completed task, if one is due. It
// returns nil without error when no report applies.
func (p *Planner) Plan(ctx context.Context, te eventbus.TaskEvent) (*task.Task, error) {
	cfg := p.config()
	if !cfg.Enabled || te.RecurringID == "" || te.Kind == string(task.KindReport) {
		return nil, nil
	}
	def, err := p.defs.GetRecurring(ctx, te.RecurringID)
	if errors.Is(err, storage.ErrNotFound) {
		// Definition deleted after the task was created.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", te.RecurringID, err)
	}
	if !def.TriggersReport {
		return nil, nil
	}

	delay := def.ReportDelay()
	if def.ReportDelayMinutes == 0 {
		delay = cfg.DefaultDelay
	}
	now := p.clock.Now()
	at := now.Add(delay)

	output := te.Output
	if r := []rune(output); len(r) > cfg.OutputLimit {
		output = string(r[:cfg.OutputLimit])
	}
	rt := &task.Task{
		BrainID:          te.BrainID,
		Kind:             task.KindReport,
		Title:            "Report: " + def.Title,
		Description:      fmt.Sprintf("Write a short report on the outcome of %q.", def.Title),
		RecurringID:      def.ID,
		ModelOverride:    def.ModelOverride,
		ExecuteAt:        &at,
		SendNotification: def.SendNotification,
		Payload: map[string]any{
			"sourceTaskId": te.TaskID,
			"sourceOutput": output,
		},
		CreatedAt: now,
	}
	if err := p.tasks.CreateTask(ctx, rt); err != nil {
		return nil, fmt.Errorf("create report task: %w", err)
	}
	p.log.Info("report task planned",
		logx.String("task", rt.ID),
		logx.String("source", te.TaskID),
		logx.String("brain", te.BrainID),
		logx.Time("execute_at", at),
	)
	return rt, nil
}
