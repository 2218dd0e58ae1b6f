// Package heartbeat drives the periodic tick: it materializes due recurring
// definitions into tasks and then gives every brain a chance to run its
// queue.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"brainsched/internal/brain"
	"brainsched/internal/clock"
	"brainsched/internal/eventbus"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	"brainsched/internal/task/scheduler"
	logx "brainsched/pkg/logx"
)

const DefaultInterval = time.Minute

type Config struct {
	Enabled  bool
	Interval time.Duration
	// ParallelBrains runs the brains of one tick concurrently. Each brain
	// still works through its own queue one task at a time.
	ParallelBrains bool
}

// Scheduler is the part of scheduler.Scheduler the driver uses.
type Scheduler interface {
	DueDefinitions(ctx context.Context) ([]*task.Recurring, error)
	MarkExecuted(ctx context.Context, id string) (time.Time, error)
	NextExecution(def *task.Recurring, now time.Time) (time.Time, error)
	Get(ctx context.Context, id string) (*task.Recurring, error)
}

// TickResult describes one tick.
type TickResult struct {
	Due           int
	Materialized  int
	AdvanceFailed int
	// Invalid counts due definitions that cannot compute a next execution.
	// They create no task.
	Invalid int
	// Overlapped is set when another materialization pass was still running.
	Overlapped bool
	Brains     map[string]brain.PassResult
}

type Driver struct {
	sched  Scheduler
	tasks  storage.TaskStore
	brains *brain.Registry
	bus    eventbus.Bus
	clock  clock.Clock
	log    logx.Logger

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	parent context.Context
	cancel context.CancelFunc

	matMu    sync.Mutex
	defMu    sync.Mutex
	defLocks map[string]*sync.Mutex

	ticks atomic.Uint64
}

func New(sched Scheduler, tasks storage.TaskStore, brains *brain.Registry, bus eventbus.Bus, clk clock.Clock, cfg Config, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Driver{
		sched:    sched,
		tasks:    tasks,
		brains:   brains,
		bus:      bus,
		clock:    clk,
		log:      log,
		cfg:      normalize(cfg),
		defLocks: map[string]*sync.Mutex{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return cfg
}

// Ticks is the number of ticks run so far.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }

// Tick runs one heartbeat step. The timer calls it; tests call it directly.
func (d *Driver) Tick(ctx context.Context) TickResult {
	d.ticks.Add(1)
	start := time.Now()

	res := d.materializeDue(ctx)
	res.Brains = d.runBrains(ctx)

	if res.Materialized > 0 || res.AdvanceFailed > 0 {
		d.log.Info("tick done",
			logx.Int("due", res.Due),
			logx.Int("materialized", res.Materialized),
			logx.Int("advance_failed", res.AdvanceFailed),
			logx.Duration("took", time.Since(start)),
		)
	}
	return res
}

func (d *Driver) materializeDue(ctx context.Context) TickResult {
	var res TickResult
	if !d.matMu.TryLock() {
		d.log.Debug("materialization still running; skipped")
		res.Overlapped = true
		return res
	}
	defer d.matMu.Unlock()

	defs, err := d.sched.DueDefinitions(ctx)
	if err != nil {
		d.log.Warn("due query failed", logx.Err(err))
		return res
	}
	res.Due = len(defs)

	for _, def := range defs {
		if ctx.Err() != nil {
			break
		}
		t, err := d.materialize(ctx, def, true)
		switch {
		case errors.Is(err, errNotDue):
			res.Due--
		case errors.Is(err, scheduler.ErrInvalidDefinition) && t == nil:
			res.Invalid++
		case t == nil:
			// Create failed; nothing was written and the definition stays due.
		case err != nil:
			res.Materialized++
			res.AdvanceFailed++
		default:
			res.Materialized++
		}
	}
	return res
}

var errNotDue = errors.New("definition no longer due")

// materialize creates a task from def and advances def. A definition that
// cannot be advanced is rejected before the task is created. A non-nil task
// with an error means the task exists but the advance write failed.
//
// With requireDue the definition is reloaded under its lock and skipped when
// a concurrent run-now already advanced it.
func (d *Driver) materialize(ctx context.Context, def *task.Recurring, requireDue bool) (*task.Task, error) {
	lock := d.defLock(def.ID)
	lock.Lock()
	defer lock.Unlock()

	if requireDue {
		cur, err := d.sched.Get(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		if !cur.Due(d.clock.Now()) {
			return nil, errNotDue
		}
		def = cur
	}

	log := d.log.With(logx.String("recurring", def.ID), logx.String("brain", def.BrainID))
	if _, err := d.sched.NextExecution(def, d.clock.Now()); err != nil {
		log.Error("invalid recurring definition; no task created", logx.Err(err))
		return nil, err
	}
	t := &task.Task{
		BrainID:          def.BrainID,
		Kind:             task.KindStandard,
		Title:            def.Title,
		Description:      def.Description,
		ModelOverride:    def.ModelOverride,
		SendNotification: def.SendNotification,
		RecurringID:      def.ID,
		CreatedAt:        d.clock.Now(),
	}
	if err := d.tasks.CreateTask(ctx, t); err != nil {
		log.Error("failed to create task from recurring definition", logx.Err(err))
		return nil, err
	}

	next, err := d.sched.MarkExecuted(ctx, def.ID)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidDefinition) {
			log.Error("invalid recurring definition", logx.String("task", t.ID), logx.Err(err))
		} else {
			log.Error("failed to advance recurring definition", logx.String("task", t.ID), logx.Err(err))
		}
		return t, err
	}
	log.Debug("recurring materialized", logx.String("task", t.ID), logx.Time("next", next))

	ev := eventbus.Event{
		Type: eventbus.RecurringMaterialized,
		Time: d.clock.Now(),
		Data: eventbus.RecurringEvent{RecurringID: def.ID, TaskID: t.ID, BrainID: def.BrainID},
	}
	if err := d.bus.Emit(ctx, ev); err != nil {
		log.Warn("event handler failed", logx.String("event", ev.Type), logx.Err(err))
	}
	return t, nil
}

func (d *Driver) defLock(id string) *sync.Mutex {
	d.defMu.Lock()
	defer d.defMu.Unlock()
	m := d.defLocks[id]
	if m == nil {
		m = &sync.Mutex{}
		d.defLocks[id] = m
	}
	return m
}

func (d *Driver) runBrains(ctx context.Context) map[string]brain.PassResult {
	out := map[string]brain.PassResult{}
	if d.brains == nil {
		return out
	}
	d.mu.Lock()
	parallel := d.cfg.ParallelBrains
	d.mu.Unlock()

	var mu sync.Mutex
	pass := func(b *brain.Brain) {
		res, err := b.OnHeartbeat(ctx, false)
		switch {
		case errors.Is(err, brain.ErrBusy):
			d.log.Debug("brain still busy; skipped", logx.String("brain", b.ID()))
			return
		case err != nil:
			d.log.Warn("brain heartbeat failed", logx.String("brain", b.ID()), logx.Err(err))
		}
		mu.Lock()
		out[b.ID()] = res
		mu.Unlock()
	}

	if !parallel {
		for _, b := range d.brains.All() {
			pass(b)
		}
		return out
	}

	var g errgroup.Group
	for _, b := range d.brains.All() {
		g.Go(func() error {
			pass(b)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// RunRecurringNow materializes definition id immediately, whether or not it
// is due or active, and advances its schedule.
func (d *Driver) RunRecurringNow(ctx context.Context, id string) (*task.Task, error) {
	def, err := d.sched.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := d.materialize(ctx, def, false)
	if t == nil {
		return nil, fmt.Errorf("materialize %s: %w", id, err)
	}
	return t, err
}

// Start runs Tick on a fixed interval until Stop or ctx is done.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parent = ctx
	if d.c != nil {
		return nil
	}
	if !d.cfg.Enabled {
		d.log.Info("heartbeat disabled")
		return nil
	}
	return d.startLocked()
}

func (d *Driver) startLocked() error {
	runCtx, cancel := context.WithCancel(d.parent)
	cl := cronLogger{log: d.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	spec := "@every " + d.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { d.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("heartbeat schedule %q: %w", spec, err)
	}
	c.Start()
	d.c, d.cancel = c, cancel
	d.log.Info("heartbeat started", logx.Duration("interval", d.cfg.Interval), logx.Bool("parallel", d.cfg.ParallelBrains))
	return nil
}

// stopLocked detaches the timer; the returned context is done once the
// running tick, if any, has returned.
func (d *Driver) stopLocked() context.Context {
	c, cancel := d.c, d.cancel
	d.c, d.cancel = nil, nil
	if c == nil {
		return nil
	}
	cancel()
	return c.Stop()
}

// Stop halts the timer and waits for a running tick, bounded by ctx.
func (d *Driver) Stop(ctx context.Context) {
	d.mu.Lock()
	done := d.stopLocked()
	d.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	d.log.Info("heartbeat stopped", logx.Uint64("ticks", d.Ticks()))
}

// Apply swaps settings. An interval change restarts the timer; toggling
// Enabled starts or stops it.
func (d *Driver) Apply(cfg Config) {
	cfg = normalize(cfg)
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cfg
	d.cfg = cfg

	running := d.c != nil
	switch {
	case running && !cfg.Enabled:
		d.stopLocked()
		d.log.Info("heartbeat disabled")
	case running && old.Interval != cfg.Interval:
		d.stopLocked()
		if err := d.startLocked(); err != nil {
			d.log.Error("heartbeat restart failed", logx.Err(err))
		}
	case !running && cfg.Enabled && d.parent != nil && d.parent.Err() == nil:
		if err := d.startLocked(); err != nil {
			d.log.Error("heartbeat start failed", logx.Err(err))
		}
	}
}
