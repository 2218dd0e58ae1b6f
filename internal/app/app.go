// Package app wires the scheduling engine together from a config file and
// runs its background loops under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brainsched/internal/brain"
	"brainsched/internal/clock"
	"brainsched/internal/config"
	"brainsched/internal/control"
	"brainsched/internal/eventbus"
	"brainsched/internal/notifier"
	"brainsched/internal/observability/debugsrv"
	"brainsched/internal/report"
	"brainsched/internal/runner"
	rtsup "brainsched/internal/runtime/supervisor"
	"brainsched/internal/storage"
	"brainsched/internal/task/engine"
	"brainsched/internal/task/heartbeat"
	"brainsched/internal/task/scheduler"
	kit "brainsched/internal/transport"
	"brainsched/internal/transport/telegram"
	logx "brainsched/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock

	sched   *scheduler.Scheduler
	brains  *brain.Registry
	exec    *engine.Executor
	driver  *heartbeat.Driver
	planner *report.Planner
	notif   *notifier.Service
	debug   *debugsrv.Server
	ctl     *control.Service

	unsubs []func()

	sup       *rtsup.Supervisor
	startedAt time.Time
}

// Option adjusts construction; tests use it to swap the clock or runner.
type Option func(*options)

type options struct {
	clock    clock.Clock
	runner   engine.Runner
	logLevel string
	stderr   bool
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithCommandLogging overrides the configured level and sends console logs
// to stderr. One-shot CLI commands use it to keep stdout for results.
func WithCommandLogging(level string) Option {
	return func(o *options) { o.logLevel, o.stderr = level, true }
}

// WithRunner replaces the configured agent command.
func WithRunner(r engine.Runner) Option { return func(o *options) { o.runner = r } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	if o.logLevel != "" {
		set.logging.Level = o.logLevel
	}
	set.logging.Stderr = o.stderr
	logs, log := logx.New(set.logging)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	store, err := storage.Open(set.storage, comp("storage"))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	base := o.runner
	if base == nil {
		if base, err = buildRunner(set.runner, comp("runner")); err != nil {
			_ = store.Close()
			_ = logs.Close()
			return nil, err
		}
	}

	var sender kit.Sender = kit.NewLogSender(comp("notify.log"))
	if set.telegram.enabled {
		tg, err := telegram.New(set.telegram.adapter, comp("telegram"))
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
			return nil, err
		}
		sender = tg
	}

	a := &App{cfgm: cfgm, log: comp("app"), logs: logs, bus: eventbus.New(), store: store, clock: o.clock}
	a.sched = scheduler.New(store, a.clock, set.scheduler, comp("scheduler"))
	a.brains = brain.NewRegistry(store, nil, a.clock, comp("brain"))
	a.brains.Apply(set.brains)
	a.exec = engine.New(store, a.bus, a.brains.Runner(base), a.clock, set.executor, comp("executor"))
	a.brains.SetExecutor(a.exec)
	a.driver = heartbeat.New(a.sched, store, a.brains, a.bus, a.clock, set.heartbeat, comp("heartbeat"))

	a.planner = report.NewPlanner(store, store, a.clock, set.reports, comp("report"))
	a.unsubs = append(a.unsubs, a.planner.Subscribe(a.bus))

	a.notif = notifier.New(set.notifier, sender, comp("notifier"), a.bus, store)
	a.unsubs = append(a.unsubs, notifier.SubscribeTaskEvents(a.bus, a.notif, set.telegram.route, comp("notifier")))

	a.ctl = control.New(control.Deps{
		Tasks:     store,
		Audit:     store,
		Scheduler: a.sched,
		Executor:  a.exec,
		Recurring: a.driver,
		Brains:    a.brains,
		Clock:     a.clock,
		Log:       comp("control"),
	})
	a.debug = debugsrv.New(set.debug, a.status, comp("debug"))
	return a, nil
}

func buildRunner(rs runnerSettings, log logx.Logger) (engine.Runner, error) {
	primary := runner.NewCommand(rs.primary, log.With(logx.String("identity", "primary")))
	if rs.fallback == nil {
		return primary, nil
	}
	fb := runner.NewCommand(*rs.fallback, log.With(logx.String("identity", "fallback")))
	return runner.NewFallback(primary, fb, rs.patterns, log)
}

func (a *App) Control() *control.Service    { return a.ctl }
func (a *App) Bus() eventbus.Bus            { return a.bus }
func (a *App) Heartbeat() *heartbeat.Driver { return a.driver }
func (a *App) Logger() logx.Logger          { return a.log }
func (a *App) Config() *config.Config       { return a.cfgm.Get() }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the heartbeat, the notifier, the debug server and the
// config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = a.clock.Now()
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	if err := a.recoverInterrupted(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}

	a.notif.Start(runCtx)
	if err := a.driver.Start(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}
	a.debug.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	last := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("brains", len(a.brains.All())),
	)
	return nil
}

// interruptedReason is recorded on tasks found EXECUTING at startup.
const interruptedReason = "interrupted: process stopped during execution"

// recoverInterrupted returns tasks a previous process left EXECUTING to
// READY so the next heartbeat runs them again. Only the daemon calls it;
// one-shot commands must not steal tasks a running daemon holds.
func (a *App) recoverInterrupted(ctx context.Context) error {
	ids, err := a.store.RecoverExecuting(ctx, interruptedReason, a.clock.Now())
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if len(ids) > 0 {
		a.log.Warn("requeued interrupted tasks", logx.Int("count", len(ids)), logx.Any("tasks", ids))
	}
	return nil
}

// StartDelivery starts only the notification pipeline. One-shot commands
// that execute tasks use it so their notifications still go out; Stop
// drains the queue.
func (a *App) StartDelivery(ctx context.Context) { a.notif.Start(ctx) }

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes a validated config into the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := resolve(next)
	if err != nil {
		// The validator already ran; this only trips on a racing edit.
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	if r := change.RestartRequired(); len(r) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(r, ",")))
	}

	if change.Has("logging") {
		a.logs.Apply(set.logging)
	}
	if change.Has("scheduler") {
		a.sched.Apply(set.scheduler)
	}
	if change.Has("brains") {
		a.brains.Apply(set.brains)
	}
	if change.Has("executor") {
		a.exec.Apply(set.executor)
	}
	if change.Has("heartbeat") {
		a.driver.Apply(set.heartbeat)
	}
	if change.Has("reports") {
		a.planner.Apply(set.reports)
	}
	if change.Has("notifier") {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(set.notifier)
		switch {
		case wasEnabled && !set.notifier.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && set.notifier.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}
	if change.Has("debug") {
		a.debug.Reconfigure(ctx, set.debug)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config applied", fields...)
}

// Status is the /status document.
type Status struct {
	StartedAt   time.Time                 `json:"started_at"`
	Uptime      string                    `json:"uptime"`
	Ticks       uint64                    `json:"heartbeat_ticks"`
	Brains      []control.BrainInfo       `json:"brains"`
	Executor    engine.Snapshot           `json:"executor"`
	Notified    int                       `json:"notifications_sent"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	FirstError  string                    `json:"first_error,omitempty"`
}

func (a *App) status(context.Context) any {
	st := Status{
		StartedAt:   a.startedAt,
		Uptime:      a.clock.Now().Sub(a.startedAt).Round(time.Second).String(),
		Ticks:       a.driver.Ticks(),
		Brains:      a.ctl.Brains(),
		Executor:    a.exec.Snapshot(),
		Notified:    len(a.notif.History()),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if a.sup != nil {
		st.Supervisors["app"] = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			st.FirstError = err.Error()
		}
	}
	if s := a.notif.Supervisor(); s != nil {
		st.Supervisors["notifier"] = s.Snapshot()
	}
	if s := a.debug.Supervisor(); s != nil {
		st.Supervisors["debug"] = s.Snapshot()
	}
	return st
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("heartbeat", 5*time.Second, func(c context.Context) error { a.driver.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("subscribers", time.Second, func(context.Context) error {
		for _, u := range a.unsubs {
			u()
		}
		a.unsubs = nil
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// Close releases resources of an app that was never started.
func (a *App) Close() error { return a.Stop(context.Background(), StopCommand) }

func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}
