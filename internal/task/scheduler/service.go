package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"brainsched/internal/clock"
	"brainsched/internal/storage"
	"brainsched/internal/task"
	logx "brainsched/pkg/logx"
)

// Scheduler manages recurring definitions on top of a RecurringStore.
type Scheduler struct {
	store storage.RecurringStore
	clock clock.Clock
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
	loc *time.Location
}

func New(store storage.RecurringStore, clk clock.Clock, cfg Config, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Scheduler{store: store, clock: clk, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps timezone and first-run settings. Safe to call while running.
func (s *Scheduler) Apply(cfg Config) {
	loc := loadLocation(cfg.Timezone, s.log)
	if cfg.FirstRunDelay <= 0 {
		cfg.FirstRunDelay = DefaultFirstRunDelay
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()

	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.HonorDayOfWeek != cfg.HonorDayOfWeek {
		s.log.Debug("scheduler settings applied",
			logx.String("tz", loc.String()),
			logx.Bool("honor_dow", cfg.HonorDayOfWeek),
			logx.Duration("first_run_delay", cfg.FirstRunDelay),
		)
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the timezone CUSTOM cron definitions are evaluated in.
func (s *Scheduler) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

func (s *Scheduler) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Options{Location: s.loc, HonorDayOfWeek: s.cfg.HonorDayOfWeek}
}

// NextExecution computes def's next execution with the scheduler's settings.
func (s *Scheduler) NextExecution(def *task.Recurring, now time.Time) (time.Time, error) {
	return ComputeNextExecution(def, now, s.options())
}

// Validate checks the operator fields and, for CUSTOM cron definitions, that
// the expression parses and fires under the current settings.
func (s *Scheduler) Validate(def *task.Recurring) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if def.Pattern == task.PatternCustom && strings.TrimSpace(def.CronExpression) != "" {
		if _, err := s.NextExecution(def, s.clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

// Create stores a new definition. Without an explicit NextExecutionAt the
// first run is placed FirstRunDelay after creation.
func (s *Scheduler) Create(ctx context.Context, def *task.Recurring) (*task.Recurring, error) {
	if err := s.Validate(def); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = def.CreatedAt
	if def.NextExecutionAt == nil {
		s.mu.RLock()
		delay := s.cfg.FirstRunDelay
		s.mu.RUnlock()
		at := def.CreatedAt.Add(delay)
		def.NextExecutionAt = &at
	}
	if err := s.store.CreateRecurring(ctx, def); err != nil {
		return nil, fmt.Errorf("create recurring: %w", err)
	}
	s.log.Info("recurring created",
		logx.String("id", def.ID),
		logx.String("brain", def.BrainID),
		logx.String("pattern", string(def.Pattern)),
		logx.Time("next", *def.NextExecutionAt),
	)
	return def, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*task.Recurring, error) {
	return s.store.GetRecurring(ctx, id)
}

// List returns definitions of brainID, or all when brainID is empty.
func (s *Scheduler) List(ctx context.Context, brainID string) ([]*task.Recurring, error) {
	return s.store.ListRecurring(ctx, brainID)
}

// Update writes operator-editable fields. Schedule fields are left alone.
func (s *Scheduler) Update(ctx context.Context, def *task.Recurring) error {
	if err := s.Validate(def); err != nil {
		return err
	}
	def.UpdatedAt = s.clock.Now()
	return s.store.UpdateRecurring(ctx, def)
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRecurring(ctx, id); err != nil {
		return err
	}
	s.log.Info("recurring deleted", logx.String("id", id))
	return nil
}

// SetActive enables or disables a definition.
func (s *Scheduler) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetActive(ctx, id, active, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("recurring toggled", logx.String("id", id), logx.Bool("active", active))
	return nil
}

// DueDefinitions returns active definitions whose NextExecutionAt has passed,
// earliest first.
func (s *Scheduler) DueDefinitions(ctx context.Context) ([]*task.Recurring, error) {
	return s.store.ListDue(ctx, s.clock.Now())
}

// MarkExecuted records that def id ran now and advances NextExecutionAt.
//
// The two writes are separate. When the second fails, LastExecutedAt is
// already persisted while NextExecutionAt still points at the past, so the
// definition stays due and will be materialized again on the next tick.
func (s *Scheduler) MarkExecuted(ctx context.Context, id string) (time.Time, error) {
	now := s.clock.Now()
	if err := s.store.SetLastExecuted(ctx, id, now); err != nil {
		return time.Time{}, fmt.Errorf("mark executed %s: %w", id, err)
	}

	def, err := s.store.GetRecurring(ctx, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("reload %s: %w", id, err)
	}
	next, err := s.NextExecution(def, now)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.SetNextExecution(ctx, id, next); err != nil {
		return time.Time{}, fmt.Errorf("advance %s: %w", id, err)
	}

	s.log.Debug("recurring advanced", logx.String("id", id), logx.Time("last", now), logx.Time("next", next))
	return next, nil
}

// IsInvalidDefinition reports whether err came from a bad definition.
func IsInvalidDefinition(err error) bool { return errors.Is(err, ErrInvalidDefinition) }
