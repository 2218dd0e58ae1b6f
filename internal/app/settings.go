package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"brainsched/internal/brain"
	"brainsched/internal/config"
	"brainsched/internal/notifier"
	"brainsched/internal/observability/debugsrv"
	"brainsched/internal/report"
	"brainsched/internal/runner"
	"brainsched/internal/storage"
	"brainsched/internal/task/engine"
	"brainsched/internal/task/heartbeat"
	"brainsched/internal/task/scheduler"
	kit "brainsched/internal/transport"
	"brainsched/internal/transport/telegram"
	logx "brainsched/pkg/logx"
)

// settings is the validated, typed form of config.Config.
type settings struct {
	logging   logx.Config
	storage   storage.Config
	scheduler scheduler.Config
	heartbeat heartbeat.Config
	executor  engine.Config
	runner    runnerSettings
	notifier  notifier.Config
	telegram  telegramSettings
	brains    []brain.Def
	reports   report.Config
	debug     debugsrv.Config
}

type runnerSettings struct {
	primary  runner.CommandConfig
	fallback *runner.CommandConfig
	patterns []string
}

type telegramSettings struct {
	enabled bool
	adapter telegram.Config
	route   notifier.TaskRoute
}

// Validate reports every problem resolve would refuse in cfg.
func Validate(cfg *config.Config) error {
	_, err := resolve(cfg)
	return err
}

// resolve maps cfg onto component configs, applying defaults. It is also
// the hot-reload validator, so every error names the offending key.
func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var (
		s    settings
		err  error
		errs []error
	)
	check := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	s.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}

	s.storage, err = mapStorageConfig(cfg.Storage)
	check(err)

	s.scheduler, err = mapSchedulerConfig(cfg.Scheduler)
	check(err)

	s.heartbeat, err = mapHeartbeatConfig(cfg.Heartbeat)
	check(err)

	s.executor, err = mapExecutorConfig(cfg.Executor)
	check(err)

	s.runner, err = mapRunnerConfig(cfg.Runner)
	check(err)

	s.notifier, err = mapNotifierConfig(cfg.Notifier)
	check(err)

	s.telegram, err = mapTelegramConfig(cfg.Telegram)
	check(err)

	s.brains, err = mapBrains(cfg.Brains)
	check(err)

	s.reports, err = mapReportsConfig(cfg.Reports)
	check(err)

	s.debug, err = mapDebugConfig(cfg.Debug)
	check(err)

	return s, errors.Join(errs...)
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
}

func mapSchedulerConfig(sc config.SchedulerConfig) (scheduler.Config, error) {
	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	delay, err := config.ParseDurationOrDefault("scheduler.first_run_delay", sc.FirstRunDelay, scheduler.DefaultFirstRunDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: tz, HonorDayOfWeek: sc.HonorDayOfWeek, FirstRunDelay: delay}, nil
}

func mapHeartbeatConfig(hc config.HeartbeatConfig) (heartbeat.Config, error) {
	interval, err := config.ParseDurationOrDefault("heartbeat.interval", hc.Interval, heartbeat.DefaultInterval)
	if err != nil {
		return heartbeat.Config{}, err
	}
	if interval < time.Second {
		return heartbeat.Config{}, fmt.Errorf("heartbeat.interval: must be >= 1s, got %s", interval)
	}
	enabled := hc.Enabled == nil || *hc.Enabled
	return heartbeat.Config{Enabled: enabled, Interval: interval, ParallelBrains: hc.ParallelBrains}, nil
}

func mapExecutorConfig(ec config.ExecutorConfig) (engine.Config, error) {
	timeout, err := config.ParseDurationAllowZero("executor.timeout", ec.Timeout, 30*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	if ec.HistorySize < 0 {
		return engine.Config{}, errors.New("executor.history_size must be >= 0")
	}
	hs := ec.HistorySize
	if hs == 0 {
		hs = 200
	}
	return engine.Config{Timeout: timeout, HistorySize: hs}, nil
}

func mapCommandConfig(key string, rc config.RunnerConfig) (runner.CommandConfig, error) {
	timeout, err := config.ParseDurationField(key+".timeout", rc.Timeout)
	if err != nil {
		return runner.CommandConfig{}, err
	}
	return runner.CommandConfig{
		Command:   strings.TrimSpace(rc.Command),
		Args:      rc.Args,
		ModelFlag: strings.TrimSpace(rc.ModelFlag),
		Model:     strings.TrimSpace(rc.Model),
		Dir:       strings.TrimSpace(rc.Dir),
		Env:       rc.Env,
		Timeout:   timeout,
	}, nil
}

func mapRunnerConfig(rc config.RunnerConfig) (runnerSettings, error) {
	var out runnerSettings
	primary, err := mapCommandConfig("runner", rc)
	if err != nil {
		return out, err
	}
	out.primary = primary
	if rc.Fallback != nil {
		if rc.Fallback.Fallback != nil {
			return out, errors.New("runner.fallback.fallback: nested fallbacks are not supported")
		}
		fb, err := mapCommandConfig("runner.fallback", *rc.Fallback)
		if err != nil {
			return out, err
		}
		if fb.Command == "" {
			return out, errors.New("runner.fallback.command is required")
		}
		out.fallback = &fb
	}
	for i, p := range rc.FatalPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return out, fmt.Errorf("runner.fatal_patterns[%d]: %w", i, err)
		}
	}
	out.patterns = rc.FatalPatterns
	return out, nil
}

func mapNotifierConfig(nc *config.NotifierConfig) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if nc != nil {
		n = *nc
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier: counts must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         max(n.Workers, 1),
		QueueSize:       orDefault(n.QueueSize, 512),
		RatePerSec:      orDefault(n.RatePerSec, 3),
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		SendTimeout:     sendTimeout,
		DedupWindow:     dedup,
		DedupMaxEntries: orDefault(n.DedupMaxEntries, 2000),
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapTelegramConfig(tc config.TelegramConfig) (telegramSettings, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, 15*time.Second)
	if err != nil {
		return telegramSettings{}, err
	}
	token := strings.TrimSpace(tc.Token)
	route := notifier.TaskRoute{Channel: "log"}
	if token != "" {
		if tc.ChatID == 0 {
			return telegramSettings{}, errors.New("telegram.chat_id is required when telegram.token is set")
		}
		route.Channel = "telegram"
	}
	route.Target = kit.ChatTarget{ChatID: tc.ChatID, ThreadID: tc.ThreadID}
	switch pm := strings.TrimSpace(tc.ParseMode); pm {
	case "":
	case "HTML", "Markdown", "MarkdownV2":
		route.Options = &kit.SendOptions{ParseMode: pm, DisablePreview: true}
	default:
		return telegramSettings{}, fmt.Errorf("telegram.parse_mode: unknown mode %q", pm)
	}
	return telegramSettings{
		enabled: token != "",
		adapter: telegram.Config{Token: token, Timeout: timeout},
		route:   route,
	}, nil
}

func mapBrains(bc []config.BrainConfig) ([]brain.Def, error) {
	seen := make(map[string]bool, len(bc))
	out := make([]brain.Def, 0, len(bc))
	for i, b := range bc {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return nil, fmt.Errorf("brains[%d].id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("brains[%d].id: duplicate %q", i, id)
		}
		seen[id] = true
		out = append(out, brain.Def{
			ID:       id,
			Name:     strings.TrimSpace(b.Name),
			AutoMode: b.AutoMode,
			Model:    strings.TrimSpace(b.Model),
			Persona:  b.Persona,
		})
	}
	return out, nil
}

func mapReportsConfig(rc config.ReportsConfig) (report.Config, error) {
	delay, err := config.ParseDurationField("reports.default_delay", rc.DefaultDelay)
	if err != nil {
		return report.Config{}, err
	}
	if rc.OutputLimit < 0 {
		return report.Config{}, errors.New("reports.output_limit must be >= 0")
	}
	return report.Config{Enabled: rc.Enabled, DefaultDelay: delay, OutputLimit: rc.OutputLimit}, nil
}

func mapDebugConfig(dc config.DebugConfig) (debugsrv.Config, error) {
	read, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return debugsrv.Config{}, err
	}
	out := debugsrv.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
	if err := debugsrv.Validate(out); err != nil {
		return debugsrv.Config{}, err
	}
	return out, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
