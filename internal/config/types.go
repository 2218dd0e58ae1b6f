package config

// Config is the on-disk configuration, JSON or YAML. Durations are Go
// duration strings ("500ms", "10s", "1h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Executor  ExecutorConfig  `json:"executor"`
	Runner    RunnerConfig    `json:"runner"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Brains    []BrainConfig   `json:"brains"`
	Reports   ReportsConfig   `json:"reports"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the persistence driver. Omitted means memory.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/brainsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	// Timezone for CUSTOM cron definitions; empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// HonorDayOfWeek makes CUSTOM cron definitions respect their
	// day-of-month, month and day-of-week fields.
	HonorDayOfWeek bool `json:"honor_day_of_week,omitempty"`
	// FirstRunDelay places the first run of a new definition.
	FirstRunDelay string `json:"first_run_delay,omitempty"`
}

// HeartbeatConfig controls the periodic tick. Enabled is a pointer so an
// omitted key means on.
type HeartbeatConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Interval       string `json:"interval,omitempty"`
	ParallelBrains bool   `json:"parallel_brains,omitempty"`
}

type ExecutorConfig struct {
	// Timeout bounds a single runner call; "0s" disables it.
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// RunnerConfig describes the agent command that executes tasks.
type RunnerConfig struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	ModelFlag string   `json:"model_flag,omitempty"`
	Model     string   `json:"model,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	Env       []string `json:"env,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`

	// Fallback runs once when the primary output looks like a fatal
	// provider error (quota, auth, overload).
	Fallback      *RunnerConfig `json:"fallback,omitempty"`
	FatalPatterns []string      `json:"fatal_patterns,omitempty"`
}

// NotifierConfig controls the async notification pipeline. If the section
// is omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// TelegramConfig is the notification target. With an empty token
// notifications are written to the log instead.
type TelegramConfig struct {
	Token     string `json:"token"`
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type BrainConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	AutoMode bool   `json:"auto_mode"`
	Model    string `json:"model,omitempty"`
	Persona  string `json:"persona,omitempty"`
}

type ReportsConfig struct {
	Enabled      bool   `json:"enabled"`
	DefaultDelay string `json:"default_delay,omitempty"`
	OutputLimit  int    `json:"output_limit,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /status and
// optionally /debug/pprof/). A non-loopback addr needs a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// DefaultNotifier mirrors the runtime defaults used when the notifier
// section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
