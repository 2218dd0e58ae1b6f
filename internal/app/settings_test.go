package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/config"
	"brainsched/internal/task/heartbeat"
	"brainsched/internal/task/scheduler"
)

func TestResolveDefaults(t *testing.T) {
	s, err := resolve(&config.Config{})
	require.NoError(t, err)

	assert.Equal(t, "memory", s.storage.Driver)
	assert.True(t, s.heartbeat.Enabled)
	assert.Equal(t, heartbeat.DefaultInterval, s.heartbeat.Interval)
	assert.Equal(t, scheduler.DefaultFirstRunDelay, s.scheduler.FirstRunDelay)
	assert.Equal(t, 30*time.Minute, s.executor.Timeout)
	assert.Equal(t, 200, s.executor.HistorySize)
	assert.True(t, s.notifier.Enabled)
	assert.Equal(t, 2, s.notifier.Workers)
	assert.Equal(t, 500*time.Millisecond, s.notifier.RetryBase)
	assert.Equal(t, time.Minute, s.notifier.DedupWindow)
	assert.False(t, s.telegram.enabled)
	assert.Equal(t, "log", s.telegram.route.Channel)
	assert.Nil(t, s.runner.fallback)
	assert.False(t, s.debug.Enabled)
}

func TestResolveMapsSections(t *testing.T) {
	off := false
	cfg := &config.Config{
		Storage:   &config.StorageConfig{Driver: "SQLite", Path: " ./x.db "},
		Scheduler: config.SchedulerConfig{Timezone: "UTC", HonorDayOfWeek: true, FirstRunDelay: "10m"},
		Heartbeat: config.HeartbeatConfig{Enabled: &off, Interval: "30s", ParallelBrains: true},
		Executor:  config.ExecutorConfig{Timeout: "0s"},
		Runner: config.RunnerConfig{
			Command: "claude", ModelFlag: "--model", Model: "opus",
			Fallback: &config.RunnerConfig{Command: "codex", Timeout: "5m"},
		},
		Telegram: config.TelegramConfig{Token: "t", ChatID: -100, ThreadID: 4, ParseMode: "HTML"},
		Brains:   []config.BrainConfig{{ID: " ops ", AutoMode: true, Persona: "terse"}},
		Reports:  config.ReportsConfig{Enabled: true, DefaultDelay: "15m"},
		Debug:    config.DebugConfig{Enabled: true, Pprof: true},
	}
	s, err := resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", s.storage.Driver)
	assert.Equal(t, "./x.db", s.storage.Path)
	assert.Equal(t, 5*time.Second, s.storage.BusyTimeout)
	assert.True(t, s.scheduler.HonorDayOfWeek)
	assert.Equal(t, 10*time.Minute, s.scheduler.FirstRunDelay)
	assert.False(t, s.heartbeat.Enabled)
	assert.Equal(t, 30*time.Second, s.heartbeat.Interval)
	assert.Zero(t, s.executor.Timeout, "explicit 0s disables the executor timeout")
	assert.Equal(t, "opus", s.runner.primary.Model)
	require.NotNil(t, s.runner.fallback)
	assert.Equal(t, 5*time.Minute, s.runner.fallback.Timeout)
	assert.True(t, s.telegram.enabled)
	assert.Equal(t, "telegram", s.telegram.route.Channel)
	assert.Equal(t, int64(-100), s.telegram.route.Target.ChatID)
	require.NotNil(t, s.telegram.route.Options)
	assert.Equal(t, "HTML", s.telegram.route.Options.ParseMode)
	require.Len(t, s.brains, 1)
	assert.Equal(t, "ops", s.brains[0].ID)
	assert.Equal(t, 15*time.Minute, s.reports.DefaultDelay)
	assert.True(t, s.debug.Pprof)
	assert.Equal(t, time.Minute, s.debug.WriteTimeout)
}

func TestResolveRejects(t *testing.T) {
	neg := config.DefaultNotifier()
	neg.Workers = -1
	cases := map[string]struct {
		cfg  config.Config
		want string
	}{
		"sqlite without path": {config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, "storage.path"},
		"unknown driver":      {config.Config{Storage: &config.StorageConfig{Driver: "file"}}, "storage.driver"},
		"bad timezone":        {config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Base"}}, "scheduler.timezone"},
		"short heartbeat":     {config.Config{Heartbeat: config.HeartbeatConfig{Interval: "100ms"}}, "heartbeat.interval"},
		"bad duration":        {config.Config{Executor: config.ExecutorConfig{Timeout: "forever"}}, "executor.timeout"},
		"negative history":    {config.Config{Executor: config.ExecutorConfig{HistorySize: -1}}, "executor.history_size"},
		"bad pattern":         {config.Config{Runner: config.RunnerConfig{FatalPatterns: []string{"("}}}, "runner.fatal_patterns[0]"},
		"empty fallback":      {config.Config{Runner: config.RunnerConfig{Fallback: &config.RunnerConfig{}}}, "runner.fallback.command"},
		"nested fallback": {config.Config{Runner: config.RunnerConfig{Fallback: &config.RunnerConfig{
			Command: "b", Fallback: &config.RunnerConfig{Command: "c"},
		}}}, "nested"},
		"negative workers":   {config.Config{Notifier: &neg}, "notifier"},
		"token without chat": {config.Config{Telegram: config.TelegramConfig{Token: "t"}}, "telegram.chat_id"},
		"bad parse mode":     {config.Config{Telegram: config.TelegramConfig{ParseMode: "rtf"}}, "telegram.parse_mode"},
		"brain without id":   {config.Config{Brains: []config.BrainConfig{{Name: "x"}}}, "brains[0].id"},
		"duplicate brain":    {config.Config{Brains: []config.BrainConfig{{ID: "a"}, {ID: "a"}}}, "duplicate"},
		"public debug":       {config.Config{Debug: config.DebugConfig{Enabled: true, Addr: ":6060"}}, "token"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := resolve(&tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolveJoinsErrors(t *testing.T) {
	_, err := resolve(&config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "Nowhere/Else"},
		Reports:   config.ReportsConfig{DefaultDelay: "-5m"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.timezone")
	assert.Contains(t, err.Error(), "reports.default_delay")
}

func TestExampleConfigValidates(t *testing.T) {
	cfg, err := config.NewManager("../../config.example.yaml").Parse()
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	s, err := resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.storage.Driver)
	require.NotNil(t, s.runner.fallback)
	assert.Len(t, s.runner.patterns, 2)
	assert.Len(t, s.brains, 2)
	assert.False(t, s.telegram.enabled)
}
