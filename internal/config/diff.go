package config

import (
	"hash/fnv"
	"reflect"
	"slices"
	"strings"

	logx "brainsched/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists the top-level keys that differ, sorted.
	Sections []string
	// Attrs are safe to log; secrets are reduced to "set" flags.
	Attrs []logx.Field
	// Brains lists brain ids that were added, removed or edited, sorted.
	Brains []string
}

// Has reports whether section changed.
func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// RestartRequired reports sections that cannot be applied live.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if s == "storage" || s == "runner" || s == "telegram" {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange compares two configs section by section. Nil is
// treated as the zero config.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		mark("storage",
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", nS.Path != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Bool("scheduler.honor_day_of_week", newCfg.Scheduler.HonorDayOfWeek),
			logx.String("scheduler.first_run_delay", newCfg.Scheduler.FirstRunDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Heartbeat, newCfg.Heartbeat) {
		mark("heartbeat",
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled == nil || *newCfg.Heartbeat.Enabled),
			logx.String("heartbeat.interval", newCfg.Heartbeat.Interval),
			logx.Bool("heartbeat.parallel_brains", newCfg.Heartbeat.ParallelBrains),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		mark("executor",
			logx.String("executor.timeout", newCfg.Executor.Timeout),
			logx.Int("executor.history_size", newCfg.Executor.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		mark("runner",
			logx.String("runner.command", newCfg.Runner.Command),
			logx.String("runner.model", newCfg.Runner.Model),
			logx.Bool("runner.fallback", newCfg.Runner.Fallback != nil),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN != nN {
		mark("notifier",
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
		)
	}

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if oT != nT {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
			logx.Int64("telegram.chat_id", nT.ChatID),
			logx.Int("telegram.thread_id", nT.ThreadID),
		)
	}

	c.Brains = diffBrains(oldCfg.Brains, newCfg.Brains)
	if len(c.Brains) > 0 {
		mark("brains",
			logx.Int("brains.count", len(newCfg.Brains)),
			logx.Int("brains.changed_count", len(c.Brains)),
		)
	}

	if oldCfg.Reports != newCfg.Reports {
		mark("reports",
			logx.Bool("reports.enabled", newCfg.Reports.Enabled),
			logx.String("reports.default_delay", newCfg.Reports.DefaultDelay),
		)
	}

	oD, nD := oldCfg.Debug, newCfg.Debug
	if oD != nD {
		mark("debug",
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", nD.Addr),
			logx.Bool("debug.token_set", nD.Token != ""),
			logx.Bool("debug.pprof", nD.Pprof),
		)
	}

	slices.Sort(c.Sections)
	return c
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
	}
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

func diffBrains(oldL, newL []BrainConfig) []string {
	index := func(l []BrainConfig) map[string]BrainConfig {
		m := make(map[string]BrainConfig, len(l))
		for _, b := range l {
			m[b.ID] = b
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)
	var out []string
	for id, o := range oldM {
		if n, ok := newM[id]; !ok || n != o {
			out = append(out, id)
		}
	}
	for id := range newM {
		if _, ok := oldM[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
