package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	logx "brainsched/pkg/logx"
)

func TestSummarizeNoChange(t *testing.T) {
	cfg := &Config{Brains: []BrainConfig{{ID: "a"}}}
	c := SummarizeConfigChange(cfg, cfg)
	assert.Empty(t, c.Sections)
	assert.Empty(t, c.Attrs)
}

func TestSummarizeSections(t *testing.T) {
	off := false
	oldCfg := &Config{
		Brains:   []BrainConfig{{ID: "a"}, {ID: "b"}},
		Telegram: TelegramConfig{Token: "secret-1", ChatID: 1},
	}
	newCfg := &Config{
		Heartbeat: HeartbeatConfig{Enabled: &off},
		Brains:    []BrainConfig{{ID: "a", AutoMode: true}, {ID: "c"}},
		Telegram:  TelegramConfig{Token: "secret-2", ChatID: 1},
		Storage:   &StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	c := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"brains", "heartbeat", "storage", "telegram"}, c.Sections)
	assert.Equal(t, []string{"a", "b", "c"}, c.Brains)
	assert.True(t, c.Has("heartbeat"))
	assert.False(t, c.Has("notifier"))
	assert.Equal(t, []string{"storage", "telegram"}, c.RestartRequired())

	var buf bytes.Buffer
	logx.NewJSON(&buf, "debug").Info("config changed", c.Attrs...)
	assert.Contains(t, buf.String(), `"telegram.token_set":true`)
	assert.NotContains(t, buf.String(), "secret")
}

func TestSummarizeNotifierDefaults(t *testing.T) {
	def := DefaultNotifier()
	c := SummarizeConfigChange(&Config{}, &Config{Notifier: &def})
	assert.False(t, c.Has("notifier"), "an explicit default section is not a change")

	def.Workers = 8
	c = SummarizeConfigChange(&Config{}, &Config{Notifier: &def})
	assert.True(t, c.Has("notifier"))
}

func TestSummarizeStorageNormalized(t *testing.T) {
	a := &Config{Storage: &StorageConfig{Driver: "SQLite ", Path: "x.db"}}
	b := &Config{Storage: &StorageConfig{Driver: "sqlite", Path: "x.db"}}
	assert.Empty(t, SummarizeConfigChange(a, b).Sections)
}
