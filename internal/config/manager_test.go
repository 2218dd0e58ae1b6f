package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/brainsched.db
scheduler:
  timezone: Asia/Jakarta
  first_run_delay: 30m
heartbeat:
  interval: 1m
runner:
  command: claude
  args: ["-p"]
  fallback:
    command: codex
brains:
  - id: ops
    auto_mode: true
reports:
  enabled: true
  default_delay: 5m
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "brainsched.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
	assert.Nil(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, []string{"-p"}, cfg.Runner.Args)
	require.NotNil(t, cfg.Runner.Fallback)
	assert.Equal(t, "codex", cfg.Runner.Fallback.Command)
	require.Len(t, cfg.Brains, 1)
	assert.True(t, cfg.Brains[0].AutoMode)
	assert.Nil(t, cfg.Notifier)
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("cfg.json", []byte(`{"heartbeat":{"enabled":false,"interval":"30s"},"brains":[{"id":"a","auto_mode":false}]}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Heartbeat.Enabled)
	assert.False(t, *cfg.Heartbeat.Enabled)
	assert.Equal(t, "30s", cfg.Heartbeat.Interval)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		name string
		body string
	}{
		"unknown top-level json":   {"c.json", `{"plugins":{}}`},
		"unknown nested yaml":      {"c.yaml", "runner:\n  cmd: claude\n"},
		"trailing json":            {"c.json", `{} {}`},
		"malformed yaml":           {"c.yml", "brains: [\n"},
		"wrong type":               {"c.json", `{"brains":{"id":"x"}}`},
		"unknown field in a brain": {"c.yaml", "brains:\n  - id: a\n    colour: red\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.name, []byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	for _, name := range []string{"out.yaml", "out.json"} {
		b, err := Encode(name, cfg)
		require.NoError(t, err)
		back, err := Decode(name, b)
		require.NoError(t, err, name)
		assert.Equal(t, cfg, back, name)
	}
}

func TestDurations(t *testing.T) {
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("heartbeat.interval", "soon")
	assert.ErrorContains(t, err, "heartbeat.interval")
	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationAllowZero("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = ParseDurationAllowZero("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{Reports: ReportsConfig{Enabled: true}}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	m.publish(a) // no panic after unsubscribe
}

func TestWatchReloadsValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "brainsched.json", `{"reports":{"enabled":false}}`)
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Executor.HistorySize < 0 {
			return errors.New("history_size must be >= 0")
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher may need a moment to attach; keep rewriting until seen.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "brainsched.json", `{"reports":{"enabled":true}}`)
		select {
		case cfg := <-ch:
			return cfg.Reports.Enabled
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, m.Get().Reports.Enabled)

	writeFile(t, dir, "brainsched.json", `{"executor":{"history_size":-1}}`)
	writeFile(t, dir, "brainsched.json", `{"plugins":{}}`)
	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.Get().Reports.Enabled, "rejected configs are never committed")
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg)
	default:
	}
}
