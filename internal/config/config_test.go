package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.StoreWatch())

	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d.DrainTimeout)
	assert.Equal(t, 5*time.Second, d.StoreRetryElapsed)
	assert.Zero(t, d.DefaultTimeout)
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(`
logging:
  level: debug
  console: false
store:
  driver: sqlite
  path: ./data/tasks.db
  watch: false
scheduler:
  default_timeout: 2m
  drain_timeout: 0s
notify:
  telegram:
    enabled: true
    chat_id: -100123
`), 0o644))
	cfg, err := NewManager(yml).Parse()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Console)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.False(t, cfg.StoreWatch())
	assert.Equal(t, int64(-100123), cfg.Notify.Telegram.ChatID)
	assert.Equal(t, "file", cfg.Audit.Driver, "unset sections keep defaults")
	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d.DefaultTimeout)
	assert.Zero(t, d.DrainTimeout, "explicit 0s is kept")

	js := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(js, []byte(`{"logging": {"level": "warn"}}`), 0o644))
	cfg, err = NewManager(js).Parse()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"logging": {"levle": "debug"}}`,
		"trailing.json": `{} {}`,
		"duration.yaml": "scheduler:\n  default_timeout: soon\n",
		"driver.yaml":   "store:\n  driver: mongo\n",
		"telegram.yaml": "notify:\n  telegram:\n    enabled: true\n",
		"status.yaml":   "status:\n  enabled: true\n  addr: nocolon\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		_, err := NewManager(p).Parse()
		assert.Error(t, err, name)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: info\n"), 0o644))
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// the watcher may not be armed yet; keep rewriting until it notices
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: debug\n"), 0o644))
		select {
		case cfg := <-ch:
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "debug", m.Get().Logging.Level)
			cancel()
			assert.NoError(t, <-done)
			return
		case <-time.After(400 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, NeedsRestart(changed))

	b.Store.Path = "/var/lib/tasks.json"
	changed, _ = SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "store"}, changed)
	assert.True(t, NeedsRestart(changed))

	b.Status.Enabled = true
	changed, _ = SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "store", "status"}, changed)
}
