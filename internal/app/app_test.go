package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/audit"
	"taskmanager/internal/task"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
logging:
  level: warn
  console: false
store:
  path: %s
audit:
  path: %s
scheduler:
  drain_timeout: 2s
systemd:
  notify: false
  watchdog: false
%s`, filepath.Join(dir, "scheduled_tasks.json"), filepath.Join(dir, "audit.jsonl"), extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDaemonPicksUpTasksAddedElsewhere(t *testing.T) {
	cfgPath := writeConfig(t, "")
	ctx := context.Background()

	daemon, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, daemon.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, daemon.Stop(stopCtx, StopAppStop))
	}()

	cli, err := New(cfgPath)
	require.NoError(t, err)
	name, err := cli.Manager().AddTask(ctx, task.FetchRate, 1, task.Hours, nil)
	require.NoError(t, err)
	assert.Equal(t, "FetchRate_task_1", name)
	require.NoError(t, cli.Close())

	require.Eventually(t, func() bool { return daemon.sched.Has(name) }, 5*time.Second, 20*time.Millisecond)

	hist, err := daemon.History(ctx, name, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, audit.OpAdd, hist[0].Operation)
}

func TestRestartRebuildsTimers(t *testing.T) {
	cfgPath := writeConfig(t, "")
	ctx := context.Background()

	first, err := New(cfgPath)
	require.NoError(t, err)
	name, err := first.Manager().AddTask(ctx, task.OrganizeFiles, 1, task.Days, task.Params{"directory": t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	assert.True(t, second.sched.Has(name))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, second.Stop(stopCtx, StopSIGTERM))
	assert.NoError(t, second.Close(), "close after stop is a no-op")
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := New(writeConfig(t, "bogus: 1\n"))
	assert.Error(t, err)

	_, err = New(writeConfig(t, "notify:\n  telegram:\n    enabled: true\n"))
	assert.ErrorContains(t, err, "chat_id")
}

func TestHistoryNeedsReadableAudit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		`{"logging": {"console": false}, "store": {"path": %q}, "audit": {"driver": "none"}}`,
		filepath.Join(dir, "tasks.json"))), 0o644))

	a, err := New(path)
	require.NoError(t, err)
	defer a.Close()
	_, err = a.History(context.Background(), "", 5)
	assert.Error(t, err)
}

func TestStatusEndpointServesTimers(t *testing.T) {
	cfgPath := writeConfig(t, "status:\n  enabled: true\n  addr: 127.0.0.1:0\n")
	ctx := context.Background()

	a, err := New(cfgPath)
	require.NoError(t, err)
	name, err := a.Manager().AddTask(ctx, task.FetchRate, 2, task.Hours, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
		assert.Empty(t, a.StatusAddr())
	}()

	addr := a.StatusAddr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Running bool `json:"running"`
		Timers  []struct {
			Name string `json:"name"`
		} `json:"timers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Running)
	require.Len(t, got.Timers, 1)
	assert.Equal(t, name, got.Timers[0].Name)
}
