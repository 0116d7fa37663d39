package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

func sampleTable(t *testing.T) Table {
	t.Helper()
	del, err := task.NewRecord(task.DeleteFiles, 1, task.Days, task.Params{
		"directory": "/tmp/x", "age_days": 30, "formats": []string{".log"},
	})
	require.NoError(t, err)
	rate, err := task.NewRecord(task.FetchRate, 1, task.Hours, nil)
	require.NoError(t, err)
	del.Name = "DeleteFiles_task_1"
	rate.Name = "FetchRate_task_1"
	return Table{del.Name: del, rate.Name: rate}
}

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "tasks.json")}, logx.Nop())
	require.NoError(t, err)
	db, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "tasks.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{"file": fs, "sqlite": db}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	for name, s := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.Empty(t, s.Load(ctx), "absent table loads empty")

			want := sampleTable(t)
			require.NoError(t, s.Save(ctx, want))
			got := s.Load(ctx)
			assert.Equal(t, want, got)

			require.NoError(t, s.Save(ctx, Table{}))
			assert.Empty(t, s.Load(ctx))
		})
	}
}

func TestFileSaveLoadIsByteIdentical(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleTable(t)))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, s.Load(ctx)))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileCorruptIsQuarantined(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := s.(*fileStore)
	fs.now = func() time.Time { return time.Unix(1700000000, 0) }

	assert.Empty(t, s.Load(context.Background()))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	b, err := os.ReadFile(path + ".corrupt-1700000000")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b))
}

func TestFileReadsLegacyLayout(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scheduled_tasks.json")
	legacy := `{
    "delete_files_task_1": {
        "interval": 1,
        "unit": "days",
        "task_type": "delete_files",
        "directory": "/tmp/x",
        "age_days": 30,
        "formats": [".log"],
        "subject": null
    },
    "get_gold_rate_task_2": {"interval": 2, "unit": "hours", "task_type": "get_gold_rate"}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))
	s, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)

	got := s.Load(context.Background())
	require.Len(t, got, 2)
	del := got["delete_files_task_1"]
	assert.Equal(t, task.DeleteFiles, del.Kind)
	assert.Equal(t, 1, del.Interval)
	assert.Equal(t, task.Days, del.Unit)
	assert.Equal(t, task.Params{"directory": "/tmp/x", "age_days": float64(30), "formats": []any{".log"}}, del.Params)
	assert.Equal(t, task.FetchRate, got["get_gold_rate_task_2"].Kind)

	require.NoError(t, s.Save(context.Background(), got))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(b), "task_type"), "saved in current layout")
}

func TestWatchSignalsOnSave(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "tasks.json")}, logx.Nop())
	require.NoError(t, err)

	ch, err := Watch(ctx, s, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleTable(t)))

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal")
	}
	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}
