package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/task"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func newConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{"logging": {"console": false}, "store": {"path": %q}, "audit": {"path": %q}}`,
		filepath.Join(dir, "scheduled_tasks.json"), filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(cfg string, args ...string) result {
	var out, errb bytes.Buffer
	code := Execute(context.Background(), append([]string{"--config", cfg}, args...), &out, &errb)
	return result{code: code, stdout: out.String(), stderr: errb.String()}
}

func TestAddListRemove(t *testing.T) {
	t.Parallel()
	cfg := newConfig(t)

	r := run(cfg, "list")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "No tasks scheduled.")

	r = run(cfg, "add", "--kind", "FetchRate", "--interval", "1", "--unit", "hours")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "FetchRate_task_1\n", r.stdout)

	r = run(cfg, "list")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "FetchRate_task_1")
	assert.Contains(t, r.stdout, "1 hours")

	r = run(cfg, "remove", "--name", "FetchRate_task_1")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "removed FetchRate_task_1")

	r = run(cfg, "history", "--name", "FetchRate_task_1")
	require.Equal(t, 0, r.code, r.stderr)
	lines := strings.Split(strings.TrimSpace(r.stdout), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "remove")
	assert.Contains(t, lines[2], "add")
}

func TestAddDuplicateFails(t *testing.T) {
	t.Parallel()
	cfg := newConfig(t)
	args := []string{"add", "--kind", "delete_files", "--interval", "1", "--unit", "days",
		"--param", "directory=/tmp/x", "--param", "age_days=30", "--param", `formats=[".log"]`}

	r := run(cfg, args...)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "DeleteFiles_task_1\n", r.stdout)

	r = run(cfg, args...)
	assert.Equal(t, 1, r.code)
	assert.Equal(t, "error: task already exists as DeleteFiles_task_1\n", r.stderr)
}

func TestCallerErrors(t *testing.T) {
	t.Parallel()
	cfg := newConfig(t)

	r := run(cfg, "add", "--kind", "DeleteFiles", "--interval", "1", "--unit", "days", "--param", "directory=/tmp")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "missing parameter")

	r = run(cfg, "add", "--kind", "Teleport", "--interval", "1", "--unit", "days")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "unknown task kind")

	r = run(cfg, "add", "--kind", "FetchRate", "--interval", "1", "--unit", "fortnights")
	assert.Equal(t, 1, r.code)

	r = run(cfg, "remove", "--name", "Nope_task_1")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "not found")
	assert.Equal(t, 1, strings.Count(r.stderr, "\n"), "one-line diagnosis")
}

func TestKinds(t *testing.T) {
	t.Parallel()
	r := run(newConfig(t), "kinds")
	assert.Equal(t, 0, r.code)
	for _, k := range task.Kinds() {
		assert.Contains(t, r.stdout, string(k))
	}
	assert.Contains(t, r.stdout, "age_days, directory, formats")
}

func TestParseParams(t *testing.T) {
	t.Parallel()
	p, err := parseParams([]string{"directory=/tmp/a", "age_days=30", `formats=[".log",".tmp"]`, "tag=a", "tag=b", "tag=c", "note=hello world"}, `{"subject": "hi"}`)
	require.NoError(t, err)
	assert.Equal(t, task.Params{
		"directory": "/tmp/a",
		"age_days":  float64(30),
		"formats":   []any{".log", ".tmp"},
		"tag":       []any{"a", "b", "c"},
		"note":      "hello world",
		"subject":   "hi",
	}, p)

	_, err = parseParams([]string{"novalue"}, "")
	assert.ErrorIs(t, err, task.ErrValidation)
	_, err = parseParams(nil, "[1]")
	assert.ErrorIs(t, err, task.ErrValidation)
}
