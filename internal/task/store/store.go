// Package store persists the task table.
//
// The table is the single source of truth for which tasks exist. Drivers must make
// Save atomic with respect to a concurrent Load, and Load must never fail: an absent
// or unreadable table yields an empty one, since an empty schedule is a safe default.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

// DefaultPath is the table location used when none is configured.
const DefaultPath = "./scheduled_tasks.json"

// Table maps task name to record.
type Table map[string]task.Record

// Clone returns a copy safe to mutate. Params maps are shared; records are immutable.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Records returns the records sorted by name with Name populated.
func (t Table) Records() []task.Record {
	out := make([]task.Record, 0, len(t))
	for _, name := range task.SortedNames(t) {
		r := t[name]
		r.Name = name
		out = append(out, r)
	}
	return out
}

type Store interface {
	Load(ctx context.Context) Table
	Save(ctx context.Context, t Table) error
	// Path names the backing resource, for logs and watchers.
	Path() string
	Close() error
}

// Config configures the task table.
//
// Driver values:
//   - "file" (default): indented JSON document
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown task store driver: " + driver)
	}
}

func pathOr(p, def string) string {
	if p = strings.TrimSpace(p); p == "" {
		return def
	}
	return p
}
