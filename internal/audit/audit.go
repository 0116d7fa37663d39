// Package audit records task lifecycle events (add, remove, fire, manual run)
// in an append-only sink. Sinks must tolerate concurrent appends.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

// DefaultPath is the JSON Lines file used by the file driver when none is configured.
const DefaultPath = "./task_manager.audit.jsonl"

type Operation string

const (
	OpAdd    Operation = "add"
	OpRemove Operation = "remove"
	OpFire   Operation = "fire"
	OpRun    Operation = "run"
)

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Entry is one audit record. Keep it compact and schema-stable.
type Entry struct {
	ID        string      `json:"id"`
	TaskName  string      `json:"task_name"`
	Operation Operation   `json:"operation"`
	Detail    task.Detail `json:"detail,omitempty"`
	Status    string      `json:"status"`
	Level     Level       `json:"level"`
	At        time.Time   `json:"at"`
}

type Sink interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Reader is implemented by sinks that can replay what they recorded.
type Reader interface {
	// Recent returns up to limit entries for taskName (every task when empty), newest first.
	Recent(ctx context.Context, taskName string, limit int) ([]Entry, error)
}

// Config configures the audit sink.
//
// Driver values:
//   - "file" (default): JSON Lines, append-only
//   - "sqlite": SQLite database file
//   - "none": discard
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Open initializes the configured sink.
func Open(cfg Config, log logx.Logger) (Sink, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg)
	case "sqlite", "sqlite3":
		return openSQLite(cfg)
	case "none", "off":
		return Nop(), nil
	default:
		return nil, errors.New("unknown audit driver: " + driver)
	}
}

// Nop returns a sink that drops every entry.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Append(context.Context, Entry) error { return nil }
func (nopSink) Close() error                        { return nil }

// Recorder stamps entries and logs sink failures instead of returning them, so
// audit problems never fail the operation being audited.
type Recorder struct {
	sink Sink
	log  logx.Logger
	now  func() time.Time
}

func NewRecorder(sink Sink, log logx.Logger) *Recorder {
	if sink == nil {
		sink = Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{sink: sink, log: log, now: time.Now}
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if err := r.sink.Append(ctx, e); err != nil {
		r.log.Warn("audit append failed",
			logx.String("task", e.TaskName), logx.String("op", string(e.Operation)), logx.Err(err))
	}
}
