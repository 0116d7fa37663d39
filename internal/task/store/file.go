package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

// fileStore keeps the table as one JSON document:
//
//	{"<name>": {"kind": ..., "interval": ..., "unit": ..., "parameters": {...}}}
//
// Writes go to a temp file in the same directory, are fsynced and renamed over the
// target, so readers see either the old or the new table.
type fileStore struct {
	path string
	log  logx.Logger
	now  func() time.Time

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := pathOr(cfg.Path, DefaultPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{path: path, log: log, now: time.Now}, nil
}

func (s *fileStore) Path() string { return s.path }
func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) Table {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Table{}
	}
	if err != nil {
		s.log.Warn("task store unreadable; using empty table", logx.String("path", s.path), logx.Err(err))
		return Table{}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Table{}
	}
	t, err := decodeTable(b)
	if err != nil {
		s.quarantine(err)
		return Table{}
	}
	return t
}

// quarantine moves a corrupt table aside so the next Save does not destroy it.
func (s *fileStore) quarantine(cause error) {
	aside := s.path + ".corrupt-" + strconv.FormatInt(s.now().Unix(), 10)
	if err := os.Rename(s.path, aside); err != nil {
		s.log.Error("task store corrupt and could not be moved aside", logx.String("path", s.path), logx.Err(cause), logx.Any("rename_err", err))
		return
	}
	s.log.Warn("task store corrupt; moved aside, starting with empty table",
		logx.String("path", s.path), logx.String("moved_to", aside), logx.Err(cause))
}

func (s *fileStore) Save(ctx context.Context, t Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeTable(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, b, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// encodeTable renders t deterministically. encoding/json sorts map keys, so
// encodeTable(decodeTable(encodeTable(t))) is byte-identical.
func encodeTable(t Table) ([]byte, error) {
	out := make(Table, len(t))
	for name, r := range t {
		if r.Params == nil {
			r.Params = task.Params{}
		}
		out[name] = r
	}
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode task table: %w", err)
	}
	return append(b, '\n'), nil
}

func decodeTable(b []byte) (Table, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(Table, len(raw))
	for name, msg := range raw {
		r, err := decodeRecord(msg)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		r.Name = name
		out[name] = r
	}
	return out, nil
}

// decodeRecord reads both the current layout and the older flat layout, where
// parameters sat next to interval/unit and the kind was a snake_case "task_type".
func decodeRecord(msg json.RawMessage) (task.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(msg, &fields); err != nil {
		return task.Record{}, err
	}
	if _, legacy := fields["task_type"]; !legacy {
		var r task.Record
		if err := json.Unmarshal(msg, &r); err != nil {
			return task.Record{}, err
		}
		if r.Params == nil {
			r.Params = task.Params{}
		}
		return r, nil
	}

	var r task.Record
	typ, _ := fields["task_type"].(string)
	if k, err := task.ParseKind(typ); err == nil {
		r.Kind = k
	} else {
		// keep it; reconciliation reports unknown kinds
		r.Kind = task.Kind(typ)
	}
	if iv, ok := fields["interval"].(float64); ok {
		r.Interval = int(iv)
	}
	unit, _ := fields["unit"].(string)
	r.Unit = task.Unit(unit)
	r.Params = task.Params{}
	for k, v := range fields {
		switch k {
		case "task_type", "interval", "unit":
			continue
		}
		if v != nil {
			r.Params[k] = v
		}
	}
	return r, nil
}
