package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const auditTableDDL = `
	CREATE TABLE IF NOT EXISTS audit (
		id        TEXT PRIMARY KEY,
		at        TEXT NOT NULL,
		task_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		status    TEXT NOT NULL,
		level     TEXT NOT NULL,
		detail    TEXT
	);
	CREATE INDEX IF NOT EXISTS audit_task_at ON audit(task_name, at);
`

// fixed-width so that lexical order on the column is chronological
const atLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteSink struct {
	db *sqlx.DB
}

type sqlxEntry struct {
	ID        string         `db:"id"`
	At        string         `db:"at"`
	TaskName  string         `db:"task_name"`
	Operation string         `db:"operation"`
	Status    string         `db:"status"`
	Level     string         `db:"level"`
	Detail    sql.NullString `db:"detail"`
}

func openSQLite(cfg Config) (Sink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("audit.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec(auditTableDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &sqliteSink{db: db}, nil
}

func (s *sqliteSink) Append(ctx context.Context, e Entry) error {
	var detail any
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode detail: %w", err)
		}
		detail = string(b)
	}
	query, args, err := sq.
		Insert("audit").
		Columns("id", "at", "task_name", "operation", "status", "level", "detail").
		Values(e.ID, e.At.UTC().Format(atLayout), e.TaskName, string(e.Operation), e.Status, string(e.Level), detail).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Recent returns the newest entries for taskName (all tasks when empty), newest first.
func (s *sqliteSink) Recent(ctx context.Context, taskName string, limit int) ([]Entry, error) {
	qb := sq.
		Select("id", "at", "task_name", "operation", "status", "level", "detail").
		From("audit").
		OrderBy("at DESC", "rowid DESC")
	if taskName != "" {
		qb = qb.Where(sq.Eq{"task_name": taskName})
	}
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxEntry
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		at, _ := time.Parse(time.RFC3339Nano, r.At)
		e := Entry{
			ID: r.ID, At: at, TaskName: r.TaskName, Operation: Operation(r.Operation),
			Status: r.Status, Level: Level(r.Level),
		}
		if r.Detail.Valid {
			_ = json.Unmarshal([]byte(r.Detail.String), &e.Detail)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *sqliteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
