package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

const tasksTableDDL = `
	CREATE TABLE IF NOT EXISTS tasks (
		name        TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		interval    INTEGER NOT NULL,
		unit        TEXT NOT NULL,
		params_json TEXT NOT NULL
	)
`

type sqliteStore struct {
	db   *sqlx.DB
	path string
	log  logx.Logger
}

type sqlxTask struct {
	Name       string `db:"name"`
	Kind       string `db:"kind"`
	Interval   int    `db:"interval"`
	Unit       string `db:"unit"`
	ParamsJSON string `db:"params_json"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")

	if _, err := db.Exec(tasksTableDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate tasks table: %w", err)
	}
	return &sqliteStore{db: db, path: path, log: log}, nil
}

func (s *sqliteStore) Path() string { return s.path }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) Table {
	query, args, err := sq.
		Select("name", "kind", "interval", "unit", "params_json").
		From("tasks").
		OrderBy("name").
		ToSql()
	if err != nil {
		s.log.Error("build task select failed", logx.Err(err))
		return Table{}
	}

	var rows []sqlxTask
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.log.Warn("task store unreadable; using empty table", logx.String("path", s.path), logx.Err(err))
		return Table{}
	}

	out := make(Table, len(rows))
	for _, row := range rows {
		params := task.Params{}
		if err := json.Unmarshal([]byte(row.ParamsJSON), &params); err != nil {
			s.log.Warn("task row has unreadable parameters; skipped", logx.String("task", row.Name), logx.Err(err))
			continue
		}
		out[row.Name] = task.Record{
			Name:     row.Name,
			Kind:     task.Kind(row.Kind),
			Interval: row.Interval,
			Unit:     task.Unit(row.Unit),
			Params:   params,
		}
	}
	return out
}

// Save replaces the whole table in one transaction.
func (s *sqliteStore) Save(ctx context.Context, t Table) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := sq.Delete("tasks").ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	if len(t) > 0 {
		qb := sq.Insert("tasks").Columns("name", "kind", "interval", "unit", "params_json")
		for _, name := range task.SortedNames(t) {
			r := t[name]
			params := r.Params
			if params == nil {
				params = task.Params{}
			}
			pj, mErr := json.Marshal(params)
			if mErr != nil {
				return fmt.Errorf("encode parameters of %s: %w", name, mErr)
			}
			qb = qb.Values(name, string(r.Kind), r.Interval, string(r.Unit), string(pj))
		}
		query, args, err = qb.ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert tasks: %w", err)
		}
	}
	return tx.Commit()
}
