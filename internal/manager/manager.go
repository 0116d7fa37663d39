// Package manager owns the task table and keeps it consistent with the live timers.
//
// All mutations of the persisted table go through one Manager and are serialized by
// its mutex. Handlers never write the table.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskmanager/internal/audit"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/task"
	"taskmanager/internal/task/dedup"
	"taskmanager/internal/task/registry"
	"taskmanager/internal/task/scheduler"
	"taskmanager/internal/task/store"
	logx "taskmanager/pkg/logx"
)

const defaultRetryMaxElapsed = 5 * time.Second

type Config struct {
	// RetryMaxElapsed bounds how long RemoveTask retries a failed save.
	RetryMaxElapsed time.Duration
	// RetryInitial is the first retry delay (default 100ms).
	RetryInitial time.Duration
}

type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Service
	Audit     *audit.Recorder
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

type Manager struct {
	mu sync.Mutex

	cfg   Config
	store store.Store
	reg   *registry.Registry
	sched *scheduler.Service
	audit *audit.Recorder
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	// live is the record each registered timer was built from.
	live map[string]task.Record
}

func New(cfg Config, d Deps) (*Manager, error) {
	if d.Store == nil || d.Registry == nil || d.Scheduler == nil {
		return nil, errors.New("manager: store, registry and scheduler are required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}
	return &Manager{
		cfg:   cfg,
		store: d.Store,
		reg:   d.Registry,
		sched: d.Scheduler,
		audit: d.Audit,
		bus:   d.Bus,
		log:   d.Log,
		now:   d.Now,
		live:  map[string]task.Record{},
	}, nil
}

// AddTask validates, deduplicates, registers and persists a new task, in that order,
// and returns its assigned name. If the save fails the timer is cancelled again.
func (m *Manager) AddTask(ctx context.Context, kind task.Kind, interval int, unit task.Unit, params task.Params) (string, error) {
	if err := m.reg.Validate(kind, params); err != nil {
		return "", err
	}
	rec, err := task.NewRecord(kind, interval, unit, params)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := m.store.Load(ctx)
	if existing, dup := dedup.Find(tbl, rec); dup {
		m.log.Info("duplicate task rejected", logx.String("kind", string(kind)), logx.String("existing", existing))
		return "", &task.DuplicateError{Existing: existing}
	}
	b, err := m.reg.Resolve(kind)
	if err != nil {
		return "", err
	}

	name := task.NameFor(kind, tbl)
	if _, stale := m.live[name]; stale {
		// removed on disk by another process since the last resync
		m.sched.Cancel(name)
		delete(m.live, name)
	}
	if _, err := m.sched.Register(name, b, rec.Params, rec.Interval, rec.Unit); err != nil {
		return "", err
	}

	next := tbl.Clone()
	next[name] = rec
	if err := m.store.Save(ctx, next); err != nil {
		m.sched.Cancel(name)
		m.log.Error("task not persisted", logx.String("task", name), logx.Err(err))
		m.audit.Record(ctx, audit.Entry{
			TaskName: name, Operation: audit.OpAdd, Status: "failure",
			Level: audit.LevelError, Detail: task.Detail{"error": err.Error()},
		})
		return "", fmt.Errorf("%w: %v", task.ErrPersistence, err)
	}
	m.live[name] = rec

	m.log.Info("task added", logx.String("task", name), logx.String("kind", string(kind)),
		logx.Int("interval", interval), logx.String("unit", string(unit)))
	m.audit.Record(ctx, audit.Entry{TaskName: name, Operation: audit.OpAdd, Status: "added", Detail: recordDetail(rec)})
	m.publish(eventbus.TaskAdded, name, kind, "")
	return name, nil
}

// RemoveTask cancels the timer, then persists the table without the record. The save
// is retried with backoff; if it keeps failing the timer is restored and
// ErrPersistence is returned, so record and timer never disagree.
func (m *Manager) RemoveTask(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := m.store.Load(ctx)
	rec, ok := tbl[name]
	if !ok {
		m.log.Warn("task not found", logx.String("task", name))
		m.audit.Record(ctx, audit.Entry{
			TaskName: name, Operation: audit.OpRemove, Status: "not_found", Level: audit.LevelWarning,
		})
		return fmt.Errorf("%w: %s", task.ErrNotFound, name)
	}

	hadTimer := m.sched.Cancel(name)
	next := tbl.Clone()
	delete(next, name)

	if err := m.saveWithRetry(ctx, next); err != nil {
		if hadTimer {
			m.restore(name, rec)
		}
		m.log.Error("task removal not persisted", logx.String("task", name), logx.Err(err))
		m.audit.Record(ctx, audit.Entry{
			TaskName: name, Operation: audit.OpRemove, Status: "failure",
			Level: audit.LevelError, Detail: task.Detail{"error": err.Error()},
		})
		return fmt.Errorf("%w: %v", task.ErrPersistence, err)
	}
	delete(m.live, name)

	m.log.Info("task removed", logx.String("task", name))
	m.audit.Record(ctx, audit.Entry{TaskName: name, Operation: audit.OpRemove, Status: "removed", Detail: recordDetail(rec)})
	m.publish(eventbus.TaskRemoved, name, rec.Kind, "")
	return nil
}

func (m *Manager) saveWithRetry(ctx context.Context, tbl store.Table) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryInitial
	bo.MaxElapsedTime = m.cfg.RetryMaxElapsed
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return m.store.Save(ctx, tbl)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		m.log.Warn("task table save failed; retrying",
			logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
	})
}

// restore re-registers a timer whose removal could not be persisted.
func (m *Manager) restore(name string, rec task.Record) {
	b, err := m.reg.Resolve(rec.Kind)
	if err == nil {
		_, err = m.sched.Register(name, b, rec.Params, rec.Interval, rec.Unit)
	}
	if err != nil {
		delete(m.live, name)
		m.log.Error("timer not restored", logx.String("task", name), logx.Err(err))
	}
}

// ListTasks returns the stored records sorted by name.
func (m *Manager) ListTasks(ctx context.Context) []task.Record {
	return m.store.Load(ctx).Records()
}

// RunTask runs a stored task once, now, on the caller's goroutine.
func (m *Manager) RunTask(ctx context.Context, name string) (task.Detail, error) {
	rec, ok := m.store.Load(ctx)[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, name)
	}
	b, err := m.reg.Resolve(rec.Kind)
	if err != nil {
		return nil, err
	}
	return m.sched.Run(ctx, name, b, rec.Params)
}

// Start reconciles the timers with the store and starts the scheduler.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.Reconcile(ctx); err != nil {
		return err
	}
	return m.sched.Start(ctx)
}

// Stop stops the scheduler, draining in-flight runs until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	return m.sched.Stop(ctx)
}

// Scheduler exposes the timer view for status output.
func (m *Manager) Scheduler() *scheduler.Service { return m.sched }

func (m *Manager) publish(typ, name string, kind task.Kind, reason string) {
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Time: m.now(),
		Data: eventbus.TaskEvent{Task: name, Kind: string(kind), Reason: reason},
	})
}

func recordDetail(r task.Record) task.Detail {
	return task.Detail{
		"kind":       string(r.Kind),
		"interval":   r.Interval,
		"unit":       string(r.Unit),
		"parameters": map[string]any(r.Params),
	}
}
