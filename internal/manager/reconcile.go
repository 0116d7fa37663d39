package manager

import (
	"context"
	"sort"

	"taskmanager/internal/task"
	"taskmanager/internal/task/dedup"
	logx "taskmanager/pkg/logx"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Registered []string
	Replaced   []string
	Cancelled  []string
	Skipped    []string
}

func (r Report) Changed() bool {
	return len(r.Registered)+len(r.Replaced)+len(r.Cancelled) > 0
}

// Reconcile makes the live timers match the stored table: it registers new records,
// re-registers records whose definition changed and cancels timers whose record is
// gone. Records that cannot be scheduled (unknown kind, bad interval) are skipped with
// an error log and left in the store untouched.
//
// It runs at startup and again whenever the table changes on disk.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var rep Report
	tbl := m.store.Load(ctx)
	for _, name := range task.SortedNames(tbl) {
		rec := tbl[name]
		prev, known := m.live[name]
		if known && dedup.Equal(prev, rec) && m.sched.Has(name) {
			continue
		}
		b, err := m.reg.Resolve(rec.Kind)
		if err != nil {
			m.log.Error("task skipped: unknown kind", logx.String("task", name), logx.String("kind", string(rec.Kind)), logx.Err(err))
			rep.Skipped = append(rep.Skipped, name)
			if known {
				m.sched.Cancel(name)
				delete(m.live, name)
			}
			continue
		}
		if known {
			m.sched.Cancel(name)
			delete(m.live, name)
		}
		if _, err := m.sched.Register(name, b, rec.Params, rec.Interval, rec.Unit); err != nil {
			m.log.Error("task skipped", logx.String("task", name), logx.Err(err))
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		m.live[name] = rec
		if known {
			rep.Replaced = append(rep.Replaced, name)
		} else {
			rep.Registered = append(rep.Registered, name)
		}
	}

	for name := range m.live {
		if _, ok := tbl[name]; ok {
			continue
		}
		m.sched.Cancel(name)
		delete(m.live, name)
		rep.Cancelled = append(rep.Cancelled, name)
	}
	sort.Strings(rep.Cancelled)

	if rep.Changed() || len(rep.Skipped) > 0 {
		m.log.Info("tasks reconciled",
			logx.Int("registered", len(rep.Registered)), logx.Int("replaced", len(rep.Replaced)),
			logx.Int("cancelled", len(rep.Cancelled)), logx.Int("skipped", len(rep.Skipped)))
	}
	return rep, nil
}
