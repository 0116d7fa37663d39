package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskmanager/internal/audit"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/task"
	"taskmanager/internal/task/registry"
	logx "taskmanager/pkg/logx"
)

// launchLocked starts a scheduled run on the supervisor. Call with s.mu held;
// s.sup.Go only spawns, so holding the lock is fine and keeps Stop from racing Wait.
func (s *Service) launchLocked(t *liveTimer) {
	if s.sup == nil || s.stopped {
		return
	}
	s.inflight[t.name] = true
	t.state = StateFiring
	name, b, params := t.name, t.binding, t.params
	s.sup.Go("task."+name, func(ctx context.Context) error {
		_, _ = s.execute(ctx, name, b, params, t, false)
		return nil
	})
}

// execute invokes the handler. Errors and panics stop here: they are logged,
// published and audited, and returned wrapped in task.HandlerError for manual runs.
func (s *Service) execute(ctx context.Context, name string, b registry.Binding, params task.Params, t *liveTimer, manual bool) (detail task.Detail, err error) {
	started := s.clock.Now()
	t0 := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFired, Time: started, Data: eventbus.TaskEvent{Task: name, Kind: string(b.Kind)}})

	runCtx := ctx
	if s.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
		defer cancel()
	}

	// A panicking handler must not take the process or the timer down.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		detail, err = b.Invoke(runCtx, params)
	}()
	dur := time.Since(t0)
	if err != nil {
		err = &task.HandlerError{Task: name, Err: err}
	}

	// report first: once a run shows up as finished its audit entry and events exist
	s.report(ctx, name, b.Kind, detail, dur, manual, err)
	s.finish(name, t, started, dur, manual, err)
	return detail, err
}

func (s *Service) finish(name string, t *liveTimer, started time.Time, dur time.Duration, manual bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, name)
	item := HistoryItem{Task: name, Started: started, Duration: dur, Manual: manual}
	if err != nil {
		item.Error = err.Error()
	}
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	if t == nil {
		return
	}
	t.runs++
	t.lastRun = started
	t.lastErr = item.Error
	if err != nil {
		t.fails++
	}
	if t.state == StateFiring {
		t.state = StateScheduled
	}
}

func (s *Service) report(ctx context.Context, name string, kind task.Kind, detail task.Detail, dur time.Duration, manual bool, err error) {
	op := audit.OpFire
	if manual {
		op = audit.OpRun
	}
	ev := eventbus.TaskEvent{Task: name, Kind: string(kind), Duration: dur}
	at := s.clock.Now()

	if err != nil {
		ev.Err = err.Error()
		var he *task.HandlerError
		if errors.As(err, &he) {
			ev.Err = he.Err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Time: at, Data: ev})
		if s.allowFailureLog(name) {
			s.log.Warn("task failed", logx.String("task", name), logx.String("kind", string(kind)), logx.Duration("dur", dur), logx.Err(err))
		} else {
			s.log.Debug("task failed (throttled)", logx.String("task", name), logx.Err(err))
		}
		d := task.Detail{}
		for k, v := range detail {
			d[k] = v
		}
		d["error"] = err.Error()
		s.audit.Record(context.WithoutCancel(ctx), audit.Entry{
			TaskName: name, Operation: op, Detail: d, Status: "failure", Level: audit.LevelError,
		})
		return
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Time: at, Data: ev})
	if dur >= 750*time.Millisecond {
		s.log.Info("task completed", logx.String("task", name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task completed", logx.String("task", name), logx.Duration("dur", dur))
	}
	s.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		TaskName: name, Operation: op, Detail: detail, Status: "success", Level: audit.LevelInfo,
	})
}
