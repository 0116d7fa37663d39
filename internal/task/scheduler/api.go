package scheduler

import (
	"context"
	"fmt"
	"strings"

	"taskmanager/internal/task"
	"taskmanager/internal/task/registry"
	logx "taskmanager/pkg/logx"
)

// Register creates a live timer that first fires one full interval from now.
func (s *Service) Register(name string, b registry.Binding, params task.Params, interval int, unit task.Unit) (TimerInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TimerInfo{}, fmt.Errorf("%w: timer name required", task.ErrValidation)
	}
	if b.Invoke == nil {
		return TimerInfo{}, fmt.Errorf("%w: %q has no handler", task.ErrUnknownTaskKind, string(b.Kind))
	}
	every, err := task.Record{Interval: interval, Unit: unit}.Every()
	if err != nil {
		return TimerInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return TimerInfo{}, ErrStopped
	}
	if _, ok := s.timers[name]; ok {
		return TimerInfo{}, fmt.Errorf("%w: %s", ErrDuplicateTimerName, name)
	}
	sched := fixedDelay(every)
	t := &liveTimer{
		name:    name,
		binding: b,
		params:  params,
		every:   every,
		sched:   sched,
		next:    sched.Next(s.clock.Now()),
		state:   StateScheduled,
	}
	s.timers[name] = t
	s.poke()

	s.log.Debug("timer registered", logx.String("task", name), logx.String("kind", string(b.Kind)),
		logx.Duration("every", every), logx.Time("next", t.next))
	return s.infoLocked(t), nil
}

// Cancel removes the timer. A run already in flight is left to complete.
// Cancelling an unknown name is a no-op; Cancel reports whether a timer existed.
func (s *Service) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return false
	}
	t.state = StateCancelled
	delete(s.timers, name)
	s.poke()
	s.log.Debug("timer cancelled", logx.String("task", name), logx.Bool("in_flight", s.inflight[name]))
	return true
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Names returns the registered timer names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.timers))
	for n := range s.timers {
		out = append(out, n)
	}
	return out
}

// RunNow runs a registered timer's handler immediately on the caller's goroutine.
// It returns ErrBusy if that task is already running. The timer's schedule is not moved.
func (s *Service) RunNow(ctx context.Context, name string) (task.Detail, error) {
	s.mu.Lock()
	t, ok := s.timers[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return s.run(ctx, name, t.binding, t.params, t)
}

// Run executes b once under name with the same guarantees as a scheduled firing
// (in-flight exclusion, panic recovery, audit), without requiring a timer.
func (s *Service) Run(ctx context.Context, name string, b registry.Binding, params task.Params) (task.Detail, error) {
	if b.Invoke == nil {
		return nil, fmt.Errorf("%w: %q has no handler", task.ErrUnknownTaskKind, string(b.Kind))
	}
	s.mu.Lock()
	t := s.timers[name]
	s.mu.Unlock()
	return s.run(ctx, name, b, params, t)
}

func (s *Service) run(ctx context.Context, name string, b registry.Binding, params task.Params, t *liveTimer) (task.Detail, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.inflight[name] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	s.inflight[name] = true
	if t != nil {
		t.state = StateFiring
	}
	s.mu.Unlock()

	return s.execute(ctx, name, b, params, t, true)
}
