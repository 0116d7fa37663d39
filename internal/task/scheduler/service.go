package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"taskmanager/internal/clock"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/runtime/supervisor"
	logx "taskmanager/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.FailureLogEvery <= 0 {
		cfg.FailureLogEvery = time.Minute
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		clock:     clock.Real(),
		timers:    map[string]*liveTimer{},
		inflight:  map[string]bool{},
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		failLimit: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the coordinator. Timers registered before Start keep the fire
// times computed at registration. A stopped scheduler cannot be restarted.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go0("scheduler.coordinator", s.coordinate)
	s.log.Info("scheduler started", logx.Int("timers", len(s.timers)))
	return nil
}

// Stop prevents further firings and waits for in-flight runs until ctx is done.
// If the deadline passes first, the runs' context is canceled and ErrDrainTimeout
// is returned; abandoned runs finish in the background.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	for _, t := range s.timers {
		t.state = StateStopped
	}
	inflight := len(s.inflight)
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("scheduler stopping", logx.Int("in_flight", inflight))
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			sup.Cancel()
			s.mu.Lock()
			left := len(s.inflight)
			s.mu.Unlock()
			s.log.Warn("scheduler drain timed out; abandoning runs", logx.Int("in_flight", left), logx.Duration("waited", time.Since(start)))
			return fmt.Errorf("%w: %d run(s) still in flight", ErrDrainTimeout, left)
		}
		s.log.Warn("scheduler stopped with error", logx.Err(err))
	}
	sup.Cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// coordinate is the only goroutine that decides fire times.
func (s *Service) coordinate(ctx context.Context) {
	for {
		s.mu.Lock()
		now := s.clock.Now()
		s.fireDueLocked(now)
		deadline, armed := s.earliestLocked()
		s.mu.Unlock()

		var tm clock.Timer
		var timerC <-chan time.Time
		if armed {
			tm = s.clock.NewTimerAt(deadline)
			timerC = tm.C()
		}
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-s.wake:
		case <-timerC:
		}
		if tm != nil {
			tm.Stop()
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
	}
}

// fireDueLocked launches every timer whose fire time has come. Call with s.mu held.
func (s *Service) fireDueLocked(now time.Time) {
	for _, t := range s.timers {
		if t.state == StateCancelled || t.state == StateStopped || t.next.After(now) {
			continue
		}
		t.next = s.advance(t, now)
		if s.inflight[t.name] {
			t.skips++
			s.log.Warn("task skipped: previous run still in flight",
				logx.String("task", t.name), logx.Time("next", t.next))
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Time: now, Data: eventbus.TaskEvent{
				Task: t.name, Kind: string(t.binding.Kind), Reason: "in_flight",
			}})
			continue
		}
		s.launchLocked(t)
	}
}

// advance returns the fire time after t.next. When the process fell behind by a
// whole interval or more, it resyncs to now + interval instead of replaying.
func (s *Service) advance(t *liveTimer, now time.Time) time.Time {
	next := t.sched.Next(t.next)
	if !next.After(now) {
		s.log.Debug("timer fell behind; resyncing", logx.String("task", t.name), logx.Time("was_due", t.next))
		next = t.sched.Next(now)
	}
	return next
}

func (s *Service) earliestLocked() (time.Time, bool) {
	var earliest time.Time
	armed := false
	for _, t := range s.timers {
		if t.state == StateCancelled || t.state == StateStopped {
			continue
		}
		if !armed || t.next.Before(earliest) {
			earliest = t.next
			armed = true
		}
	}
	return earliest, armed
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
