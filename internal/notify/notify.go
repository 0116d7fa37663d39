// Package notify turns task failure events into chat alerts.
//
// It subscribes to the event bus and sends one message per failure, rate limited and
// with repeats of the same task error suppressed for a window. Alerting is
// best-effort: send errors are logged and never reach the scheduler.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskmanager/internal/eventbus"
	"taskmanager/internal/runtime/supervisor"
	logx "taskmanager/pkg/logx"
)

var ErrDisabled = errors.New("notify disabled")

// Sender delivers one alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	// RatePerMin caps alerts per minute (default 20).
	RatePerMin int
	// DedupWindow suppresses the same task error repeated within it (default 10m).
	DedupWindow time.Duration
	// Buffer is the event subscription size (default 64).
	Buffer int
	// SendTimeout bounds a single send (default 10s).
	SendTimeout time.Duration
}

type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu    sync.Mutex
	sup   *supervisor.Supervisor
	unsub func()
	seen  map[string]time.Time
	sent  uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
		now:     time.Now,
		seen:    map[string]time.Time{},
	}
}

// Start subscribes to the bus. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if s.sender == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ch, unsub := s.bus.Subscribe(s.cfg.Buffer)
	s.unsub = unsub
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notify"))),
		supervisor.WithCancelOnError(false),
	)
	s.sup.Go0("notify.loop", func(c context.Context) { s.loop(c, ch) })
	return nil
}

// Stop unsubscribes and waits for the pending sends until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
	}
}

// Sent reports how many alerts were delivered.
func (s *Service) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Service) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TaskFailed {
				continue
			}
			te, ok := ev.Data.(eventbus.TaskEvent)
			if !ok {
				continue
			}
			s.alert(ctx, te)
		}
	}
}

func (s *Service) alert(ctx context.Context, te eventbus.TaskEvent) {
	key := te.Task + "|" + te.Err
	now := s.now()
	s.mu.Lock()
	for k, until := range s.seen {
		if !now.Before(until) {
			delete(s.seen, k)
		}
	}
	if until, ok := s.seen[key]; ok && now.Before(until) {
		s.mu.Unlock()
		s.log.Debug("alert suppressed", logx.String("task", te.Task))
		return
	}
	s.seen[key] = now.Add(s.cfg.DedupWindow)
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.sender.Send(sctx, FormatFailure(te)); err != nil {
		s.log.Warn("alert not sent", logx.String("task", te.Task), logx.Err(err))
		return
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

// FormatFailure renders the alert text for a failed run.
func FormatFailure(te eventbus.TaskEvent) string {
	msg := fmt.Sprintf("Task %s failed", te.Task)
	if te.Kind != "" {
		msg = fmt.Sprintf("Task %s (%s) failed", te.Task, te.Kind)
	}
	if te.Duration > 0 {
		msg += " after " + te.Duration.Round(time.Millisecond).String()
	}
	if te.Err != "" {
		msg += ": " + te.Err
	}
	return msg
}
