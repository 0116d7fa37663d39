package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskmanager/internal/audit"
	"taskmanager/internal/clock"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/runtime/supervisor"
	"taskmanager/internal/task"
	"taskmanager/internal/task/registry"
	logx "taskmanager/pkg/logx"
)

var (
	ErrDuplicateTimerName = errors.New("timer already registered")
	ErrNotRegistered      = errors.New("timer not registered")
	ErrBusy               = errors.New("task is already running")
	ErrStopped            = errors.New("scheduler stopped")
	ErrDrainTimeout       = errors.New("scheduler drain timed out")
)

// Config controls timer execution.
type Config struct {
	// DefaultTimeout bounds a single handler run; 0 means no limit.
	DefaultTimeout time.Duration
	// HistorySize bounds the run history kept for Snapshot (default 200).
	HistorySize int
	// FailureLogEvery throttles repeated failure warnings of one task (default 1m).
	FailureLogEvery time.Duration
}

type State string

const (
	StateScheduled State = "scheduled"
	StateFiring    State = "firing"
	StateCancelled State = "cancelled"
	StateStopped   State = "stopped"
)

// liveTimer is owned by Service and guarded by Service.mu.
type liveTimer struct {
	name    string
	binding registry.Binding
	params  task.Params
	every   time.Duration
	sched   cron.Schedule
	next    time.Time
	state   State

	lastRun time.Time
	lastErr string
	runs    uint64
	fails   uint64
	skips   uint64
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock
	audit *audit.Recorder

	timers map[string]*liveTimer
	// inflight is keyed by task name and outlives Cancel, so a re-registered task
	// cannot overlap a run of its previous incarnation.
	inflight map[string]bool
	history  []HistoryItem

	sup     *supervisor.Supervisor
	wake    chan struct{}
	stopCh  chan struct{}
	started bool
	stopped bool

	failMu    sync.Mutex
	failLimit map[string]*rate.Limiter
}

type Option func(*Service)

// WithClock replaces the system clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithAudit records fire results in rec.
func WithAudit(rec *audit.Recorder) Option {
	return func(s *Service) { s.audit = rec }
}

// fixedDelay fires exactly one interval after the base time. cron.Every would
// truncate the base to whole seconds.
type fixedDelay time.Duration

var _ cron.Schedule = fixedDelay(0)

func (d fixedDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// TimerInfo is a point-in-time view of one timer.
type TimerInfo struct {
	Name     string
	Kind     task.Kind
	Every    time.Duration
	State    State
	Next     time.Time
	LastRun  time.Time
	LastErr  string
	Runs     uint64
	Fails    uint64
	Skips    uint64
	InFlight bool
}

type HistoryItem struct {
	Task     string
	Started  time.Time
	Duration time.Duration
	Manual   bool
	Error    string
}

type Snapshot struct {
	Running    bool
	Timers     []TimerInfo
	History    []HistoryItem
	Goroutines supervisor.Counters
}
