// Package app wires the task manager together: configuration, logging, the task
// table, the audit sink, handlers, the scheduler and alerting.
//
// One-shot commands (add, remove, list, run) use New + Close. The daemon uses
// New + Start + Stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskmanager/internal/audit"
	"taskmanager/internal/config"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/handlers"
	"taskmanager/internal/manager"
	"taskmanager/internal/notify"
	"taskmanager/internal/observability/status"
	"taskmanager/internal/runtime/supervisor"
	"taskmanager/internal/task/registry"
	"taskmanager/internal/task/scheduler"
	"taskmanager/internal/task/store"
	logx "taskmanager/pkg/logx"
)

// watcherRestarts bounds how often a broken file watcher is restarted before the
// daemon gives up and stops with the watcher's error.
var watcherRestarts = []supervisor.RestartOption{
	supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
	supervisor.WithMaxRestarts(10),
}

type App struct {
	cfgm *config.Manager
	durs config.Durations

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	sink  audit.Sink
	sched *scheduler.Service
	mgr   *manager.Manager
	notif *notify.Service
	stat  *status.Server

	sup       *supervisor.Supervisor
	closeOnce sync.Once
	closeErr  error
}

type Option func(*options)

type options struct {
	logLevel string
}

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	durs, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logCfg := mapLogConfig(cfg)
	if strings.TrimSpace(o.logLevel) != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, log := logx.New(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	st, err := store.Open(mapStoreConfig(cfg, durs), log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	sink, err := audit.Open(mapAuditConfig(cfg, durs), log.With(logx.String("comp", "audit")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = sink.Close()
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	rec := audit.NewRecorder(sink, log.With(logx.String("comp", "audit")))

	reg, err := registry.New(handlers.Bindings(mapHandlerDeps(cfg, durs, log.With(logx.String("comp", "handlers"))))...)
	if err != nil {
		return fail(err)
	}

	sched := scheduler.New(mapSchedulerConfig(cfg, durs), log.With(logx.String("comp", "scheduler")), bus,
		scheduler.WithAudit(rec))

	mgr, err := manager.New(manager.Config{RetryMaxElapsed: durs.StoreRetryElapsed}, manager.Deps{
		Store:     st,
		Registry:  reg,
		Scheduler: sched,
		Audit:     rec,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "manager")),
	})
	if err != nil {
		return fail(err)
	}

	notif, err := newNotifier(cfg, bus, log.With(logx.String("comp", "notify")))
	if err != nil {
		return fail(err)
	}

	return &App{
		cfgm:  cfgm,
		durs:  durs,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: st,
		sink:  sink,
		sched: sched,
		mgr:   mgr,
		notif: notif,
		stat:  newStatusServer(cfg, sched, log.With(logx.String("comp", "status"))),
	}, nil
}

func (a *App) Manager() *manager.Manager { return a.mgr }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

// StatusAddr is the bound status endpoint, or "" when it is disabled or not started.
func (a *App) StatusAddr() string {
	if a.stat == nil {
		return ""
	}
	return a.stat.Addr()
}

// History returns recent audit entries, if the audit driver can replay them.
func (a *App) History(ctx context.Context, taskName string, limit int) ([]audit.Entry, error) {
	r, ok := a.sink.(audit.Reader)
	if !ok {
		return nil, errors.New("audit driver does not support history")
	}
	return r.Recent(ctx, taskName, limit)
}

// Done is closed when the daemon supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the daemon supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: timers are rebuilt from the table and the scheduler starts;
// the table and the config file are watched for changes.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// Timers and alerts outlive the supervisor so Stop can drain them in order.
	runCtx := context.WithoutCancel(ctx)
	if a.stat != nil {
		if err := a.stat.Start(runCtx); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}
	if err := a.mgr.Start(runCtx); err != nil {
		return err
	}
	if a.notif != nil {
		if err := a.notif.Start(runCtx); err != nil {
			return err
		}
	}

	if cfg.StoreWatch() {
		a.sup.GoRestart("store.watch", a.watchStore, watcherRestarts...)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, watcherRestarts...)

	if cfg.Systemd.Watchdog {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })
	}
	if cfg.Systemd.Notify {
		sdNotify(a.log, daemon.SdNotifyReady)
		sdNotify(a.log, fmt.Sprintf("STATUS=%d task(s) scheduled", len(a.sched.Names())))
	}

	a.log.Info("task manager started", logx.Int("timers", len(a.sched.Names())), logx.String("store", a.store.Path()))
	return nil
}

// watchStore resyncs the timers whenever another process rewrites the table.
func (a *App) watchStore(ctx context.Context) error {
	changes, err := store.Watch(ctx, a.store, 300*time.Millisecond)
	if err != nil {
		return err
	}
	for range changes {
		rep, err := a.mgr.Reconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("task table resync failed", logx.Err(err))
			continue
		}
		if rep.Changed() {
			a.log.Info("task table changed on disk",
				logx.Any("registered", rep.Registered), logx.Any("replaced", rep.Replaced), logx.Any("cancelled", rep.Cancelled))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("task table watcher closed")
}

func (a *App) applyConfig(last, next *config.Config) {
	sections, attrs := config.SummarizeChange(last, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.logs.Apply(mapLogConfig(next))
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if config.NeedsRestart(sections) {
		a.log.Warn("config change takes effect after restart", logx.String("changed", strings.Join(sections, ",")))
	}
}

// Stop shuts the daemon down: watchers first, then the scheduler drain (bounded by
// scheduler.drain_timeout and ctx), alerts, and finally the table and audit sink.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.cfgm.Get().Systemd.Notify {
		sdNotify(a.log, daemon.SdNotifyStopping)
	}
	a.sup.Cancel()

	var errs []error
	if a.stat != nil {
		_ = a.step(ctx, "status", 2*time.Second, a.stat.Stop)
	}
	if err := a.step(ctx, "scheduler", a.durs.DrainTimeout, a.mgr.Stop); err != nil {
		errs = append(errs, err)
	}
	if a.notif != nil {
		_ = a.step(ctx, "notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}
	_ = a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	c := a.sup.Counters()
	a.log.Info("stopped",
		logx.Int64("goroutines_active", c.Active), logx.Uint64("goroutines_started", c.Started),
		logx.Uint64("events_dropped", a.bus.Dropped()))
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and by ctx's deadline. A step that
// overruns is left running and reported as its context error.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}

// Close releases the table, the audit sink and the log files. Safe to call twice.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.sink.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.logs.Close(); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
