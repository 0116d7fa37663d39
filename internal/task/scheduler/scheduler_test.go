package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/audit"
	"taskmanager/internal/clock"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/task"
	"taskmanager/internal/task/registry"
	logx "taskmanager/pkg/logx"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memSink) Append(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

type fixture struct {
	s    *Service
	fc   *clock.Fake
	sink *memSink
	bus  eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fc := clock.NewFake(epoch)
	sink := &memSink{}
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus, WithClock(fc), WithAudit(audit.NewRecorder(sink, logx.Nop())))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &fixture{s: s, fc: fc, sink: sink, bus: bus}
}

func (f *fixture) timer(t *testing.T, name string) TimerInfo {
	t.Helper()
	info, ok := f.s.Timer(name)
	require.True(t, ok, "timer %s not registered", name)
	return info
}

func binding(kind task.Kind, fn registry.InvokeFunc) registry.Binding {
	return registry.Binding{Kind: kind, Invoke: fn}
}

func TestFailingHandlerKeepsFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	var calls atomic.Int32
	b := binding(task.DeleteFiles, func(context.Context, task.Params) (task.Detail, error) {
		calls.Add(1)
		return nil, errors.New("open /tmp/x: no such file or directory")
	})
	failed, unsub := f.bus.Subscribe(8)
	defer unsub()

	const name = "DeleteFiles_task_1"
	_, err := f.s.Register(name, b, task.Params{"directory": "/tmp/x"}, 1, task.Hours)
	require.NoError(t, err)
	require.NoError(t, f.s.Start(context.Background()))

	f.fc.Advance(time.Hour)
	require.Eventually(t, func() bool { return f.timer(t, name).Fails == 1 }, waitFor, tick)

	f.fc.Advance(59 * time.Minute)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, tick)

	f.fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.timer(t, name).Fails == 2 }, waitFor, tick)
	assert.Equal(t, int32(2), calls.Load())

	info := f.timer(t, name)
	assert.Equal(t, StateScheduled, info.State)
	assert.Equal(t, epoch.Add(3*time.Hour), info.Next)
	assert.Contains(t, info.LastErr, "no such file")

	entries := f.sink.all()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, name, e.TaskName)
		assert.Equal(t, audit.OpFire, e.Operation)
		assert.Equal(t, audit.LevelError, e.Level)
		assert.Equal(t, "failure", e.Status)
	}

	var failures int
	for len(failed) > 0 {
		ev := <-failed
		assert.False(t, ev.Time.IsZero(), "%s event has no time", ev.Type)
		if ev.Type == eventbus.TaskFailed {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestFinishedEventCarriesTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	b := binding(task.FetchRate, func(context.Context, task.Params) (task.Detail, error) { return nil, nil })
	_, err := f.s.Run(context.Background(), "FetchRate_task_1", b, nil)
	require.NoError(t, err)

	var finished int
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, epoch, ev.Time, "%s event", ev.Type)
		if ev.Type == eventbus.TaskFinished {
			finished++
		}
	}
	assert.Equal(t, 1, finished)
}

func TestFirstFireIsOneFullInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.fc.Advance(900 * time.Millisecond)
	var calls atomic.Int32
	b := binding(task.FetchRate, func(context.Context, task.Params) (task.Detail, error) {
		calls.Add(1)
		return nil, nil
	})

	const name = "FetchRate_task_1"
	info, err := f.s.Register(name, b, nil, 5, task.Seconds)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(5900*time.Millisecond), info.Next)
	require.NoError(t, f.s.Start(context.Background()))

	f.fc.Advance(4100 * time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, tick)

	f.fc.Advance(900 * time.Millisecond)
	require.Eventually(t, func() bool { return f.timer(t, name).Runs == 1 }, waitFor, tick)
	assert.Equal(t, epoch.Add(10900*time.Millisecond), f.timer(t, name).Next)
}

func TestRegisterRejectsIntervalBeyondDuration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	b := binding(task.DeleteFiles, func(context.Context, task.Params) (task.Detail, error) { return nil, nil })

	_, err := f.s.Register("DeleteFiles_task_1", b, nil, 200000, task.Days)
	require.ErrorIs(t, err, task.ErrValidation)
	assert.False(t, f.s.Has("DeleteFiles_task_1"))
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	b := binding(task.FetchRate, func(context.Context, task.Params) (task.Detail, error) {
		panic("nil map")
	})
	_, err := f.s.Register("FetchRate_task_1", b, nil, 10, task.Seconds)
	require.NoError(t, err)
	require.NoError(t, f.s.Start(context.Background()))

	f.fc.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return f.timer(t, "FetchRate_task_1").Fails == 1 }, waitFor, tick)
	assert.Contains(t, f.timer(t, "FetchRate_task_1").LastErr, "panic: nil map")

	f.fc.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return f.timer(t, "FetchRate_task_1").Fails == 2 }, waitFor, tick)
}

func TestNoOverlapWithSlowHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	var calls, running, maxRunning atomic.Int32
	b := binding(task.CompressFiles, func(ctx context.Context, _ task.Params) (task.Detail, error) {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return task.Detail{"archive": "out.zip"}, nil
	})

	const name = "CompressFiles_task_1"
	_, err := f.s.Register(name, b, nil, 1, task.Minutes)
	require.NoError(t, err)
	require.NoError(t, f.s.Start(context.Background()))

	f.fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	// blocked for two full intervals
	f.fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.timer(t, name).Skips == 1 }, waitFor, tick)
	f.fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.timer(t, name).Skips == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool { return !f.timer(t, name).InFlight }, waitFor, tick)

	f.fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.timer(t, name).Runs == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestCatchUpFiresOnceAndResyncs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	var calls atomic.Int32
	b := binding(task.OrganizeFiles, func(context.Context, task.Params) (task.Detail, error) {
		calls.Add(1)
		return nil, nil
	})
	const name = "OrganizeFiles_task_1"
	_, err := f.s.Register(name, b, nil, 1, task.Minutes)
	require.NoError(t, err)
	require.NoError(t, f.s.Start(context.Background()))

	f.fc.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return f.timer(t, name).Runs == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, epoch.Add(11*time.Minute), f.timer(t, name).Next)
}

func TestRegisterAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	var calls atomic.Int32
	b := binding(task.SendEmail, func(context.Context, task.Params) (task.Detail, error) {
		calls.Add(1)
		return nil, nil
	})

	info, err := f.s.Register("SendEmail_task_1", b, nil, 30, task.Seconds)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(30*time.Second), info.Next)
	assert.Equal(t, task.SendEmail, info.Kind)

	_, err = f.s.Register("SendEmail_task_1", b, nil, 5, task.Seconds)
	assert.ErrorIs(t, err, ErrDuplicateTimerName)

	_, err = f.s.Register("SendEmail_task_2", b, nil, 0, task.Seconds)
	assert.ErrorIs(t, err, task.ErrValidation)

	require.NoError(t, f.s.Start(context.Background()))
	assert.True(t, f.s.Cancel("SendEmail_task_1"))
	assert.False(t, f.s.Cancel("SendEmail_task_1"))
	assert.False(t, f.s.Has("SendEmail_task_1"))

	f.fc.Advance(time.Minute)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, tick)
	assert.Empty(t, f.s.Snapshot().Timers)
}

func TestStopDrainsInFlightRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	var done atomic.Bool
	b := binding(task.ConvertFile, func(context.Context, task.Params) (task.Detail, error) {
		close(started)
		<-release
		done.Store(true)
		return nil, nil
	})
	_, err := f.s.Register("ConvertFile_task_1", b, nil, 1, task.Seconds)
	require.NoError(t, err)
	require.NoError(t, f.s.Start(context.Background()))
	f.fc.Advance(time.Second)
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.s.Stop(ctx))
	assert.True(t, done.Load(), "Stop returned before the run completed")
	assert.Equal(t, StateStopped, f.timer(t, "ConvertFile_task_1").State)

	_, err = f.s.Register("ConvertFile_task_2", b, nil, 1, task.Seconds)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.s.Start(context.Background()), ErrStopped)
	assert.NoError(t, f.s.Stop(ctx), "second Stop is a no-op")
}

func TestStopDrainTimeoutCancelsRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	started := make(chan struct{})
	var sawCancel atomic.Bool
	b := binding(task.FetchRate, func(ctx context.Context, _ task.Params) (task.Detail, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return nil, ctx.Err()
	})
	_, err := f.s.Register("FetchRate_task_1", b, nil, 1, task.Seconds)
	require.NoError(t, err)
	require.NoError(t, f.s.Start(context.Background()))
	f.fc.Advance(time.Second)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.s.Stop(ctx), ErrDrainTimeout)
	require.Eventually(t, sawCancel.Load, waitFor, tick)
}

func TestManualRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	b := binding(task.FetchRate, func(ctx context.Context, p task.Params) (task.Detail, error) {
		entered <- struct{}{}
		if p.TextOr("mode", "") == "slow" {
			<-release
		}
		return task.Detail{"price": "7,100"}, nil
	})

	// no timer, scheduler not started
	detail, err := f.s.Run(context.Background(), "FetchRate_task_9", b, nil)
	require.NoError(t, err)
	assert.Equal(t, "7,100", detail["price"])
	<-entered

	_, err = f.s.RunNow(context.Background(), "FetchRate_task_9")
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = f.s.Register("FetchRate_task_1", b, task.Params{"mode": "slow"}, 1, task.Hours)
	require.NoError(t, err)
	go func() { _, _ = f.s.RunNow(context.Background(), "FetchRate_task_1") }()
	<-entered

	_, err = f.s.RunNow(context.Background(), "FetchRate_task_1")
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
	require.Eventually(t, func() bool { return f.timer(t, "FetchRate_task_1").Runs == 1 }, waitFor, tick)

	failing := binding(task.FetchRate, func(context.Context, task.Params) (task.Detail, error) {
		return nil, errors.New("status 503")
	})
	_, err = f.s.Run(context.Background(), "FetchRate_task_2", failing, nil)
	var he *task.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "FetchRate_task_2", he.Task)

	entries := f.sink.all()
	require.Len(t, entries, 3)
	assert.Equal(t, audit.OpRun, entries[0].Operation)
	assert.Equal(t, "success", entries[0].Status)
	assert.Equal(t, "failure", entries[2].Status)
	assert.Len(t, f.s.Snapshot().History, 3)
}
