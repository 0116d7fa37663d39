package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch signals on the returned channel whenever the table behind s changes on disk,
// for example when another process adds a task. Bursts of events are coalesced over
// debounce. The channel is closed when ctx is done.
//
// The parent directory is watched rather than the file, since Save replaces the file
// by rename.
func Watch(ctx context.Context, s Store, debounce time.Duration) (<-chan struct{}, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	path, err := filepath.Abs(s.Path())
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !matches(path, ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// matches also accepts the sqlite WAL side files.
func matches(target, name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	switch abs {
	case target, target + "-wal", target + "-journal":
		return true
	}
	return false
}
