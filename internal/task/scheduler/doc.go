// Package scheduler owns the live timers of the task manager.
//
// One coordinator goroutine decides when timers fire; every firing runs on its own
// supervised goroutine, so a slow handler never delays other timers. The scheduler:
//   - fires each timer every interval, as a cron.Schedule on an injected clock
//   - never runs two invocations of the same task at once (a due occurrence is skipped)
//   - after a stall fires a late timer once, then resyncs to now + interval
//   - recovers handler errors and panics at the task boundary; the timer keeps running
package scheduler
