package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.started && !s.stopped}
	snap.Timers = make([]TimerInfo, 0, len(s.timers))
	for _, t := range s.timers {
		snap.Timers = append(snap.Timers, s.infoLocked(t))
	}
	snap.History = append([]HistoryItem(nil), s.history...)
	sup := s.sup
	s.mu.Unlock()

	sort.Slice(snap.Timers, func(i, j int) bool { return snap.Timers[i].Name < snap.Timers[j].Name })
	if sup != nil {
		snap.Goroutines = sup.Counters()
	}
	return snap
}

// Timer returns the view of one registered timer.
func (s *Service) Timer(name string) (TimerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return TimerInfo{}, false
	}
	return s.infoLocked(t), true
}

func (s *Service) infoLocked(t *liveTimer) TimerInfo {
	return TimerInfo{
		Name:     t.name,
		Kind:     t.binding.Kind,
		Every:    t.every,
		State:    t.state,
		Next:     t.next,
		LastRun:  t.lastRun,
		LastErr:  t.lastErr,
		Runs:     t.runs,
		Fails:    t.fails,
		Skips:    t.skips,
		InFlight: s.inflight[t.name],
	}
}
