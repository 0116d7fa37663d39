package scheduler

import "golang.org/x/time/rate"

// allowFailureLog throttles warn-level failure logs per task. Suppressed failures
// are still audited and published.
func (s *Service) allowFailureLog(name string) bool {
	s.failMu.Lock()
	lim, ok := s.failLimit[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.FailureLogEvery), 1)
		s.failLimit[name] = lim
	}
	s.failMu.Unlock()
	return lim.Allow()
}
