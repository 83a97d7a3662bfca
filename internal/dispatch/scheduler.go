package dispatch

import (
	"sync"
	"time"
)

// Scheduler defers callbacks keyed by request ID. CancelAll must stop every
// pending callback for a request so a stale timer cannot touch a request that
// has since been cancelled or completed.
type Scheduler interface {
	After(requestID string, d time.Duration, fn func())
	CancelAll(requestID string)
}

// TimerScheduler runs callbacks on real timers.
type TimerScheduler struct {
	mu     sync.Mutex
	seq    int
	timers map[string]map[int]*time.Timer // requestID -> timer set
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: map[string]map[int]*time.Timer{}}
}

func (s *TimerScheduler) After(requestID string, d time.Duration, fn func()) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	if s.timers[requestID] == nil {
		s.timers[requestID] = map[int]*time.Timer{}
	}
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		m := s.timers[requestID]
		if m == nil {
			// cancelled between fire and lock
			s.mu.Unlock()
			return
		}
		if _, live := m[id]; !live {
			s.mu.Unlock()
			return
		}
		delete(m, id)
		if len(m) == 0 {
			delete(s.timers, requestID)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[requestID][id] = t
	s.mu.Unlock()
}

func (s *TimerScheduler) CancelAll(requestID string) {
	s.mu.Lock()
	for _, t := range s.timers[requestID] {
		t.Stop()
	}
	delete(s.timers, requestID)
	s.mu.Unlock()
}
