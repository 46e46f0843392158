package dispatch

import (
	"context"
	"sync"
	"time"
)

// Scheduler defers dispatch rounds. Scheduling a ride replaces any earlier
// pending round for it.
type Scheduler interface {
	Schedule(rideID string, at time.Time)
	Cancel(rideID string)
}

// TimerScheduler runs rounds on in-process timers. Timers do not survive a
// restart; Dispatcher.Resume re-arms them from the persisted NextRoundAt.
type TimerScheduler struct {
	ctx context.Context
	run func(ctx context.Context, rideID string)

	mu      sync.Mutex
	timers  map[string]timerEntry
	gen     uint64
	stopped bool
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

func NewTimerScheduler(ctx context.Context, run func(ctx context.Context, rideID string)) *TimerScheduler {
	return &TimerScheduler{ctx: ctx, run: run, timers: make(map[string]timerEntry)}
}

func (s *TimerScheduler) Schedule(rideID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if e, ok := s.timers[rideID]; ok {
		e.timer.Stop()
	}
	s.gen++
	gen := s.gen
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[rideID] = timerEntry{timer: time.AfterFunc(delay, func() { s.fire(rideID, gen) }), gen: gen}
}

func (s *TimerScheduler) fire(rideID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[rideID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, rideID)
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.run(s.ctx, rideID)
}

func (s *TimerScheduler) Cancel(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[rideID]; ok {
		e.timer.Stop()
		delete(s.timers, rideID)
	}
}

// Pending reports how many rounds are armed.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and refuses new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}
