// Package timer runs one lightweight countdown per live session.
package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TickFunc receives the whole seconds remaining until the deadline.
type TickFunc func(remaining int)

// ExpireFunc runs once when the deadline is reached.
type ExpireFunc func()

// Remaining returns the whole seconds left until endsAt, rounded up and never
// negative. It is zero exactly when now has reached endsAt.
func Remaining(endsAt, now time.Time) int {
	d := endsAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

type countdown struct {
	endsAt time.Time
	done   chan struct{}
	once   sync.Once
}

func (c *countdown) stop() {
	c.once.Do(func() { close(c.done) })
}

// Scheduler owns the per-session countdown goroutines. Remaining time is
// always recomputed from the fixed deadline, never decremented.
type Scheduler struct {
	mu       sync.Mutex
	timers   map[uuid.UUID]*countdown
	interval time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewScheduler creates a Scheduler ticking every interval.
func NewScheduler(interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		timers:   make(map[uuid.UUID]*countdown),
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "timer").Logger(),
	}
}

// WithClock overrides the scheduler's time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start begins the countdown for a session, replacing any running one.
// onExpire is invoked at most once, from the countdown goroutine.
func (s *Scheduler) Start(sessionID uuid.UUID, endsAt time.Time, onTick TickFunc, onExpire ExpireFunc) {
	c := &countdown{endsAt: endsAt, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.timers[sessionID]; ok {
		prev.stop()
	}
	s.timers[sessionID] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(sessionID, c, onTick, onExpire)
}

func (s *Scheduler) run(sessionID uuid.UUID, c *countdown, onTick TickFunc, onExpire ExpireFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		select {
		case <-c.done:
			return
		default:
		}

		remaining := Remaining(c.endsAt, s.now())
		if onTick != nil {
			onTick(remaining)
		}
		if remaining > 0 {
			continue
		}

		if !s.release(sessionID, c) {
			return
		}
		s.log.Debug().Str("session_id", sessionID.String()).Msg("Countdown reached deadline")
		if onExpire != nil {
			onExpire()
		}
		return
	}
}

// release removes c if it is still the registered countdown for the session.
func (s *Scheduler) release(sessionID uuid.UUID, c *countdown) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers[sessionID] != c {
		return false
	}
	delete(s.timers, sessionID)
	c.stop()
	return true
}

// TimeRemaining returns the seconds left for a running countdown.
func (s *Scheduler) TimeRemaining(sessionID uuid.UUID) (int, bool) {
	s.mu.Lock()
	c, ok := s.timers[sessionID]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return Remaining(c.endsAt, s.now()), true
}

// Stop cancels a session's countdown. Stopping an unknown or stopped session is a no-op.
func (s *Scheduler) Stop(sessionID uuid.UUID) {
	s.mu.Lock()
	c, ok := s.timers[sessionID]
	delete(s.timers, sessionID)
	s.mu.Unlock()
	if ok {
		c.stop()
	}
}

// Active returns the number of running countdowns.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown stops every countdown and waits for their goroutines to exit.
// Sessions stay in progress in the store; the reaper finalizes any that expire.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for id, c := range s.timers {
		c.stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
