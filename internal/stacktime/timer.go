// Package stacktime implements the stack's periodic timer service: a
// registry of (interval, handler) pairs driven by an external 1-second
// tick. It is deliberately simple (a flat scan, not a heap) because the
// spec's timer_handler semantics compare every timer's elapsed time on
// every tick rather than scheduling absolute deadlines.
package stacktime

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handler is invoked from the tick goroutine when a timer's interval has
// elapsed: the goroutine that calls Tick (Run's goroutine in production).
// Callbacks do not run on the sched.IRQTable dispatch goroutine.
type Handler func(now time.Time)

type timer struct {
	interval time.Duration
	last     time.Time
	handler  Handler
}

// Service holds the registered timers and the clock used to evaluate
// them. Tests inject clockwork.NewFakeClock() to drive timers (such as
// ARP aging) deterministically without real sleeps.
type Service struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers []*timer
}

// NewService constructs a timer service bound to clock.
func NewService(clock clockwork.Clock) *Service {
	return &Service{clock: clock}
}

// Register records a new periodic timer, stamping its last-fire time as
// now so the first tick starts a fresh interval.
func (s *Service) Register(interval time.Duration, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, &timer{
		interval: interval,
		last:     s.clock.Now(),
		handler:  handler,
	})
}

// Tick evaluates every registered timer against now, firing and
// rearming any whose interval has elapsed. This is called by the
// external 1-second wall clock driver (Run) or directly by tests.
func (s *Service) Tick() {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*timer, 0, len(s.timers))
	for _, t := range s.timers {
		if now.Sub(t.last) > t.interval {
			t.last = now
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.handler(now)
	}
}

// Run drives Tick once per second until stop is closed. It is the
// production entry point; tests call Tick directly against a fake
// clock instead.
func (s *Service) Run(stop <-chan struct{}) {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.Tick()
		case <-stop:
			return
		}
	}
}
