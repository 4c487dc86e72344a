package retry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// breaker states
const (
	stateClosed = iota
	stateOpen
	stateHalfOpen
)

// BreakerSet maintains one circuit breaker per named target (e.g. one per
// provider endpoint). Closed breakers count failures inside a rolling window;
// Threshold failures trip the breaker open for Cooldown, after which a single
// probe is allowed through.
type BreakerSet struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
	Clock     clockwork.Clock

	mu      sync.Mutex
	targets map[string]*breaker
}

type breaker struct {
	state       int
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
}

// NewBreakerSet returns a BreakerSet with the given trip parameters.
func NewBreakerSet(threshold int, window, cooldown time.Duration, clock clockwork.Clock) *BreakerSet {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BreakerSet{
		Threshold: threshold,
		Window:    window,
		Cooldown:  cooldown,
		Clock:     clock,
		targets:   make(map[string]*breaker),
	}
}

// Do runs fn guarded by the breaker for target. When the breaker is open the
// call fails fast with KindCircuitOpen and fn is never invoked.
func (s *BreakerSet) Do(target string, fn func() error) error {
	if err := s.acquire(target); err != nil {
		return err
	}
	err := fn()
	s.record(target, err == nil)
	return err
}

func (s *BreakerSet) acquire(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.targets[target]
	if b == nil {
		b = &breaker{}
		s.targets[target] = b
	}

	now := s.Clock.Now()
	switch b.state {
	case stateOpen:
		if now.Sub(b.openedAt) < s.Cooldown {
			return E(KindCircuitOpen, "breaker."+target, nil)
		}
		b.state = stateHalfOpen
		b.probing = false
		fallthrough
	case stateHalfOpen:
		if b.probing {
			return E(KindCircuitOpen, "breaker."+target, nil)
		}
		b.probing = true
	}
	return nil
}

func (s *BreakerSet) record(target string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.targets[target]
	if b == nil {
		return
	}
	now := s.Clock.Now()

	switch b.state {
	case stateHalfOpen:
		b.probing = false
		if ok {
			b.state = stateClosed
			b.failures = 0
		} else {
			b.state = stateOpen
			b.openedAt = now
		}
	case stateClosed:
		if ok {
			b.failures = 0
			return
		}
		if b.failures == 0 || now.Sub(b.windowStart) > s.Window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= s.Threshold {
			b.state = stateOpen
			b.openedAt = now
		}
	}
}
