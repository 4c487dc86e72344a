// Package retry provides the jittered-backoff retry loop and the per-target
// circuit breaker used by every connector, plus the shared error taxonomy.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy controls a Do loop. The delay before attempt n (n ≥ 2) is
//
//	min(Base * 2^(n-2), Ceiling) + jitter
//
// where jitter is uniform in [0, Base). When the previous error carried a
// Retry-After hint, the delay is raised to at least that hint.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration

	// Terminal, when set, overrides the default Recoverable classification.
	// Returning true stops the loop immediately with that error.
	Terminal func(error) bool

	Clock clockwork.Clock
}

func (p Policy) clock() clockwork.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clockwork.NewRealClock()
}

func (p Policy) terminal(err error) bool {
	if p.Terminal != nil {
		return p.Terminal(err)
	}
	return !Recoverable(err)
}

// Delay returns the backoff delay before the given attempt (2-based: the
// first retry is attempt 2). Exported so callers scheduling their own timers
// can share the formula.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base << (attempt - 2)
	if d > p.Ceiling || d <= 0 {
		d = p.Ceiling
	}
	if p.Base > 0 {
		d += time.Duration(rand.Int63n(int64(p.Base)))
	}
	return d
}

// Do runs fn until it succeeds, the policy classifies the error as terminal,
// MaxAttempts is reached, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	clock := p.clock()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := p.Delay(attempt)
			if hint := RetryAfterOf(lastErr); hint > d {
				d = hint
			}
			timer := clock.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.Chan():
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if p.terminal(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
