package service

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/whisper-darkly/switchboard/metrics"
)

// HealthStatus is the coarse connector health classification.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// DefaultDownAfter is the consecutive-error count at which a connector is
// reported down.
const DefaultDownAfter = 5

// Health is the point-in-time health record of a connector.
type Health struct {
	Status            HealthStatus `json:"status"`
	TotalErrors       int          `json:"total_errors"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	LastSuccess       time.Time    `json:"last_success,omitzero"`
	LastAttempt       time.Time    `json:"last_attempt,omitzero"`
}

// HealthTracker accumulates success/error observations for one connector.
// A success resets consecutive errors and restores ok; the first error
// degrades, and downAfter consecutive errors mark the connector down.
type HealthTracker struct {
	mu        sync.Mutex
	name      string
	downAfter int
	clock     clockwork.Clock
	h         Health
}

// NewHealthTracker returns a tracker for the named connector.
// downAfter ≤ 0 selects DefaultDownAfter.
func NewHealthTracker(name string, downAfter int, clock clockwork.Clock) *HealthTracker {
	if downAfter <= 0 {
		downAfter = DefaultDownAfter
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthTracker{
		name:      name,
		downAfter: downAfter,
		clock:     clock,
		h:         Health{Status: HealthOK},
	}
}

// Success records a successful provider interaction.
func (t *HealthTracker) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.h.ConsecutiveErrors = 0
	t.h.Status = HealthOK
	t.h.LastSuccess = now
	t.h.LastAttempt = now
}

// Error records a failed provider interaction.
func (t *HealthTracker) Error() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.TotalErrors++
	t.h.ConsecutiveErrors++
	t.h.LastAttempt = t.clock.Now()
	if t.h.ConsecutiveErrors >= t.downAfter {
		t.h.Status = HealthDown
	} else {
		t.h.Status = HealthDegraded
	}
	metrics.ConnectorErrors.WithLabelValues(t.name).Inc()
}

// Snapshot returns a copy of the current record.
func (t *HealthTracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}
