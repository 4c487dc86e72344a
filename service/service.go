// Package service hosts connectors: each Runner is owned by a Host that
// restarts it with backoff until the context ends, and publishes its status
// snapshots to the cache and the dashboard topic.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/cache"
	"github.com/whisper-darkly/switchboard/metrics"
	"github.com/whisper-darkly/switchboard/retry"
)

// StatusNamespace is the cache namespace holding per-connector snapshots.
const StatusNamespace = "status"

// FullStateNamespace holds computed aggregates; it is invalidated on every
// connector state change in addition to its 2 s TTL.
const FullStateNamespace = "full_state"

// StatusTTL bounds the staleness of cached snapshots.
const StatusTTL = 2 * time.Second

// DashboardTopic carries connection-status publications.
const DashboardTopic = "dashboard"

// Status is the public snapshot of one connector. The schema is fixed;
// connector-specific fields are optional and omitted when inapplicable.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since,omitzero"`

	// Twitch
	Subscriptions    int `json:"subscriptions,omitempty"`
	SubscriptionCost int `json:"subscription_cost,omitempty"`

	// OBS
	Scene string `json:"scene,omitempty"`

	// Rainwave
	Song      string `json:"song,omitempty"`
	Listening bool   `json:"listening,omitempty"`

	Health Health `json:"health"`
}

// Runner is a connector session. Run blocks until the session ends; the Host
// decides whether to restart. Status must be callable at any time from any
// goroutine.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Status() Status
}

// Publisher pushes status snapshots to the cache and the dashboard topic.
type Publisher struct {
	Bus   *bus.Bus
	Cache *cache.Cache
}

// Publish caches the snapshot under (status, name) with the 2 s TTL,
// invalidates the full-state namespace, and publishes on the dashboard topic.
func (p *Publisher) Publish(st Status) {
	if p == nil {
		return
	}
	if p.Cache != nil {
		p.Cache.Set(StatusNamespace, st.Name, st, StatusTTL)
		p.Cache.InvalidateNamespace(FullStateNamespace)
	}
	if p.Bus != nil {
		p.Bus.Publish(DashboardTopic, st)
		metrics.EventsPublished.WithLabelValues(DashboardTopic).Inc()
	}
	if st.Connected {
		metrics.ConnectorConnected.WithLabelValues(st.Name).Set(1)
	} else {
		metrics.ConnectorConnected.WithLabelValues(st.Name).Set(0)
	}
}

// Host supervises one Runner.
type Host struct {
	runner Runner
	clock  clockwork.Clock
	log    zerolog.Logger
	pub    *Publisher

	restart retry.Policy
}

// NewHost wraps runner in a supervision loop. Restart delays follow the
// shared backoff policy (base 1s, ceiling 60s) and reset after a session
// that stayed up for over a minute.
func NewHost(runner Runner, clock clockwork.Clock, log zerolog.Logger, pub *Publisher) *Host {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Host{
		runner: runner,
		clock:  clock,
		log:    log.With().Str("component", "host").Str("connector", runner.Name()).Logger(),
		pub:    pub,
		restart: retry.Policy{
			Base:    time.Second,
			Ceiling: time.Minute,
			Clock:   clock,
		},
	}
}

// Runner returns the hosted runner.
func (h *Host) Runner() Runner { return h.runner }

// Status returns the runner's current snapshot.
func (h *Host) Status() Status { return h.runner.Status() }

// Run supervises the runner until ctx ends. Every runner exit is published
// as a status change; a runner that returns nil is restarted like one that
// errored, since connectors are meant to live for the process lifetime.
func (h *Host) Run(ctx context.Context) {
	attempt := 1
	for {
		started := h.clock.Now()
		err := h.runner.Run(ctx)

		if h.pub != nil {
			h.pub.Publish(h.runner.Status())
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn().Err(err).Str("kind", string(retry.KindOf(err))).Msg("connector session ended")
		}

		// A session that held for a while earns a fresh backoff.
		if h.clock.Now().Sub(started) > time.Minute {
			attempt = 1
		}
		attempt++
		delay := h.restart.Delay(attempt)
		metrics.Reconnects.WithLabelValues(h.runner.Name()).Inc()
		h.log.Info().Dur("delay", delay).Msg("restarting connector")

		timer := h.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}
