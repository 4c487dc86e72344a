// Package twitch is the EventSub connector: it validates the OAuth token,
// holds the EventSub WebSocket session, keeps the default subscription set
// alive, and publishes validated notifications on per-event-type topics.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/config"
	"github.com/whisper-darkly/switchboard/logging"
	"github.com/whisper-darkly/switchboard/metrics"
	"github.com/whisper-darkly/switchboard/oauth"
	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/service"
	"github.com/whisper-darkly/switchboard/transport"
	"github.com/whisper-darkly/switchboard/validate"
)

// Connection states. Transitions are confined to the Run goroutine; Status
// reads a snapshot under the mutex.
const (
	stateDisconnected = "disconnected"
	stateValidating   = "validating"
	stateConnecting   = "connecting"
	stateUpgrading    = "upgrading"
	stateWelcomed     = "welcomed"
	stateReady        = "ready"
	stateReconnecting = "reconnecting"
)

// TopicPrefix namespaces published Twitch events: "twitch." + event type.
const TopicPrefix = "twitch."

// Shutdown cleanup bounds.
const (
	cleanupConcurrency = 10
	cleanupTimeout     = 10 * time.Second
)

// Default-subscription creation bounds.
const (
	criticalConcurrency = 5
	standardConcurrency = 10
)

// Event is a validated notification as published on the bus.
type Event struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	SubscriptionID string         `json:"subscription_id"`
	CorrelationID  string         `json:"correlation_id"`
}

// Connector implements service.Runner for the EventSub session.
type Connector struct {
	cfg       config.Twitch
	tokens    *oauth.Manager
	helix     *Helix
	bus       *bus.Bus
	validator *validate.Validator
	clock     clockwork.Clock
	log       zerolog.Logger
	health    *service.HealthTracker
	pub       *service.Publisher

	registry *Registry

	mu        sync.Mutex
	state     string
	sessionID string
	since     time.Time
	userID    string
	scopes    []string
}

// New builds the connector. pub may be nil (tests).
func New(cfg config.Twitch, tokens *oauth.Manager, helix *Helix, b *bus.Bus, validator *validate.Validator, clock clockwork.Clock, log zerolog.Logger, health *service.HealthTracker, pub *service.Publisher) *Connector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Connector{
		cfg:       cfg,
		tokens:    tokens,
		helix:     helix,
		bus:       b,
		validator: validator,
		clock:     clock,
		log:       logging.Component(log, "twitch"),
		health:    health,
		pub:       pub,
		registry:  NewRegistry(),
		state:     stateDisconnected,
	}
}

func (c *Connector) Name() string { return "twitch" }

// Status reports the session snapshot.
func (c *Connector) Status() service.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := service.Status{
		Name:             "twitch",
		State:            c.state,
		Connected:        c.state == stateReady,
		SessionID:        c.sessionID,
		Since:            c.since,
		Subscriptions:    c.registry.Count(),
		SubscriptionCost: c.registry.TotalCost(),
	}
	if c.health != nil {
		st.Health = c.health.Snapshot()
	}
	return st
}

// Run owns one session: validate, connect, process frames until the
// transport drops or ctx ends. The host restarts it with backoff. Missing
// credentials fail the session instead of the process, so the connector
// stays hosted and reports degraded until they appear.
func (c *Connector) Run(ctx context.Context) error {
	if !c.cfg.Enabled() {
		if c.health != nil {
			c.health.Error()
		}
		return retry.E(retry.KindConfigInvalid, "twitch.run",
			errors.New("client id and secret are required"))
	}

	defer c.setState(stateDisconnected, "")

	c.setState(stateValidating, "")
	if _, err := c.tokens.Token(ctx); err != nil {
		return err
	}
	v, err := c.tokens.Validate(ctx)
	if err != nil {
		if c.health != nil {
			c.health.Error()
		}
		return err
	}
	userID := v.UserID
	if userID == "" {
		userID = c.cfg.UserID
	}
	c.mu.Lock()
	c.userID = userID
	c.scopes = v.Scopes
	c.mu.Unlock()
	if c.health != nil {
		c.health.Success()
	}

	owner := make(chan transport.Event, 64)
	conn, err := c.dial(ctx, c.cfg.EventSubURL, owner)
	if err != nil {
		return err
	}
	defer func() { conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case ev := <-owner:
			switch e := ev.(type) {
			case transport.Connected:
				c.setState(stateWelcomed, "")
			case transport.Frame:
				next, err := c.handleFrame(ctx, conn, owner, e.Data)
				if err != nil {
					return err
				}
				conn = next
			case transport.Disconnected:
				c.mu.Lock()
				c.sessionID = ""
				c.mu.Unlock()
				if c.health != nil {
					c.health.Error()
				}
				return e.Reason
			}
		}
	}
}

// dial opens the transport with the upgrade headers the CDN expects. An
// auth-rejected upgrade asks the token manager for a refresh before the
// error propagates, so the next session attempt dials with a fresh token.
func (c *Connector) dial(ctx context.Context, url string, owner chan transport.Event) (*transport.Conn, error) {
	c.setState(stateConnecting, "")
	conn := transport.New(url, owner, c.clock, c.log)

	hdr := http.Header{}
	hdr.Set("User-Agent", "switchboard/1.0")
	hdr.Set("Origin", "https://eventsub.wss.twitch.tv")

	c.setState(stateUpgrading, "")
	if err := conn.Connect(ctx, hdr); err != nil {
		if retry.KindOf(err) == retry.KindAuthExpired {
			if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
				c.log.Warn().Err(rerr).Msg("refresh after rejected upgrade failed")
			}
		}
		if c.health != nil {
			c.health.Error()
		}
		return nil, err
	}
	return conn, nil
}

// handleFrame processes one inbound EventSub message. It returns the live
// transport, which changes only on session_reconnect.
func (c *Connector) handleFrame(ctx context.Context, conn *transport.Conn, owner chan transport.Event, raw []byte) (*transport.Conn, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn().Err(err).Msg("undecodable frame")
		return conn, nil
	}

	switch env.Metadata.MessageType {
	case msgWelcome:
		var p sessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return conn, retry.E(retry.KindProtocol, "twitch.welcome", err)
		}
		if p.Session.KeepaliveTimeoutSeconds > 0 {
			conn.SetKeepalive(time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second)
		}
		c.setState(stateReady, p.Session.ID)
		c.log.Info().Str("session_id", p.Session.ID).Msg("session ready")

		userID := c.snapshotUserID()
		if userID == "" {
			// Default subscriptions need the subject; they are created once
			// validation has supplied it on the next session.
			c.log.Warn().Msg("no user id yet, deferring default subscriptions")
			return conn, nil
		}
		go c.createDefaults(ctx, userID)

	case msgKeepalive:
		// The transport watchdog already counts this frame.

	case msgNotification:
		c.handleNotification(env.Payload)

	case msgReconnect:
		var p sessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
			return conn, retry.E(retry.KindProtocol, "twitch.reconnect", fmt.Errorf("reconnect without url: %v", err))
		}
		c.setState(stateReconnecting, "")
		c.log.Info().Str("url", p.Session.ReconnectURL).Msg("server requested reconnect")

		next, err := c.dial(ctx, p.Session.ReconnectURL, owner)
		if err != nil {
			return conn, err
		}
		// Old session id is discarded; the server carries subscriptions over.
		conn.Close()
		return next, nil

	case msgRevocation:
		var p notificationPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.registry.Remove(p.Subscription.ID)
			c.log.Warn().
				Str("subscription_id", p.Subscription.ID).
				Str("type", p.Subscription.Type).
				Str("status", p.Subscription.Status).
				Msg("subscription revoked")
			c.publishStatus()
		}

	default:
		c.log.Debug().Str("message_type", env.Metadata.MessageType).Msg("ignoring message")
	}
	return conn, nil
}

// handleNotification validates and publishes one event.
func (c *Connector) handleNotification(payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn().Err(err).Msg("undecodable notification")
		return
	}
	c.registry.Touch(p.Subscription.ID, c.clock.Now())

	decoded, err := c.validator.Event(p.Subscription.Type, p.Event)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("twitch").Inc()
		c.log.Warn().Err(err).Str("type", p.Subscription.Type).Msg("rejected notification")
		return
	}

	ev := Event{
		Type:           p.Subscription.Type,
		Payload:        decoded,
		SubscriptionID: p.Subscription.ID,
		CorrelationID:  uuid.NewString(),
	}
	topic := TopicPrefix + ev.Type
	c.bus.Publish(topic, ev)
	metrics.EventsPublished.WithLabelValues(topic).Inc()
	if c.health != nil {
		c.health.Success()
	}
	clog := logging.WithCorrelation(c.log, ev.CorrelationID)
	clog.Debug().Str("type", ev.Type).Msg("published")
}

// Create registers one subscription, idempotently by fingerprint.
func (c *Connector) Create(ctx context.Context, eventType string, condition map[string]string) (*Subscription, error) {
	c.mu.Lock()
	state, session, scopes := c.state, c.sessionID, c.scopes
	c.mu.Unlock()
	if state != stateReady || session == "" {
		return nil, retry.E(retry.KindServiceUnavailable, "twitch.create", fmt.Errorf("no ready session"))
	}

	cap, ok := CapabilityFor(eventType)
	if !ok {
		return nil, retry.E(retry.KindConfigInvalid, "twitch.create", fmt.Errorf("unsupported event type %q", eventType))
	}
	if missing := hasScopes(cap.Scopes, scopes); len(missing) > 0 {
		return nil, retry.E(retry.KindScopeMissing, "twitch.create", fmt.Errorf("missing scopes %v for %s", missing, eventType))
	}
	if c.registry.Count() >= c.cfg.MaxSubscriptions {
		return nil, retry.E(retry.KindLimitExceeded, "twitch.create",
			fmt.Errorf("subscription count at limit %d", c.cfg.MaxSubscriptions))
	}
	if c.registry.TotalCost()+cap.Cost > c.cfg.MaxCost {
		return nil, retry.E(retry.KindLimitExceeded, "twitch.create",
			fmt.Errorf("subscription cost would exceed limit %d", c.cfg.MaxCost))
	}

	fp := Fingerprint(eventType, condition)
	existing, reserved := c.registry.Reserve(fp)
	if existing != nil {
		return existing, nil
	}
	if !reserved {
		return nil, retry.E(retry.KindDuplicate, "twitch.create", fmt.Errorf("create already in flight for %s", fp))
	}

	sub, err := c.helix.CreateSubscription(ctx, eventType, cap.Version, condition, session)
	if err != nil {
		c.registry.Release(fp)
		return nil, err
	}
	c.registry.Commit(sub)
	c.log.Info().Str("type", eventType).Str("subscription_id", sub.ID).Int("cost", sub.Cost).Msg("subscribed")
	c.publishStatus()
	return sub, nil
}

// createDefaults brings up the default subscription set: critical types with
// up to three attempts each (base 1s, ceiling 5s), standard types once.
func (c *Connector) createDefaults(ctx context.Context, userID string) {
	var critical, standard []string
	for _, et := range DefaultEventTypes() {
		if cap, _ := CapabilityFor(et); cap.Critical {
			critical = append(critical, et)
		} else {
			standard = append(standard, et)
		}
	}

	c.createGroup(ctx, critical, userID, criticalConcurrency, retry.Policy{
		MaxAttempts: 3,
		Base:        time.Second,
		Ceiling:     5 * time.Second,
		Clock:       c.clock,
	})
	c.createGroup(ctx, standard, userID, standardConcurrency, retry.Policy{MaxAttempts: 1})
}

func (c *Connector) createGroup(ctx context.Context, types []string, userID string, concurrency int, policy retry.Policy) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, et := range types {
		g.Go(func() error {
			cap, _ := CapabilityFor(et)
			err := retry.Do(ctx, policy, func(ctx context.Context) error {
				_, err := c.Create(ctx, et, cap.Condition(userID))
				return err
			})
			switch retry.KindOf(err) {
			case retry.KindDuplicate:
				// Already present; nothing to do.
			default:
				if err != nil {
					c.log.Warn().Err(err).Str("type", et).Msg("default subscription failed")
					if c.health != nil {
						c.health.Error()
					}
				}
			}
			return nil // individual failures never stop the group
		})
	}
	g.Wait()
}

// shutdown deletes the session's subscriptions with bounded concurrency,
// tolerating individual failures.
func (c *Connector) shutdown() {
	subs := c.registry.All()
	if len(subs) == 0 {
		return
	}
	c.log.Info().Int("count", len(subs)).Msg("deleting subscriptions")

	g := new(errgroup.Group)
	g.SetLimit(cleanupConcurrency)
	for _, sub := range subs {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if err := c.helix.DeleteSubscription(ctx, sub.ID); err != nil {
				c.log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("delete failed")
			}
			return nil
		})
	}
	g.Wait()
	c.registry.Clear()
}

// setState records a transition and publishes the new snapshot.
func (c *Connector) setState(state, sessionID string) {
	c.mu.Lock()
	changed := c.state != state || c.sessionID != sessionID
	c.state = state
	if state == stateDisconnected || sessionID != "" {
		c.sessionID = sessionID
	}
	if changed {
		c.since = c.clock.Now()
	}
	c.mu.Unlock()
	if changed {
		c.publishStatus()
	}
}

func (c *Connector) publishStatus() {
	if c.pub != nil {
		c.pub.Publish(c.Status())
	}
}

func (c *Connector) snapshotUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}
