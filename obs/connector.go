// Package obs is the OBS Studio connector: obs-websocket v5 handshake,
// request/response correlation, and a cached projection of the studio state
// (current scene, output flags) published on scene and output changes.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/config"
	"github.com/whisper-darkly/switchboard/logging"
	"github.com/whisper-darkly/switchboard/metrics"
	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/service"
	"github.com/whisper-darkly/switchboard/transport"
)

// EventsTopic carries every published OBS event.
const EventsTopic = "obs:events"

// TopicPrefix namespaces per-event-type topics: "obs." + event type.
const TopicPrefix = "obs."

const (
	statsInterval  = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// Connection states.
const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateHello        = "hello"
	stateIdentifying  = "identifying"
	stateReady        = "ready"
)

// Projection is the cached studio state.
type Projection struct {
	Scene        string `json:"scene"`
	Streaming    bool   `json:"streaming"`
	Recording    bool   `json:"recording"`
	StudioMode   bool   `json:"studio_mode"`
	VirtualCam   bool   `json:"virtual_cam"`
	ReplayBuffer bool   `json:"replay_buffer"`
}

// Event is a published OBS event.
type Event struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id"`
}

type result struct {
	resp *responseData
	err  error
}

type pendingRequest struct {
	ch chan result
}

// Connector implements service.Runner for the OBS session.
type Connector struct {
	cfg    config.OBS
	bus    *bus.Bus
	clock  clockwork.Clock
	log    zerolog.Logger
	health *service.HealthTracker
	pub    *service.Publisher

	mu    sync.Mutex
	state string
	since time.Time
	proj  Projection
	conn  *transport.Conn

	pmu     sync.Mutex
	pending map[string]*pendingRequest
}

// New builds the connector.
func New(cfg config.OBS, b *bus.Bus, clock clockwork.Clock, log zerolog.Logger, health *service.HealthTracker, pub *service.Publisher) *Connector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Connector{
		cfg:     cfg,
		bus:     b,
		clock:   clock,
		log:     logging.Component(log, "obs"),
		health:  health,
		pub:     pub,
		state:   stateDisconnected,
		pending: make(map[string]*pendingRequest),
	}
}

func (c *Connector) Name() string { return "obs" }

// Status reports the session snapshot; Scene comes from the projection.
func (c *Connector) Status() service.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := service.Status{
		Name:      "obs",
		State:     c.state,
		Connected: c.state == stateReady,
		Since:     c.since,
		Scene:     c.proj.Scene,
	}
	if c.health != nil {
		st.Health = c.health.Snapshot()
	}
	return st
}

// State returns a copy of the current projection.
func (c *Connector) State() Projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj
}

// Run owns one session: connect, handshake, process frames until the
// transport drops or ctx ends.
func (c *Connector) Run(ctx context.Context) error {
	defer c.setState(stateDisconnected)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	owner := make(chan transport.Event, 64)
	conn := transport.New(c.cfg.URL, owner, c.clock, c.log)

	c.setState(stateConnecting)
	if err := conn.Connect(ctx, nil); err != nil {
		if c.health != nil {
			c.health.Error()
		}
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	defer c.failPending(retry.E(retry.KindNetwork, "obs.request", errors.New("session ended")))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-owner:
			switch e := ev.(type) {
			case transport.Connected:
				c.setState(stateHello)
			case transport.Frame:
				if err := c.handleFrame(runCtx, conn, e.Data); err != nil {
					return err
				}
			case transport.Disconnected:
				if c.health != nil {
					c.health.Error()
				}
				return e.Reason
			}
		}
	}
}

func (c *Connector) handleFrame(ctx context.Context, conn *transport.Conn, raw []byte) error {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn().Err(err).Msg("undecodable frame")
		return nil
	}

	switch msg.Op {
	case opHello:
		var hello helloData
		if err := json.Unmarshal(msg.D, &hello); err != nil {
			return retry.E(retry.KindProtocol, "obs.hello", err)
		}
		identify := identifyData{RPCVersion: 1, EventSubscriptions: defaultSubscriptions}
		if hello.Authentication != nil {
			if c.cfg.Password == "" {
				return retry.E(retry.KindConfigInvalid, "obs.hello",
					errors.New("server requires authentication and no password is configured"))
			}
			identify.Authentication = authToken(c.cfg.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
		}
		c.setState(stateIdentifying)
		return conn.Send(envelope(opIdentify, identify))

	case opIdentified:
		c.setState(stateReady)
		if c.health != nil {
			c.health.Success()
		}
		c.log.Info().Msg("identified")
		go c.primeProjection(ctx)
		go c.statsLoop(ctx, conn)

	case opEvent:
		if c.currentState() != stateReady {
			c.log.Warn().Msg("event before identified, discarding")
			return nil
		}
		var ev eventData
		if err := json.Unmarshal(msg.D, &ev); err != nil {
			c.log.Warn().Err(err).Msg("undecodable event")
			return nil
		}
		c.handleEvent(ev)

	case opRequestResponse:
		var resp responseData
		if err := json.Unmarshal(msg.D, &resp); err != nil {
			c.log.Warn().Err(err).Msg("undecodable response")
			return nil
		}
		c.routeResponse(&resp)

	default:
		c.log.Debug().Int("op", msg.Op).Msg("ignoring opcode")
	}
	return nil
}

// handleEvent updates the projection and publishes the event.
func (c *Connector) handleEvent(ev eventData) {
	var data map[string]any
	if len(ev.EventData) > 0 {
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			c.log.Warn().Err(err).Str("type", ev.EventType).Msg("undecodable event data")
			return
		}
	}

	changed := true
	c.mu.Lock()
	switch ev.EventType {
	case "CurrentProgramSceneChanged":
		c.proj.Scene, _ = data["sceneName"].(string)
	case "StreamStateChanged":
		c.proj.Streaming, _ = data["outputActive"].(bool)
	case "RecordStateChanged":
		c.proj.Recording, _ = data["outputActive"].(bool)
	case "StudioModeStateChanged":
		c.proj.StudioMode, _ = data["studioModeEnabled"].(bool)
	case "VirtualcamStateChanged":
		c.proj.VirtualCam, _ = data["outputActive"].(bool)
	case "ReplayBufferStateChanged":
		c.proj.ReplayBuffer, _ = data["outputActive"].(bool)
	default:
		changed = false
	}
	c.mu.Unlock()

	out := Event{Type: ev.EventType, Data: data, CorrelationID: uuid.NewString()}
	c.bus.Publish(EventsTopic, out)
	metrics.EventsPublished.WithLabelValues(EventsTopic).Inc()
	topic := TopicPrefix + ev.EventType
	c.bus.Publish(topic, out)
	metrics.EventsPublished.WithLabelValues(topic).Inc()

	if changed {
		c.publishStatus()
	}
}

// Request sends one tracked request and waits for its response. Kinds:
// network (no live session), timeout, protocol (request rejected).
func (c *Connector) Request(ctx context.Context, requestType string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != stateReady {
		return nil, retry.E(retry.KindNetwork, "obs.request", errors.New("no identified session"))
	}

	id := uuid.NewString()
	p := &pendingRequest{ch: make(chan result, 1)}
	c.pmu.Lock()
	c.pending[id] = p
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
	}()

	if err := conn.Send(envelope(opRequest, requestData{RequestType: requestType, RequestID: id, RequestData: data})); err != nil {
		return nil, err
	}

	timer := c.clock.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.Chan():
		return nil, retry.E(retry.KindTimeout, "obs.request", fmt.Errorf("%s: no response within %s", requestType, requestTimeout))
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if !res.resp.RequestStatus.Result {
			return nil, retry.E(retry.KindProtocol, "obs.request",
				fmt.Errorf("%s rejected: code %d: %s", requestType, res.resp.RequestStatus.Code, res.resp.RequestStatus.Comment))
		}
		return res.resp.ResponseData, nil
	}
}

// routeResponse pops the pending entry for a response. Unclaimed stats
// responses are expected; the periodic probe does not track them.
func (c *Connector) routeResponse(resp *responseData) {
	c.pmu.Lock()
	p := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.pmu.Unlock()

	if p != nil {
		p.ch <- result{resp: resp}
		return
	}
	if resp.RequestType == "GetStats" {
		c.log.Debug().Msg("unclaimed stats response")
		return
	}
	c.log.Debug().Str("request_id", resp.RequestID).Str("type", resp.RequestType).Msg("unclaimed response")
}

func (c *Connector) failPending(err error) {
	c.pmu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.pmu.Unlock()
	for _, p := range pending {
		p.ch <- result{err: err}
	}
}

// primeProjection seeds the projection with the studio's current state.
func (c *Connector) primeProjection(ctx context.Context) {
	fetch := []struct {
		request string
		field   string
		apply   func(p *Projection, v any)
	}{
		{"GetCurrentProgramScene", "currentProgramSceneName", func(p *Projection, v any) { p.Scene, _ = v.(string) }},
		{"GetStreamStatus", "outputActive", func(p *Projection, v any) { p.Streaming, _ = v.(bool) }},
		{"GetRecordStatus", "outputActive", func(p *Projection, v any) { p.Recording, _ = v.(bool) }},
		{"GetStudioModeEnabled", "studioModeEnabled", func(p *Projection, v any) { p.StudioMode, _ = v.(bool) }},
		{"GetVirtualCamStatus", "outputActive", func(p *Projection, v any) { p.VirtualCam, _ = v.(bool) }},
		{"GetReplayBufferStatus", "outputActive", func(p *Projection, v any) { p.ReplayBuffer, _ = v.(bool) }},
	}

	for _, f := range fetch {
		raw, err := c.Request(ctx, f.request, nil)
		if err != nil {
			c.log.Warn().Err(err).Str("request", f.request).Msg("projection fetch failed")
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		c.mu.Lock()
		f.apply(&c.proj, data[f.field])
		c.mu.Unlock()
	}
	c.publishStatus()
}

// statsLoop issues an untracked GetStats every 5 s while the session lives.
func (c *Connector) statsLoop(ctx context.Context, conn *transport.Conn) {
	ticker := c.clock.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			req := requestData{RequestType: "GetStats", RequestID: "stats-" + uuid.NewString()}
			if err := conn.Send(envelope(opRequest, req)); err != nil {
				return
			}
		}
	}
}

func (c *Connector) currentState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(state string) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
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
