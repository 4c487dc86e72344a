// Package ironmon accepts the IronMON Connect TCP feed: length-prefixed JSON
// telemetry from the game tracker. Valid messages are enriched with a source
// and correlation id and published on the events topic; seed and checkpoint
// messages additionally update the challenge store.
package ironmon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/logging"
	"github.com/whisper-darkly/switchboard/metrics"
	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/service"
)

// EventsTopic carries every published IronMON event.
const EventsTopic = "ironmon:events"

// DefaultChallengeName labels the challenge attempts attach to until
// challenge management grows a surface of its own.
const DefaultChallengeName = "default"

const readBufSize = 4 << 10

// Server is the TCP connector. It implements service.Runner.
type Server struct {
	addr   string
	bus    *bus.Bus
	store  Store // nil disables bookkeeping
	log    zerolog.Logger
	health *service.HealthTracker

	mu        sync.Mutex
	listening bool
	bound     string
	since     time.Time
	challenge *Challenge
	attempt   *Attempt
}

// NewServer builds the connector. store may be nil when bookkeeping is
// disabled; events still flow.
func NewServer(addr string, b *bus.Bus, store Store, log zerolog.Logger, health *service.HealthTracker) *Server {
	return &Server{
		addr:   addr,
		bus:    b,
		store:  store,
		log:    logging.Component(log, "ironmon"),
		health: health,
	}
}

func (s *Server) Name() string { return "ironmon" }

// Addr returns the bound listen address, useful when the configured address
// picked an ephemeral port. Empty until Run has bound.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Status reports the listener state and challenge bookkeeping position.
func (s *Server) Status() service.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := service.Status{
		Name:      "ironmon",
		State:     "stopped",
		Connected: s.listening,
		Since:     s.since,
	}
	if s.listening {
		st.State = "listening"
	}
	if s.health != nil {
		st.Health = s.health.Snapshot()
	}
	return st
}

// Run listens on the configured address until ctx ends. Each accepted
// connection gets its own framer; a single tracker connection is the normal
// case but concurrent connections are harmless.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return retry.E(retry.KindNetwork, "ironmon.listen", err)
	}

	if s.store != nil {
		ch, err := s.store.EnsureChallenge(ctx, DefaultChallengeName)
		if err != nil {
			ln.Close()
			return retry.E(retry.KindInternal, "ironmon.challenge", err)
		}
		cur, err := s.store.CurrentAttempt(ctx, ch.ID)
		if err != nil {
			ln.Close()
			return retry.E(retry.KindInternal, "ironmon.challenge", err)
		}
		s.mu.Lock()
		s.challenge, s.attempt = ch, cur
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.listening = true
	s.bound = ln.Addr().String()
	s.since = time.Now()
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	defer func() {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return retry.E(retry.KindNetwork, "ironmon.accept", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("tracker connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var framer Framer
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, raw := range framer.Feed(buf[:n]) {
				s.handleMessage(ctx, raw, log)
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Info().Err(err).Msg("tracker disconnected")
			}
			return
		}
	}
}

// handleMessage validates one framed message, applies its side effects and
// publishes it. Heartbeats keep the feed alive but are not published.
func (s *Server) handleMessage(ctx context.Context, raw []byte, log zerolog.Logger) {
	msg, err := decode(raw)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("ironmon").Inc()
		log.Warn().Err(err).Msg("rejected message")
		return
	}

	if msg.Type == "heartbeat" {
		return
	}
	if msg.Type == "error" {
		log.Warn().
			Interface("code", msg.Metadata["code"]).
			Interface("message", msg.Metadata["message"]).
			Msg("tracker reported error")
	}

	s.applySideEffects(ctx, msg, log)

	ev := Event{
		Type:          msg.Type,
		Metadata:      msg.Metadata,
		Source:        "tcp",
		CorrelationID: uuid.NewString(),
	}
	s.bus.Publish(EventsTopic, ev)
	metrics.EventsPublished.WithLabelValues(EventsTopic).Inc()
	if s.health != nil {
		s.health.Success()
	}
	clog := logging.WithCorrelation(log, ev.CorrelationID)
	clog.Debug().Str("type", ev.Type).Msg("published")
}

// applySideEffects delegates seed and checkpoint bookkeeping to the store.
// Store failures degrade health but never block publication.
func (s *Server) applySideEffects(ctx context.Context, msg *Message, log zerolog.Logger) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	challenge, attempt := s.challenge, s.attempt
	s.mu.Unlock()
	if challenge == nil {
		return
	}

	switch msg.Type {
	case "seed":
		a, err := s.store.StartAttempt(ctx, challenge.ID, intOf(msg.Metadata["count"]))
		if err != nil {
			s.recordStoreError(err, "start attempt", log)
			return
		}
		s.mu.Lock()
		s.attempt = a
		s.mu.Unlock()

	case "checkpoint":
		if attempt == nil {
			log.Warn().Msg("checkpoint before any seed; not recorded")
			return
		}
		name, _ := msg.Metadata["name"].(string)
		if err := s.store.RecordCheckpoint(ctx, attempt.ID, intOf(msg.Metadata["id"]), name); err != nil {
			s.recordStoreError(err, "record checkpoint", log)
		}
	}
}

func (s *Server) recordStoreError(err error, what string, log zerolog.Logger) {
	if s.health != nil {
		s.health.Error()
	}
	log.Error().Err(err).Msg("store: " + what)
}
