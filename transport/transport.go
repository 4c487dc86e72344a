// Package transport is the owner-notified WebSocket client. The owner (a
// connector) receives every lifecycle signal and inbound frame on a single
// channel, so all connector state mutation stays on the owner's goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/retry"
)

// Event is a notification delivered to the owner.
type Event interface{ transportEvent() }

// Connected reports a completed upgrade; the read pump is running.
type Connected struct{}

// Frame carries one inbound message.
type Frame struct{ Data []byte }

// Disconnected reports that the connection is gone. Reason carries the
// classified error (keepalive_timeout, network, ...).
type Disconnected struct{ Reason error }

func (Connected) transportEvent()    {}
func (Frame) transportEvent()        {}
func (Disconnected) transportEvent() {}

// bodyPrefixLen caps how much of a failed upgrade body is kept for the error.
const bodyPrefixLen = 256

// alternates are the browser-like header sets tried when a CDN-fronted
// endpoint rejects the upgrade with a 400. Rotating these is load-bearing:
// the production CloudFront distribution intermittently rejects the plain
// client header set.
var alternates = []struct{ userAgent, origin string }{
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "https://www.twitch.tv"},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15", "https://twitch.tv"},
}

// Conn is a single-use WebSocket connection. Create a fresh Conn per dial;
// after Disconnected the owner discards it.
type Conn struct {
	url   string
	owner chan<- Event
	clock clockwork.Clock
	log   zerolog.Logger

	dialer *websocket.Dialer

	mu                sync.Mutex
	ws                *websocket.Conn
	watchdog          clockwork.Timer
	keepaliveDeadline time.Duration
	timedOut          bool
	closed            bool

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a Conn targeting url that notifies owner.
func New(url string, owner chan<- Event, clock clockwork.Clock, log zerolog.Logger) *Conn {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Conn{
		url:    url,
		owner:  owner,
		clock:  clock,
		log:    log.With().Str("component", "transport").Str("url", url).Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:   make(chan struct{}),
	}
}

// Connect dials and upgrades, emits Connected to the owner and starts the
// read pump. On a CDN-style 400 it retries up to twice with alternate
// browser header sets before surfacing the final failure.
func (c *Conn) Connect(ctx context.Context, headers http.Header) error {
	hdr := cloneHeader(headers)

	var lastErr error
	for attempt := 0; attempt <= len(alternates); attempt++ {
		if attempt > 0 {
			alt := alternates[attempt-1]
			hdr.Set("User-Agent", alt.userAgent)
			hdr.Set("Origin", alt.origin)
			c.log.Warn().Int("attempt", attempt+1).Msg("retrying upgrade with alternate headers")
		}

		ws, resp, err := c.dialer.DialContext(ctx, c.url, hdr)
		if err == nil {
			c.mu.Lock()
			c.ws = ws
			c.mu.Unlock()
			c.emit(Connected{})
			go c.readPump(ws)
			return nil
		}

		lastErr = c.classifyDialError(err, resp)
		if resp != nil {
			resp.Body.Close()
		}
		// Only the CDN 400 case earns the alternate-header retries.
		if retry.KindOf(lastErr) != retry.KindProtocol || !isCDNReject(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// cdnRejectError marks an upgrade failure as a CDN-style 400.
type cdnRejectError struct{ error }

func isCDNReject(err error) bool {
	var c cdnRejectError
	return errors.As(err, &c)
}

func (c *Conn) classifyDialError(err error, resp *http.Response) error {
	if resp == nil {
		return retry.E(retry.KindNetwork, "transport.connect", err)
	}

	body := ""
	if resp.Body != nil {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPrefixLen))
		body = strings.TrimSpace(string(raw))
	}
	statErr := fmt.Errorf("upgrade failed: status %d: %.256s", resp.StatusCode, body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		// Owner should refresh its token and redial.
		return retry.E(retry.KindAuthExpired, "transport.connect", statErr)
	case http.StatusTooManyRequests:
		e := retry.E(retry.KindRateLimited, "transport.connect", statErr)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(body), "cloudfront") || strings.HasPrefix(body, "<!DOCTYPE") {
			return retry.E(retry.KindProtocol, "transport.connect", cdnRejectError{statErr})
		}
		return retry.E(retry.KindProtocol, "transport.connect", statErr)
	default:
		return retry.E(retry.KindProtocol, "transport.connect", statErr)
	}
}

// SetKeepalive arms the watchdog: no inbound frame for 2× interval reports
// Disconnected{keepalive_timeout}. Any received frame resets it.
func (c *Conn) SetKeepalive(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.keepaliveDeadline = 2 * interval
	c.watchdog = c.clock.AfterFunc(c.keepaliveDeadline, func() {
		c.mu.Lock()
		c.timedOut = true
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			ws.Close() // read pump surfaces the disconnect
		}
	})
}

func (c *Conn) resetWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog.Reset(c.keepaliveDeadline)
	}
}

func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			timedOut := c.timedOut
			closed := c.closed
			if c.watchdog != nil {
				c.watchdog.Stop()
			}
			c.mu.Unlock()

			if closed {
				return
			}
			reason := retry.E(retry.KindNetwork, "transport.read", err)
			if timedOut {
				reason = retry.E(retry.KindKeepaliveTimeout, "transport.read", errors.New("no frame within 2x keepalive interval"))
			}
			c.emit(Disconnected{Reason: reason})
			return
		}
		c.resetWatchdog()
		c.emit(Frame{Data: raw})
	}
}

// Send writes one text frame. Best-effort: a transport loss after the write
// is reported through Disconnected, not here.
func (c *Conn) Send(v []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return retry.E(retry.KindNetwork, "transport.send", errors.New("not connected"))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, v); err != nil {
		return retry.E(retry.KindNetwork, "transport.send", err)
	}
	return nil
}

// Close tears the connection down without emitting Disconnected. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ws.Close()
	}
	return nil
}

// emit delivers ev to the owner unless the Conn is already closed.
func (c *Conn) emit(ev Event) {
	select {
	case c.owner <- ev:
	case <-c.done:
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
