package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/config"
	"github.com/whisper-darkly/switchboard/oauth"
	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/service"
	"github.com/whisper-darkly/switchboard/tokenstore"
	"github.com/whisper-darkly/switchboard/validate"
)

var allScopes = []string{
	"moderator:read:followers", "user:read:chat",
	"channel:read:subscriptions", "bits:read",
}

// memTokens is an in-memory tokenstore.Store.
type memTokens struct {
	mu  sync.Mutex
	rec *tokenstore.Record
}

func (m *memTokens) Load(string) (*tokenstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	cp := *m.rec
	return &cp, nil
}

func (m *memTokens) Save(_ string, rec *tokenstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.rec = &cp
	return nil
}

func (m *memTokens) Delete(string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

// fixture wires a connector against fake id, helix and eventsub servers.
type fixture struct {
	c       *Connector
	bus     *bus.Bus
	clock   *clockwork.FakeClock
	creates *atomic.Int32
}

func newFixture(t *testing.T, helixHandler, wsHandler http.HandlerFunc) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()

	idSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/validate"):
			json.NewEncoder(w).Encode(map[string]any{
				"user_id": "42", "login": "whisper", "scopes": allScopes, "expires_in": 3600,
			})
		case strings.HasSuffix(r.URL.Path, "/token"):
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "fresh", "refresh_token": "r2", "expires_in": 3600, "scope": allScopes,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(idSrv.Close)

	var creates atomic.Int32
	if helixHandler == nil {
		helixHandler = func(w http.ResponseWriter, r *http.Request) {
			n := creates.Add(1)
			var req struct {
				Type      string            `json:"type"`
				Version   string            `json:"version"`
				Condition map[string]string `json:"condition"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{
				"id": fmt.Sprintf("sub-%d", n), "type": req.Type, "version": req.Version,
				"condition": req.Condition, "cost": 1, "created_at": time.Now(),
			}}})
		}
	}
	helixSrv := httptest.NewServer(helixHandler)
	t.Cleanup(helixSrv.Close)

	store := &memTokens{rec: &tokenstore.Record{
		AccessToken:  "tok",
		RefreshToken: "r1",
		ExpiresAt:    clock.Now().Add(2 * time.Hour),
		Scopes:       allScopes,
		UserID:       "42",
	}}
	tokens := oauth.New(oauth.Config{
		Provider:    "twitch",
		ClientID:    "cid",
		TokenURL:    idSrv.URL + "/token",
		ValidateURL: idSrv.URL + "/validate",
	}, store, clock, zerolog.Nop())
	if err := tokens.Load(); err != nil {
		t.Fatal(err)
	}

	cfg := config.Twitch{
		ClientID:         "cid",
		ClientSecret:     "sec",
		MaxSubscriptions: 300,
		MaxCost:          10,
	}
	if wsHandler != nil {
		wsSrv := httptest.NewServer(wsHandler)
		t.Cleanup(wsSrv.Close)
		cfg.EventSubURL = "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	}

	b := bus.New(64)
	helix := NewHelix(helixSrv.URL, "cid", tokens, clock, zerolog.Nop())
	c := New(cfg, tokens, helix, b, validate.New(), clock, zerolog.Nop(), nil, nil)
	return &fixture{c: c, bus: b, clock: clock, creates: &creates}
}

// ready fakes an established session for unit-level Create tests.
func (f *fixture) ready(sessionID string) {
	f.c.mu.Lock()
	f.c.state = stateReady
	f.c.sessionID = sessionID
	f.c.userID = "42"
	f.c.scopes = allScopes
	f.c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for " + what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func welcomeHandler(keepaliveSeconds int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":"S1","keepalive_timeout_seconds":%d}}}`,
			keepaliveSeconds)))
		// Hold the connection; the client decides when it ends.
		ws.ReadMessage()
	}
}

func TestWelcomeBringsSessionReady(t *testing.T) {
	f := newFixture(t, nil, welcomeHandler(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- f.c.Run(ctx) }()

	waitFor(t, "ready state", func() bool {
		st := f.c.Status()
		return st.State == stateReady && st.SessionID == "S1"
	})

	// Default subscriptions are scheduled once the session is ready.
	want := len(DefaultEventTypes())
	waitFor(t, "default subscriptions", func() bool {
		return f.c.Status().Subscriptions == want
	})
	if got := int(f.creates.Load()); got != want {
		t.Fatalf("helix creates = %d, want %d", got, want)
	}

	// Keepalive 10 s arms the watchdog for 20 s: 19 s of silence is fine,
	// 20 s is a timeout.
	f.clock.BlockUntil(1)
	f.clock.Advance(20 * time.Second)

	select {
	case err := <-runErr:
		if retry.KindOf(err) != retry.KindKeepaliveTimeout {
			t.Fatalf("expected keepalive_timeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not end after keepalive expiry")
	}
}

// Missing credentials degrade the connector, not the process: the hosted
// session fails with config_invalid so the host backs off and retries.
func TestRunWithoutCredentialsIsConfigInvalid(t *testing.T) {
	clock := clockwork.NewFakeClock()
	health := service.NewHealthTracker("twitch", 0, clock)
	c := New(config.Twitch{}, nil, nil, bus.New(4), validate.New(), clock, zerolog.Nop(), health, nil)

	err := c.Run(context.Background())
	if retry.KindOf(err) != retry.KindConfigInvalid {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if st := c.Status(); st.Connected || st.Health.Status != service.HealthDegraded {
		t.Fatalf("status %+v", st)
	}
}

// A session counts as connected only once the welcome frame has supplied
// its id; between upgrade and welcome the snapshot must not claim one.
func TestConnectedImpliesSessionID(t *testing.T) {
	silent := func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.ReadMessage() // hold open, never send welcome
	}
	f := newFixture(t, nil, silent)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		f.c.Run(ctx)
		close(runDone)
	}()

	waitFor(t, "upgrade", func() bool { return f.c.Status().State == stateWelcomed })
	if st := f.c.Status(); st.Connected || st.SessionID != "" {
		t.Fatalf("connected without a session id: %+v", st)
	}

	cancel()
	<-runDone

	f.ready("S1")
	if st := f.c.Status(); !st.Connected || st.SessionID != "S1" {
		t.Fatalf("ready session must be connected: %+v", st)
	}
}

func TestCreateIsIdempotentByFingerprint(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.ready("S1")

	cond := map[string]string{"broadcaster_user_id": "42", "moderator_user_id": "42"}
	first, err := f.c.Create(context.Background(), "channel.follow", cond)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.c.Create(context.Background(), "channel.follow", cond)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if n := f.creates.Load(); n != 1 {
		t.Fatalf("provider called %d times", n)
	}
	if f.c.registry.Count() != 1 {
		t.Fatalf("count %d", f.c.registry.Count())
	}
}

func TestCreateRequiresScopes(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.ready("S1")
	f.c.mu.Lock()
	f.c.scopes = []string{"bits:read"}
	f.c.mu.Unlock()

	_, err := f.c.Create(context.Background(), "channel.follow",
		map[string]string{"broadcaster_user_id": "42", "moderator_user_id": "42"})
	if retry.KindOf(err) != retry.KindScopeMissing {
		t.Fatalf("expected scope_missing, got %v", err)
	}
	if f.creates.Load() != 0 {
		t.Fatal("provider must not be called without scopes")
	}
}

func TestCreateEnforcesCostLimit(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.ready("S1")
	f.c.cfg.MaxCost = 1
	f.c.registry.Commit(&Subscription{ID: "s0", Cost: 1, Fingerprint: "taken"})

	_, err := f.c.Create(context.Background(), "stream.online",
		map[string]string{"broadcaster_user_id": "42"})
	if retry.KindOf(err) != retry.KindLimitExceeded {
		t.Fatalf("expected limit_exceeded, got %v", err)
	}
}

func TestCreateWithoutSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.c.Create(context.Background(), "stream.online",
		map[string]string{"broadcaster_user_id": "42"})
	if retry.KindOf(err) != retry.KindServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", err)
	}
}

func TestRateLimitedCreateRetriesAfterHint(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{
			"id": "sub-1", "type": "channel.follow", "version": "2",
			"condition": map[string]string{"broadcaster_user_id": "42"}, "cost": 1,
			"created_at": time.Now(),
		}}})
	}
	f := newFixture(t, handler, nil)
	f.ready("S1")

	cond := map[string]string{"broadcaster_user_id": "42", "moderator_user_id": "42"}
	policy := retry.Policy{MaxAttempts: 3, Base: time.Second, Ceiling: 5 * time.Second, Clock: f.clock}

	done := make(chan error, 1)
	go func() {
		done <- retry.Do(context.Background(), policy, func(ctx context.Context) error {
			_, err := f.c.Create(ctx, "channel.follow", cond)
			return err
		})
	}()

	// The backoff for attempt 2 would be under 2 s; the Retry-After hint
	// floors it at 3 s.
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("retried before the hint elapsed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	f.clock.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retry never completed")
	}

	if n := calls.Load(); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
	if f.c.registry.Count() != 1 {
		t.Fatalf("stored %d subscriptions", f.c.registry.Count())
	}
}

func TestNotificationIsValidatedAndPublished(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.ready("S1")
	f.c.registry.Commit(&Subscription{ID: "abc", Type: "channel.follow", Cost: 1, Fingerprint: "fp"})

	sub := f.bus.Subscribe("twitch.channel.follow")

	payload := []byte(`{"subscription":{"id":"abc","type":"channel.follow"},"event":{"user_id":"7","user_login":"follower","broadcaster_user_id":"42"}}`)
	f.c.handleNotification(payload)

	select {
	case msg := <-sub.C:
		ev, ok := msg.Payload.(Event)
		if !ok {
			t.Fatalf("payload %T", msg.Payload)
		}
		if ev.Type != "channel.follow" || ev.Payload["user_id"] != "7" || ev.CorrelationID == "" {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no publication")
	}

	if got := f.c.registry.Get("fp").LastSeen; got.IsZero() {
		t.Fatal("last seen not stamped")
	}
}

func TestInvalidNotificationIsDropped(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.ready("S1")
	sub := f.bus.Subscribe("twitch.channel.follow")

	payload := []byte(`{"subscription":{"id":"abc","type":"channel.follow"},"event":{"user_id":"not-numeric","broadcaster_user_id":"42"}}`)
	f.c.handleNotification(payload)

	select {
	case msg := <-sub.C:
		t.Fatalf("invalid event published: %v", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRevocationRemovesSubscription(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.ready("S1")
	f.c.registry.Commit(&Subscription{ID: "abc", Type: "channel.follow", Cost: 1, Fingerprint: "fp"})

	frame := []byte(`{"metadata":{"message_type":"revocation"},"payload":{"subscription":{"id":"abc","type":"channel.follow","status":"authorization_revoked"}}}`)
	if _, err := f.c.handleFrame(context.Background(), nil, nil, frame); err != nil {
		t.Fatal(err)
	}
	if f.c.registry.Count() != 0 {
		t.Fatal("revoked subscription still tracked")
	}
}
