package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/cache"
	"github.com/whisper-darkly/switchboard/service"
)

// stubRunner is a Runner with a settable snapshot.
type stubRunner struct {
	mu sync.Mutex
	st service.Status
}

func (s *stubRunner) Name() string { return s.status().Name }
func (s *stubRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s *stubRunner) Status() service.Status { return s.status() }

func (s *stubRunner) status() service.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *stubRunner) set(st service.Status) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func setup(t *testing.T) (*stubRunner, *stubRunner, *cache.Cache, http.Handler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r1 := &stubRunner{st: service.Status{Name: "twitch", State: "ready", Connected: true,
		Health: service.Health{Status: service.HealthOK}}}
	r2 := &stubRunner{st: service.Status{Name: "obs", State: "disconnected",
		Health: service.Health{Status: service.HealthOK}}}

	hosts := []*service.Host{
		service.NewHost(r1, clock, zerolog.Nop(), nil),
		service.NewHost(r2, clock, zerolog.Nop(), nil),
	}
	c := cache.New(0, clock)
	return r1, r2, c, New(hosts, c), clock
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
	}
	return rec, body
}

func TestStatusListsAllConnectors(t *testing.T) {
	_, _, _, h, _ := setup(t)

	rec, body := get(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
	if len(body) != 2 {
		t.Fatalf("body %v", body)
	}
	tw := body["twitch"].(map[string]any)
	if tw["state"] != "ready" || tw["connected"] != true {
		t.Fatalf("twitch %v", tw)
	}
}

func TestStatusIsMemoizedUntilInvalidated(t *testing.T) {
	r1, _, c, h, _ := setup(t)

	if _, body := get(t, h, "/api/status"); body["twitch"].(map[string]any)["state"] != "ready" {
		t.Fatal("first read")
	}

	// Within the TTL, a state change is not visible until the publisher
	// invalidates the full-state namespace.
	r1.set(service.Status{Name: "twitch", State: "disconnected"})
	if _, body := get(t, h, "/api/status"); body["twitch"].(map[string]any)["state"] != "ready" {
		t.Fatal("memoized aggregate should survive within the TTL")
	}

	c.InvalidateNamespace(service.FullStateNamespace)
	if _, body := get(t, h, "/api/status"); body["twitch"].(map[string]any)["state"] != "disconnected" {
		t.Fatal("invalidated aggregate should recompute")
	}
}

func TestStatusAggregateExpiresWithTTL(t *testing.T) {
	r1, _, _, h, clock := setup(t)

	get(t, h, "/api/status")
	r1.set(service.Status{Name: "twitch", State: "reconnecting"})
	clock.Advance(service.StatusTTL)

	if _, body := get(t, h, "/api/status"); body["twitch"].(map[string]any)["state"] != "reconnecting" {
		t.Fatal("expired aggregate should recompute")
	}
}

func TestConnectorStatusPrefersCachedSnapshot(t *testing.T) {
	_, _, c, h, _ := setup(t)

	// A published snapshot lands in the status namespace.
	c.Set(service.StatusNamespace, "twitch",
		service.Status{Name: "twitch", State: "welcomed"}, service.StatusTTL)

	_, body := get(t, h, "/api/status/twitch")
	if body["state"] != "welcomed" {
		t.Fatalf("body %v", body)
	}
}

func TestConnectorStatusFallsBackToRunner(t *testing.T) {
	_, _, _, h, _ := setup(t)

	rec, body := get(t, h, "/api/status/obs")
	if rec.Code != http.StatusOK || body["state"] != "disconnected" {
		t.Fatalf("code %d body %v", rec.Code, body)
	}
}

func TestUnknownConnectorIs404(t *testing.T) {
	_, _, _, h, _ := setup(t)
	rec, body := get(t, h, "/api/status/mixer")
	if rec.Code != http.StatusNotFound || body["error"] == "" {
		t.Fatalf("code %d body %v", rec.Code, body)
	}
}

func TestHealthAggregation(t *testing.T) {
	r1, _, _, h, _ := setup(t)

	rec, body := get(t, h, "/api/health")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code %d body %v", rec.Code, body)
	}

	r1.set(service.Status{Name: "twitch", Health: service.Health{Status: service.HealthDegraded}})
	if rec, body := get(t, h, "/api/health"); rec.Code != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("degraded: code %d body %v", rec.Code, body)
	}

	r1.set(service.Status{Name: "twitch", Health: service.Health{Status: service.HealthDown}})
	if rec, body := get(t, h, "/api/health"); rec.Code != http.StatusServiceUnavailable || body["status"] != "down" {
		t.Fatalf("down: code %d body %v", rec.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, _, h, _ := setup(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
}
