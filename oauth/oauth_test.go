package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/tokenstore"
)

func newManager(t *testing.T, tokenURL, validateURL string, rec *tokenstore.Record, clock clockwork.Clock) (*Manager, tokenstore.Store) {
	t.Helper()
	store, err := tokenstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		if err := store.Save("twitch", rec); err != nil {
			t.Fatal(err)
		}
	}
	m := New(Config{
		Provider:     "twitch",
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
		ValidateURL:  validateURL,
	}, store, clock, zerolog.Nop())
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	return m, store
}

func TestTokenMissing(t *testing.T) {
	m, _ := newManager(t, "", "", nil, clockwork.NewFakeClock())
	_, err := m.Token(context.Background())
	if retry.KindOf(err) != retry.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestTokenFreshIsReturnedWithoutRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &tokenstore.Record{AccessToken: "a", RefreshToken: "r", ExpiresAt: clock.Now().Add(time.Hour)}
	m, _ := newManager(t, "http://127.0.0.1:0", "", rec, clock)

	got, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a" {
		t.Fatalf("got %q", got.AccessToken)
	}
}

func TestTokenExpiredNoRefreshToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &tokenstore.Record{AccessToken: "a", ExpiresAt: clock.Now().Add(-time.Hour)}
	m, _ := newManager(t, "", "", rec, clock)

	_, err := m.Token(context.Background())
	if retry.KindOf(err) != retry.KindAuthExpired {
		t.Fatalf("expected auth_expired, got %v", err)
	}
}

func TestRefreshSerializedAcrossCallers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new","refresh_token":"newr","expires_in":3600,"scope":["chat:read"]}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	rec := &tokenstore.Record{AccessToken: "old", RefreshToken: "r", ExpiresAt: clock.Now().Add(-time.Minute), UserID: "42"}
	m, store := newManager(t, srv.URL, "", rec, clock)

	const callers = 8
	tokens := make([]*tokenstore.Record, callers)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			tok, err := m.Token(context.Background())
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	started.Wait()
	// Give every caller time to join the in-flight refresh before it resolves.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one provider call, got %d", got)
	}
	for i, tok := range tokens {
		if tok == nil || tok.AccessToken != "new" {
			t.Fatalf("caller %d observed %+v", i, tok)
		}
	}

	// Write-through: the store holds the refreshed record.
	persisted, err := store.Load("twitch")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.AccessToken != "new" || persisted.RefreshToken != "newr" {
		t.Fatalf("persisted %+v", persisted)
	}
	if persisted.UserID != "42" {
		t.Error("subject identifier should survive refresh")
	}
}

func TestRefreshDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Invalid refresh token"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	rec := &tokenstore.Record{AccessToken: "old", RefreshToken: "bad", ExpiresAt: clock.Now().Add(-time.Minute)}
	m, _ := newManager(t, srv.URL, "", rec, clock)

	_, err := m.Token(context.Background())
	if retry.KindOf(err) != retry.KindAuthDenied {
		t.Fatalf("expected auth_denied, got %v", err)
	}
}

func TestValidateCapturesSubjectAndScopes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "OAuth tok" {
			t.Errorf("auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user_id":"12826","login":"whisper","scopes":["chat:read","moderator:read:followers"],"expires_in":5000}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	rec := &tokenstore.Record{AccessToken: "tok", ExpiresAt: clock.Now().Add(time.Hour)}
	m, _ := newManager(t, "", srv.URL, rec, clock)

	v, err := m.Validate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.UserID != "12826" || len(v.Scopes) != 2 {
		t.Fatalf("validation %+v", v)
	}

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.UserID != "12826" || !tok.HasScope("moderator:read:followers") {
		t.Fatalf("record not updated: %+v", tok)
	}
}

func TestValidateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":401}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	rec := &tokenstore.Record{AccessToken: "tok", ExpiresAt: clock.Now().Add(time.Hour)}
	m, _ := newManager(t, "", srv.URL, rec, clock)

	_, err := m.Validate(context.Background())
	if retry.KindOf(err) != retry.KindAuthExpired {
		t.Fatalf("expected auth_expired, got %v", err)
	}
}
