// Package oauth manages the OAuth credential lifecycle for a provider:
// load, validate, refresh-before-expiry, durable persistence. Refresh is
// serialized through singleflight so concurrent callers inside a refresh
// window share a single provider call and observe the same token.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/tokenstore"
)

// DefaultRefreshBuffer is how long before expiry a token is refreshed.
const DefaultRefreshBuffer = 5 * time.Minute

// Config identifies the provider and app credentials.
type Config struct {
	Provider     string // store key, e.g. "twitch"
	ClientID     string
	ClientSecret string

	// TokenURL and ValidateURL are the provider's token refresh and
	// validation endpoints.
	TokenURL    string
	ValidateURL string

	RefreshBuffer time.Duration
}

// Validation is the provider's answer for a live token.
type Validation struct {
	UserID    string
	Login     string
	Scopes    []string
	ExpiresIn time.Duration
}

// Manager owns the token record for one provider.
type Manager struct {
	cfg   Config
	store tokenstore.Store
	http  *http.Client
	clock clockwork.Clock
	log   zerolog.Logger

	sf singleflight.Group

	mu  sync.Mutex
	cur *tokenstore.Record
}

// New creates a Manager. Call Load before first use.
func New(cfg Config, store tokenstore.Store, clock clockwork.Clock, log zerolog.Logger) *Manager {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: 15 * time.Second},
		clock: clock,
		log:   log.With().Str("component", "oauth").Str("provider", cfg.Provider).Logger(),
	}
}

// Load reads the persisted record. A missing record is not an error; Token
// will report it when asked.
func (m *Manager) Load() error {
	rec, err := m.store.Load(m.cfg.Provider)
	if err != nil {
		return retry.E(retry.KindInternal, "oauth.load", err)
	}
	m.mu.Lock()
	m.cur = rec
	m.mu.Unlock()
	if rec != nil {
		m.log.Debug().Time("expires_at", rec.ExpiresAt).Msg("loaded persisted token")
	}
	return nil
}

// Token returns an unexpired access token, refreshing first when the record
// is inside the refresh buffer. Kinds: not_found (no record at all),
// auth_expired (expired with no refresh token), auth_denied (refresh denied).
func (m *Manager) Token(ctx context.Context) (*tokenstore.Record, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()

	if cur == nil {
		return nil, retry.E(retry.KindNotFound, "oauth.token", fmt.Errorf("no %s token in store", m.cfg.Provider))
	}
	if !cur.Expired(m.clock.Now(), m.cfg.RefreshBuffer) {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		return nil, retry.E(retry.KindAuthExpired, "oauth.token", fmt.Errorf("%s token expired and no refresh token held", m.cfg.Provider))
	}
	return m.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new record, persists it durably
// and swaps it in. Concurrent callers share one provider call.
func (m *Manager) Refresh(ctx context.Context) (*tokenstore.Record, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenstore.Record), nil
}

func (m *Manager) refresh(ctx context.Context) (*tokenstore.Record, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil || cur.RefreshToken == "" {
		return nil, retry.E(retry.KindAuthExpired, "oauth.refresh", fmt.Errorf("no refresh token for %s", m.cfg.Provider))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cur.RefreshToken},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.E(retry.KindInternal, "oauth.refresh", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, retry.E(retry.KindNetwork, "oauth.refresh", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, retry.E(retry.KindAuthDenied, "oauth.refresh",
			fmt.Errorf("provider rejected refresh: %d %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return nil, retry.E(retry.KindServiceUnavailable, "oauth.refresh",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, retry.E(retry.KindProtocol, "oauth.refresh", err)
	}

	rec := &tokenstore.Record{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    m.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Scopes:       payload.Scope,
		UserID:       cur.UserID,
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = cur.RefreshToken
	}
	if len(rec.Scopes) == 0 {
		rec.Scopes = cur.Scopes
	}

	// Durable flush before anyone observes the new token.
	if err := m.store.Save(m.cfg.Provider, rec); err != nil {
		return nil, retry.E(retry.KindInternal, "oauth.refresh", fmt.Errorf("persist refreshed token: %w", err))
	}

	m.mu.Lock()
	m.cur = rec
	m.mu.Unlock()
	m.log.Info().Time("expires_at", rec.ExpiresAt).Msg("token refreshed")
	return rec, nil
}

// Validate asks the provider's validation endpoint about the current token
// and updates the record's subject identifier and scope set from the answer.
func (m *Manager) Validate(ctx context.Context) (*Validation, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil {
		return nil, retry.E(retry.KindNotFound, "oauth.validate", fmt.Errorf("no %s token in store", m.cfg.Provider))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ValidateURL, nil)
	if err != nil {
		return nil, retry.E(retry.KindInternal, "oauth.validate", err)
	}
	req.Header.Set("Authorization", "OAuth "+cur.AccessToken)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, retry.E(retry.KindNetwork, "oauth.validate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, retry.E(retry.KindAuthExpired, "oauth.validate", fmt.Errorf("provider rejected token"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.E(retry.KindServiceUnavailable, "oauth.validate", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload struct {
		UserID    string   `json:"user_id"`
		Login     string   `json:"login"`
		Scopes    []string `json:"scopes"`
		ExpiresIn int      `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, retry.E(retry.KindProtocol, "oauth.validate", err)
	}

	m.mu.Lock()
	if m.cur != nil {
		m.cur.UserID = payload.UserID
		if len(payload.Scopes) > 0 {
			m.cur.Scopes = payload.Scopes
		}
	}
	m.mu.Unlock()

	return &Validation{
		UserID:    payload.UserID,
		Login:     payload.Login,
		Scopes:    payload.Scopes,
		ExpiresIn: time.Duration(payload.ExpiresIn) * time.Second,
	}, nil
}

// Revoke deletes the persisted record and forgets the in-memory token.
func (m *Manager) Revoke() error {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
	return m.store.Delete(m.cfg.Provider)
}

// Close releases nothing today but keeps the lifecycle symmetric for callers.
func (m *Manager) Close() error { return nil }
