package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/whisper-darkly/switchboard/oauth"
	"github.com/whisper-darkly/switchboard/retry"
)

// Helix calls the subscription management API. Calls are paced by a client
// side limiter and guarded by a circuit breaker per endpoint.
type Helix struct {
	baseURL  string
	clientID string
	tokens   *oauth.Manager
	http     *http.Client
	limiter  *rate.Limiter
	breakers *retry.BreakerSet
	log      zerolog.Logger
}

// NewHelix builds the client. baseURL is the Helix root without trailing
// slash, e.g. https://api.twitch.tv/helix.
func NewHelix(baseURL, clientID string, tokens *oauth.Manager, clock clockwork.Clock, log zerolog.Logger) *Helix {
	return &Helix{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		tokens:   tokens,
		http:     &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		breakers: retry.NewBreakerSet(5, time.Minute, 30*time.Second, clock),
		log:      log.With().Str("component", "helix").Logger(),
	}
}

// CreateSubscription registers a WebSocket-transport subscription on the
// session. Kinds: duplicate (409), rate_limited (429, with Retry-After),
// auth_expired (401/403 after one refresh), circuit_open, network, protocol.
func (h *Helix) CreateSubscription(ctx context.Context, eventType, version string, condition map[string]string, sessionID string) (*Subscription, error) {
	body, _ := json.Marshal(map[string]any{
		"type":      eventType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	})

	var created *Subscription
	err := h.breakers.Do("eventsub", func() error {
		resp, err := h.do(ctx, http.MethodPost, "/eventsub/subscriptions", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted:
		case http.StatusConflict:
			return retry.E(retry.KindDuplicate, "helix.create",
				fmt.Errorf("subscription already exists for %s", eventType))
		default:
			return h.statusError("helix.create", resp)
		}

		var payload struct {
			Data []struct {
				ID        string            `json:"id"`
				Type      string            `json:"type"`
				Version   string            `json:"version"`
				Condition map[string]string `json:"condition"`
				Cost      int               `json:"cost"`
				CreatedAt time.Time         `json:"created_at"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || len(payload.Data) == 0 {
			return retry.E(retry.KindProtocol, "helix.create", fmt.Errorf("malformed 202 body: %v", err))
		}
		d := payload.Data[0]
		created = &Subscription{
			ID:          d.ID,
			Type:        d.Type,
			Version:     d.Version,
			Condition:   d.Condition,
			Cost:        d.Cost,
			CreatedAt:   d.CreatedAt,
			Fingerprint: Fingerprint(eventType, condition),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteSubscription removes a subscription by remote id. A 404 is success:
// the subscription is gone either way.
func (h *Helix) DeleteSubscription(ctx context.Context, id string) error {
	return h.breakers.Do("eventsub", func() error {
		resp, err := h.do(ctx, http.MethodDelete, "/eventsub/subscriptions?id="+id, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNoContent, http.StatusNotFound:
			return nil
		default:
			return h.statusError("helix.delete", resp)
		}
	})
}

// do sends one authenticated request, refreshing the token and retrying once
// on 401/403.
func (h *Helix) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, retry.E(retry.KindTimeout, "helix.request", err)
	}

	refreshed := false
	for {
		tok, err := h.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, rd)
		if err != nil {
			return nil, retry.E(retry.KindInternal, "helix.request", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("Client-Id", h.clientID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := h.http.Do(req)
		if err != nil {
			return nil, retry.E(retry.KindNetwork, "helix.request", err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			if refreshed {
				return nil, retry.E(retry.KindAuthExpired, "helix.request",
					fmt.Errorf("still %d after token refresh", resp.StatusCode))
			}
			refreshed = true
			h.log.Warn().Int("status", resp.StatusCode).Msg("token rejected, refreshing")
			if _, err := h.tokens.Refresh(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return resp, nil
	}
}

// statusError classifies a non-success response.
func (h *Helix) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	statErr := fmt.Errorf("status %d: %.256s", resp.StatusCode, strings.TrimSpace(string(raw)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := retry.E(retry.KindRateLimited, op, statErr)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	case resp.StatusCode >= 500:
		return retry.E(retry.KindServiceUnavailable, op, statErr)
	default:
		return retry.E(retry.KindProtocol, op, statErr)
	}
}
