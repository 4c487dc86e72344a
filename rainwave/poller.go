// Package rainwave polls the Rainwave /info endpoint and publishes an update
// whenever the now-playing song, the listening flag, or the station changes.
package rainwave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/config"
	"github.com/whisper-darkly/switchboard/logging"
	"github.com/whisper-darkly/switchboard/metrics"
	"github.com/whisper-darkly/switchboard/retry"
	"github.com/whisper-darkly/switchboard/service"
)

// UpdateTopic carries now-playing changes.
const UpdateTopic = "rainwave:update"

// Update is the published now-playing snapshot.
type Update struct {
	Song          string `json:"song"`
	Album         string `json:"album"`
	Station       string `json:"station"`
	Listening     bool   `json:"listening"`
	CorrelationID string `json:"correlation_id"`
}

// infoRequest is the form body of the /info call.
type infoRequest struct {
	SID    int    `schema:"sid"`
	Key    string `schema:"key"`
	UserID string `schema:"user_id"`
}

// infoResponse picks the fields the poller projects. The user id arrives as
// a string or an integer depending on the endpoint mood; json.Number covers
// both.
type infoResponse struct {
	User struct {
		ID json.Number `json:"id"`
	} `json:"user"`
	StationName  string `json:"station_name"`
	SchedCurrent struct {
		Songs []struct {
			Title  string `json:"title"`
			Albums []struct {
				Name string `json:"name"`
			} `json:"albums"`
		} `json:"songs"`
	} `json:"sched_current"`
}

// Poller implements service.Runner. With missing credentials it parks
// disabled instead of failing the process.
type Poller struct {
	cfg     config.Rainwave
	bus     *bus.Bus
	clock   clockwork.Clock
	log     zerolog.Logger
	health  *service.HealthTracker
	pub     *service.Publisher
	http    *http.Client
	encoder *schema.Encoder

	mu      sync.Mutex
	state   string
	since   time.Time
	current Update
	polled  bool
}

// New builds the poller.
func New(cfg config.Rainwave, b *bus.Bus, clock clockwork.Clock, log zerolog.Logger, health *service.HealthTracker, pub *service.Publisher) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Poller{
		cfg:     cfg,
		bus:     b,
		clock:   clock,
		log:     logging.Component(log, "rainwave"),
		health:  health,
		pub:     pub,
		http:    &http.Client{Timeout: 10 * time.Second},
		encoder: schema.NewEncoder(),
		state:   "idle",
	}
}

func (p *Poller) Name() string { return "rainwave" }

// Status reports the poller snapshot.
func (p *Poller) Status() service.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := service.Status{
		Name:      "rainwave",
		State:     p.state,
		Connected: p.state == "polling",
		Since:     p.since,
		Song:      p.current.Song,
		Listening: p.current.Listening,
	}
	if p.health != nil {
		st.Health = p.health.Snapshot()
	}
	return st
}

// Run polls every interval until ctx ends. An uncredentialed poller parks
// disabled without touching health.
func (p *Poller) Run(ctx context.Context) error {
	if !p.cfg.Enabled() {
		p.setState("disabled")
		p.log.Info().Msg("no credentials, poller disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	p.setState("polling")
	defer p.setState("idle")

	p.poll(ctx)
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

// poll fetches /info once, updates health, and publishes on change.
func (p *Poller) poll(ctx context.Context) {
	next, err := p.fetch(ctx)
	if err != nil {
		if p.health != nil {
			p.health.Error()
		}
		p.log.Warn().Err(err).Msg("poll failed")
		return
	}
	if p.health != nil {
		p.health.Success()
	}

	p.mu.Lock()
	changed := !p.polled ||
		next.Song != p.current.Song ||
		next.Listening != p.current.Listening ||
		next.Station != p.current.Station
	p.current = next
	p.polled = true
	p.mu.Unlock()

	if !changed {
		return
	}
	next.CorrelationID = uuid.NewString()
	p.bus.Publish(UpdateTopic, next)
	metrics.EventsPublished.WithLabelValues(UpdateTopic).Inc()
	if p.pub != nil {
		p.pub.Publish(p.Status())
	}
	clog := logging.WithCorrelation(p.log, next.CorrelationID)
	clog.Debug().Str("song", next.Song).Bool("listening", next.Listening).Msg("published update")
}

func (p *Poller) fetch(ctx context.Context) (Update, error) {
	form := url.Values{}
	if err := p.encoder.Encode(infoRequest{SID: p.cfg.Station, Key: p.cfg.APIKey, UserID: p.cfg.UserID}, form); err != nil {
		return Update{}, retry.E(retry.KindInternal, "rainwave.fetch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/info", strings.NewReader(form.Encode()))
	if err != nil {
		return Update{}, retry.E(retry.KindInternal, "rainwave.fetch", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return Update{}, retry.E(retry.KindNetwork, "rainwave.fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Update{}, retry.E(retry.KindServiceUnavailable, "rainwave.fetch",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Update{}, retry.E(retry.KindProtocol, "rainwave.fetch", err)
	}

	next := Update{
		Station: info.StationName,
		// String or integer, the rendered form compares against the
		// configured id either way.
		Listening: info.User.ID.String() == p.cfg.UserID,
	}
	if songs := info.SchedCurrent.Songs; len(songs) > 0 {
		next.Song = songs[0].Title
		if albums := songs[0].Albums; len(albums) > 0 {
			next.Album = albums[0].Name
		}
	}
	return next, nil
}

func (p *Poller) setState(state string) {
	p.mu.Lock()
	changed := p.state != state
	p.state = state
	if changed {
		p.since = p.clock.Now()
	}
	p.mu.Unlock()
	if changed && p.pub != nil {
		p.pub.Publish(p.Status())
	}
}
