// Package config loads the process configuration from the environment.
// A connector with missing credentials is started degraded (retry loop,
// status published) rather than failing the whole process.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Twitch holds the EventSub connector settings.
type Twitch struct {
	ClientID     string `env:"TWITCH_CLIENT_ID"`
	ClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	UserID       string `env:"TWITCH_USER_ID"`

	EventSubURL string `env:"TWITCH_EVENTSUB_URL" envDefault:"wss://eventsub.wss.twitch.tv/ws"`
	HelixURL    string `env:"TWITCH_HELIX_URL" envDefault:"https://api.twitch.tv/helix"`
	AuthURL     string `env:"TWITCH_AUTH_URL" envDefault:"https://id.twitch.tv/oauth2"`

	MaxSubscriptions int `env:"TWITCH_MAX_SUBSCRIPTIONS" envDefault:"300"`
	MaxCost          int `env:"TWITCH_MAX_COST" envDefault:"10"`
}

// Enabled reports whether the connector has enough configuration to attempt
// a connection at all.
func (t Twitch) Enabled() bool { return t.ClientID != "" && t.ClientSecret != "" }

// OBS holds the OBS WebSocket v5 settings.
type OBS struct {
	URL      string `env:"OBS_WEBSOCKET_URL" envDefault:"ws://localhost:4455"`
	Password string `env:"OBS_WEBSOCKET_PASSWORD"`
}

// IronMON holds the TCP telemetry listener settings.
type IronMON struct {
	Addr string `env:"IRONMON_TCP_ADDR" envDefault:":8899"`
}

// Rainwave holds the poller settings.
type Rainwave struct {
	BaseURL  string        `env:"RAINWAVE_BASE_URL" envDefault:"https://rainwave.cc/api4"`
	APIKey   string        `env:"RAINWAVE_API_KEY"`
	UserID   string        `env:"RAINWAVE_USER_ID"`
	Station  int           `env:"RAINWAVE_STATION" envDefault:"1"`
	Interval time.Duration `env:"RAINWAVE_POLL_INTERVAL" envDefault:"10s"`
}

// Enabled reports whether the poller is credentialed.
func (r Rainwave) Enabled() bool { return r.APIKey != "" && r.UserID != "" }

// Config is the full process configuration.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	DataDir   string `env:"DATA_DIR" envDefault:"/data/switchboard"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Twitch   Twitch
	OBS      OBS
	IronMON  IronMON
	Rainwave Rainwave
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
