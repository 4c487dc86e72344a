package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/whisper-darkly/switchboard/bus"
	"github.com/whisper-darkly/switchboard/cache"
	"github.com/whisper-darkly/switchboard/config"
	"github.com/whisper-darkly/switchboard/ironmon"
	ironmonsqlite "github.com/whisper-darkly/switchboard/ironmon/sqlite"
	"github.com/whisper-darkly/switchboard/logging"
	"github.com/whisper-darkly/switchboard/metrics"
	"github.com/whisper-darkly/switchboard/oauth"
	"github.com/whisper-darkly/switchboard/obs"
	"github.com/whisper-darkly/switchboard/rainwave"
	"github.com/whisper-darkly/switchboard/router"
	"github.com/whisper-darkly/switchboard/service"
	"github.com/whisper-darkly/switchboard/tokenstore"
	"github.com/whisper-darkly/switchboard/twitch"
	"github.com/whisper-darkly/switchboard/validate"
)

var version = "dev"

func main() {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", version).Msg("switchboard starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("data dir")
	}

	clock := clockwork.NewRealClock()
	b := bus.New(bus.DefaultQueueSize)
	b.OnDrop = func(topic string) {
		metrics.SubscriberDrops.WithLabelValues(topic).Inc()
		log.Warn().Str("topic", topic).Msg("dropped slow subscriber")
	}
	statusCache := cache.New(cache.DefaultNamespaceSize, clock)
	pub := &service.Publisher{Bus: b, Cache: statusCache}

	tokens, err := tokenstore.NewFileStore(filepath.Join(cfg.DataDir, "tokens"))
	if err != nil {
		log.Fatal().Err(err).Msg("token store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hosts []*service.Host

	// Twitch EventSub. Hosted even without credentials: the session fails
	// with config_invalid and the host keeps it in a degraded retry loop.
	{
		if !cfg.Twitch.Enabled() {
			log.Warn().Msg("twitch credentials missing, connector will report degraded")
		}
		mgr := oauth.New(oauth.Config{
			Provider:     "twitch",
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			TokenURL:     cfg.Twitch.AuthURL + "/token",
			ValidateURL:  cfg.Twitch.AuthURL + "/validate",
		}, tokens, clock, log)
		if err := mgr.Load(); err != nil {
			log.Fatal().Err(err).Msg("twitch tokens")
		}
		helix := twitch.NewHelix(cfg.Twitch.HelixURL, cfg.Twitch.ClientID, mgr, clock, log)
		health := service.NewHealthTracker("twitch", 0, clock)
		conn := twitch.New(cfg.Twitch, mgr, helix, b, validate.New(), clock, log, health, pub)
		hosts = append(hosts, service.NewHost(conn, clock, log, pub))
	}

	// OBS.
	{
		health := service.NewHealthTracker("obs", 0, clock)
		conn := obs.New(cfg.OBS, b, clock, log, health, pub)
		hosts = append(hosts, service.NewHost(conn, clock, log, pub))
	}

	// IronMON TCP with its challenge store.
	{
		db, err := ironmonsqlite.Open(filepath.Join(cfg.DataDir, "ironmon.db"))
		if err != nil {
			log.Fatal().Err(err).Msg("ironmon database")
		}
		defer db.Close()
		health := service.NewHealthTracker("ironmon", 0, clock)
		srv := ironmon.NewServer(cfg.IronMON.Addr, b, db, log, health)
		hosts = append(hosts, service.NewHost(srv, clock, log, pub))
	}

	// Rainwave.
	{
		health := service.NewHealthTracker("rainwave", 0, clock)
		poller := rainwave.New(cfg.Rainwave, b, clock, log, health, pub)
		hosts = append(hosts, service.NewHost(poller, clock, log, pub))
	}

	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.New(hosts, statusCache),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http")
		}
	}()

	<-sigCh
	log.Info().Msg("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	// Hosts stop their runners; the Twitch connector deletes its
	// subscriptions on the way out.
	wg.Wait()
}
