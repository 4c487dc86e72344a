// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper-darkly/switchboard/cache"
	"github.com/whisper-darkly/switchboard/service"
)

// New builds and returns the application HTTP handler.
//
//	GET /api/status             all connector snapshots
//	GET /api/status/{connector} one connector snapshot
//	GET /api/health             aggregate health, 503 when any connector is down
//	GET /metrics                prometheus exposition
func New(hosts []*service.Host, c *cache.Cache) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", getStatus(hosts, c))
	mux.HandleFunc("GET /api/status/{connector}", getConnectorStatus(hosts, c))
	mux.HandleFunc("GET /api/health", getHealth(hosts))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- handlers ----

// getStatus serves the full-state aggregate. It is memoized in the cache and
// recomputed on any connector state change (the publisher invalidates the
// namespace) or after the TTL.
func getStatus(hosts []*service.Host, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		full, err := c.GetOrCompute(service.FullStateNamespace, "all", service.StatusTTL, func() (any, error) {
			out := make(map[string]service.Status, len(hosts))
			for _, h := range hosts {
				st := h.Status()
				out[st.Name] = st
			}
			return out, nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, full)
	}
}

func getConnectorStatus(hosts []*service.Host, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("connector")

		// The publisher keeps fresh snapshots in the status namespace; fall
		// back to asking the runner directly on a miss.
		if v, ok := c.Get(service.StatusNamespace, name); ok {
			writeJSON(w, http.StatusOK, v)
			return
		}
		for _, h := range hosts {
			if h.Runner().Name() == name {
				writeJSON(w, http.StatusOK, h.Status())
				return
			}
		}
		writeError(w, http.StatusNotFound, "unknown connector: "+name)
	}
}

// getHealth aggregates connector health. Any down connector makes the whole
// answer 503 so load balancers and uptime probes see it.
func getHealth(hosts []*service.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := service.HealthOK
		connectors := make(map[string]service.Health, len(hosts))
		for _, h := range hosts {
			st := h.Status()
			connectors[st.Name] = st.Health
			switch st.Health.Status {
			case service.HealthDown:
				overall = service.HealthDown
			case service.HealthDegraded:
				if overall == service.HealthOK {
					overall = service.HealthDegraded
				}
			}
		}

		code := http.StatusOK
		if overall == service.HealthDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":     overall,
			"connectors": connectors,
		})
	}
}
