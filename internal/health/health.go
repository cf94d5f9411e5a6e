// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/routing"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	dialTimeout       = 2 * time.Second
)

// RouteSource yields the routes whose backends readiness should check.
// The dispatcher implements this against its current snapshot, so probes
// always reflect the tables that are actually serving.
type RouteSource interface {
	Routes() []routing.Route
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	source RouteSource
	logger *slog.Logger

	// Cached readiness result to avoid TCP-dialling every backend on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler.
func New(source RouteSource, logger *slog.Logger) *Handler {
	return &Handler{source: source, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
		return
	}
	h.cacheMu.RUnlock()

	routes := h.source.Routes()

	// Distinct backend hosts; several routes often share one backend.
	hosts := make(map[string]string, len(routes))
	for _, route := range routes {
		hosts[dialAddr(route)] = route.Backend.String()
	}

	type result struct {
		addr   string
		status string
		ok     bool
	}

	ch := make(chan result, len(hosts))
	for addr := range hosts {
		go func(addr string) {
			ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
			defer cancel()

			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
			if err != nil {
				h.logger.Warn("backend unreachable", "addr", addr, "error", err)
				ch <- result{addr: addr, status: "unreachable"}
				return
			}
			conn.Close()
			ch <- result{addr: addr, status: "ok", ok: true}
		}(addr)
	}

	backends := make(map[string]string, len(hosts))
	allUp := true
	for range hosts {
		res := <-ch
		backends[hosts[res.addr]] = res.status
		if !res.ok {
			allUp = false
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !allUp {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"backends": backends,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}

func dialAddr(route routing.Route) string {
	host := route.Backend.Host
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if route.Backend.Scheme == "https" {
		return host + ":443"
	}
	return host + ":80"
}
