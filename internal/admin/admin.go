// Package admin provides the gateway's management API: runtime inspection
// of the active route and mock tables, and an explicit reload trigger.
// All endpoints are protected by an IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/config"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/mock"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/routing"
)

// TableProvider exposes the dispatcher's active tables for inspection.
type TableProvider interface {
	Routes() []routing.Route
	Mocks() []mock.Spec
}

// ConfigReloader abstracts the config reloader for testability.
type ConfigReloader interface {
	Current() *config.Config
	Reload(trigger string) error
}

// Handler provides the admin API endpoints.
type Handler struct {
	reloader    ConfigReloader
	tables      TableProvider
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigReloader, tables TableProvider, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		tables:      tables,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/routes", h.guard(http.MethodGet, h.routesHandler))
	mux.HandleFunc("/admin/mocks", h.guard(http.MethodGet, h.mocksHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/reload", h.guard(http.MethodPost, h.reloadHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// routeStatus is the response element type for /admin/routes.
type routeStatus struct {
	PathPrefix   string   `json:"path_prefix"`
	Backend      string   `json:"backend"`
	Methods      []string `json:"methods,omitempty"`
	AuthRequired bool     `json:"auth_required"`
	TimeoutMs    int      `json:"timeout_ms"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes := h.tables.Routes()
	statuses := make([]routeStatus, len(routes))
	for i, route := range routes {
		statuses[i] = routeStatus{
			PathPrefix:   route.Prefix,
			Backend:      route.Backend.String(),
			Methods:      route.Methods,
			AuthRequired: route.AuthRequired,
			TimeoutMs:    route.TimeoutMs,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": statuses})
}

func (h *Handler) mocksHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.tables.Mocks()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mocks": entries,
		"total": len(entries),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy with sensitive fields redacted.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

// reloadHandler re-reads the config file and swaps the active tables.
// The swap is all-or-nothing: a rejected config leaves the previous tables
// active and the validation reason is returned synchronously.
func (h *Handler) reloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.reloader.Reload(config.TriggerAdmin); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status": "rejected",
			"reason": err.Error(),
		})
		return
	}

	cfg := h.reloader.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "reloaded",
		"routes":      len(cfg.Routes),
		"mocks":       len(cfg.Mocks),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
