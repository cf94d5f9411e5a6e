// Package proxy implements the gateway's request dispatcher. Every inbound
// request is checked against the mock table first, then the route table;
// mock hits are answered locally without ever contacting a backend, route
// hits are forwarded with the matched prefix stripped, and everything else
// goes to the default backend or a 404.
//
// The active tables live in a single immutable snapshot behind an atomic
// pointer: readers are lock-free, and a reload swaps the whole snapshot at
// once so no request ever observes a half-updated state.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/apierror"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/config"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/metrics"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/mock"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/routing"
)

// mockRouteLabel is the metrics route label for mock-answered requests.
const mockRouteLabel = "mock"

// Dispatcher routes inbound requests to mocks, backends, or a 404.
// It implements http.Handler and is safe for concurrent use.
type Dispatcher struct {
	snapshot atomic.Pointer[snapshot]
	logger   *slog.Logger
}

// snapshot bundles everything a single request needs to dispatch. It is
// immutable after construction; Swap publishes a fresh one.
type snapshot struct {
	routes      *routing.Table
	mocks       *mock.Table
	proxies     map[string]*httputil.ReverseProxy // keyed by route prefix
	fallback    *httputil.ReverseProxy            // nil when no default backend
	fallbackURL string
	timeouts    map[string]time.Duration // keyed by route prefix
}

// New creates a Dispatcher from an already-validated configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{logger: logger}
	if err := d.Swap(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Swap compiles a new snapshot from cfg and atomically replaces the active
// one. In-flight requests keep the snapshot they started with; the swap is
// all-or-nothing and an error leaves the previous snapshot active.
func (d *Dispatcher) Swap(cfg *config.Config) error {
	routes, mocks, err := cfg.BuildTables()
	if err != nil {
		return err
	}

	snap := &snapshot{
		routes:   routes,
		mocks:    mocks,
		proxies:  make(map[string]*httputil.ReverseProxy, routes.Len()),
		timeouts: make(map[string]time.Duration, routes.Len()),
	}

	for _, route := range routes.Routes() {
		snap.proxies[route.Prefix] = d.newBackendProxy(route.Backend)
		snap.timeouts[route.Prefix] = config.RouteConfig{TimeoutMs: route.TimeoutMs}.Timeout()
	}

	if cfg.DefaultBackend != "" {
		u, err := url.Parse(cfg.DefaultBackend)
		if err != nil {
			return fmt.Errorf("default backend: %w", err)
		}
		snap.fallback = d.newBackendProxy(u)
		snap.fallbackURL = cfg.DefaultBackend
	}

	d.snapshot.Store(snap)
	return nil
}

// newBackendProxy builds a reverse proxy for one backend base URL. The
// standard library handles hop-by-hop header removal and Host rewriting;
// FlushInterval -1 streams backend responses through without buffering.
func (d *Dispatcher) newBackendProxy(target *url.URL) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(target)
	p.FlushInterval = -1
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		switch {
		case errors.Is(err, context.Canceled):
			// Client disconnected; the backend call was cancelled with it.
			d.logger.Debug("client disconnected during proxy",
				"backend", target.String(), "path", r.URL.Path)
		case errors.Is(err, context.DeadlineExceeded):
			d.logger.Error("backend deadline exceeded",
				"backend", target.String(), "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusGatewayTimeout,
				apierror.UpstreamTimeout, "backend did not respond within the route deadline")
		default:
			d.logger.Error("backend unreachable",
				"error", err, "backend", target.String(), "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusBadGateway,
				apierror.UpstreamUnavailable, "backend unreachable")
		}
	}
	return p
}

// ServeHTTP implements http.Handler. Mock table first, route table second,
// default backend or 404 last. Mock hits never issue a backend call.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot.Load()
	start := time.Now()

	if resp, ok := snap.mocks.Match(r.URL.Path); ok {
		d.serveMock(w, r, resp, start)
		return
	}

	route, rest, ok := snap.routes.Match(r.URL.Path)
	if !ok {
		if snap.fallback != nil {
			d.forward(w, r, snap.fallback, "default", snap.fallbackURL, 30*time.Second, start)
			return
		}
		apierror.WriteJSON(w, r, http.StatusNotFound,
			apierror.RouteNotFound, "no mock or route matched the request path")
		return
	}

	if len(route.Methods) > 0 && !methodAllowed(r.Method, route.Methods) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed,
			apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, route.Prefix))
		return
	}

	// The backend sees its own base path plus the remainder after the
	// matched prefix; the reverse proxy joins them.
	r.URL.Path = rest

	d.forward(w, r, snap.proxies[route.Prefix], route.Prefix, route.Backend.String(), snap.timeouts[route.Prefix], start)
}

func (d *Dispatcher) serveMock(w http.ResponseWriter, r *http.Request, resp mock.Response, start time.Time) {
	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body) //nolint:errcheck
	}

	metrics.MockHits.WithLabelValues(resp.Pattern).Inc()
	metrics.RequestsTotal.WithLabelValues(mockRouteLabel, r.Method, strconv.Itoa(resp.Status)).Inc()
	metrics.RequestDuration.WithLabelValues(mockRouteLabel, r.Method).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, p *httputil.ReverseProxy, label, backend string, timeout time.Duration, start time.Time) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	p.ServeHTTP(recorder, r.WithContext(ctx))

	status := strconv.Itoa(recorder.statusCode)
	metrics.RequestsTotal.WithLabelValues(label, r.Method, status).Inc()
	metrics.RequestDuration.WithLabelValues(label, r.Method).Observe(time.Since(start).Seconds())
	if recorder.statusCode >= 500 {
		metrics.BackendErrors.WithLabelValues(label, backend, status).Inc()
	}
}

// MatchRoute exposes route matching against the current snapshot for other
// packages (auth middleware, rate limiter).
func (d *Dispatcher) MatchRoute(path string) (routing.Route, bool) {
	route, _, ok := d.snapshot.Load().routes.Match(path)
	return route, ok
}

// Routes returns the current snapshot's compiled routes, for the admin API.
func (d *Dispatcher) Routes() []routing.Route {
	return d.snapshot.Load().routes.Routes()
}

// Mocks returns the current snapshot's mock entries, for the admin API.
func (d *Dispatcher) Mocks() []mock.Spec {
	return d.snapshot.Load().mocks.Entries()
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

// statusRecorder wraps http.ResponseWriter to capture the status code
// while still writing to the real client. Used for metrics reporting.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach flush/hijack support on the
// underlying writer, which the reverse proxy needs for streaming.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
