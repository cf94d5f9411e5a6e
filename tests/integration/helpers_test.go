//go:build integration

// Package integration exercises the fully assembled gateway: the complete
// middleware stack, dispatch tables, admin API, and hot reload, against
// live backend servers. The stack runs in-process so the suite needs no
// external services.
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/admin"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/auth"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/config"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/health"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/metrics"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/middleware"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/proxy"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/ratelimit"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "nemo-gateway"
	jwtAud    = "nemo-api"
)

var (
	httpClient  = &http.Client{Timeout: 10 * time.Second}
	metricsOnce sync.Once
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatewayStack is an in-process gateway wired the same way main assembles
// it, serving from an httptest listener.
type gatewayStack struct {
	URL        string
	ConfigPath string

	srv      *httptest.Server
	reloader *config.Reloader
	limiter  *ratelimit.Limiter
}

// startGateway writes cfgYAML to a temp file, builds the full gateway
// stack from it, and starts serving. The reloader watches the temp file,
// so tests can rewrite it to exercise hot reload.
func startGateway(t *testing.T, cfgYAML string) *gatewayStack {
	t.Helper()
	metricsOnce.Do(metrics.Init)

	cfgPath := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	logger := testLogger()

	dispatcher, err := proxy.New(cfg, logger)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)

	routeRequiresAuth := func(path string) bool {
		route, ok := dispatcher.MatchRoute(path)
		return ok && route.AuthRequired
	}

	var handler http.Handler = dispatcher
	handler = auth.Middleware(cfg.Auth, routeRequiresAuth, logger)(handler)
	handler = limiter.Middleware()(handler)
	if timeout := cfg.Server.GlobalTimeout(); timeout > 0 {
		handler = middleware.Deadline(timeout)(handler)
	}
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	reloader := config.NewReloader(cfgPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		if err := dispatcher.Swap(newCfg); err != nil {
			logger.Error("table swap failed after reload", "error", err)
			return
		}
		limiter.UpdateConfig(newCfg.RateLimit, newCfg.Routes)
	})
	reloader.Start()

	opsMux := http.NewServeMux()
	health.New(dispatcher, logger).RegisterRoutes(opsMux)
	opsMux.Handle("/metrics", metrics.Handler())
	if cfg.Admin.Enabled {
		admin.New(reloader, dispatcher, cfg.Admin.IPAllowlist, logger).RegisterRoutes(opsMux)
	}

	adminEnabled := cfg.Admin.Enabled
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/metrics",
			adminEnabled && strings.HasPrefix(r.URL.Path, "/admin/"):
			opsMux.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	srv := httptest.NewServer(root)
	t.Cleanup(func() {
		srv.Close()
		reloader.Stop()
		limiter.Stop()
	})

	return &gatewayStack{
		URL:        srv.URL,
		ConfigPath: cfgPath,
		srv:        srv,
		reloader:   reloader,
		limiter:    limiter,
	}
}

// rewriteConfig replaces the watched config file contents.
func (g *gatewayStack) rewriteConfig(t *testing.T, cfgYAML string) {
	t.Helper()
	if err := os.WriteFile(g.ConfigPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
}

// startEchoBackend starts a backend that reports the path and method it
// received, like the backendsim binary.
func startEchoBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"body":    string(body),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func generateJWT(sub, scope string, expiry time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"iss":   jwtIssuer,
		"aud":   jwtAud,
		"exp":   time.Now().Add(expiry).Unix(),
		"scope": scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(fmt.Sprintf("generateJWT: %v", err))
	}
	return s
}

func httpDo(method, url string, body io.Reader, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func httpGet(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo("GET", url, nil, headers)
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	m := parseJSON(t, body)
	code, ok := m["error_code"].(string)
	if !ok {
		t.Fatalf("error_code field missing or not a string in %s", string(body))
	}
	if code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
}

func assertHeaderPresent(t *testing.T, resp *http.Response, key string) {
	t.Helper()
	if resp.Header.Get(key) == "" {
		t.Errorf("expected header %s to be present", key)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}

// waitFor polls fn until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
