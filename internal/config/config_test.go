package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
server:
  port: 8080
routes:
  - path_prefix: /v1/models
    backend: http://entity-store:8000/v1/models
`

func TestLoadFromBytes_Minimal(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("expected default read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Routes[0].TimeoutMs != 30000 {
		t.Errorf("expected default route timeout 30000, got %d", cfg.Routes[0].TimeoutMs)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("expected default metrics path, got %q", cfg.Metrics.Path)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics should default to enabled")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromBytes_FullGateway(t *testing.T) {
	data := `
server:
  port: 9000
  global_timeout_ms: 120000
default_backend: http://entity-store:8000
routes:
  - path_prefix: /v1/datasets
    backend: http://datastore:3000/v1/datasets
  - path_prefix: /v1/customization
    backend: http://customizer:9000/v1/customization
  - path_prefix: /v1/evaluation
    backend: http://evaluator:7331/v1/evaluation
mocks:
  - path: /v1/models/meta/llama-3.2-1b-instruct
    status: 200
    body: '{"name":"llama-3.2-1b-instruct","namespace":"meta"}'
  - pattern: /v1/models/{namespace}/{name}
    body: '{"name":"{name}","namespace":"{namespace}"}'
`
	cfg, err := LoadFromBytes([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	routes, mocks, err := cfg.BuildTables()
	if err != nil {
		t.Fatal(err)
	}
	if routes.Len() != 3 {
		t.Errorf("expected 3 routes, got %d", routes.Len())
	}
	if mocks.Len() != 2 {
		t.Errorf("expected 2 mocks, got %d", mocks.Len())
	}
	if cfg.DefaultBackend != "http://entity-store:8000" {
		t.Errorf("default backend not parsed: %q", cfg.DefaultBackend)
	}
}

func TestLoadFromBytes_EnvSubstitution(t *testing.T) {
	os.Setenv("TEST_GW_BACKEND", "http://entity-store:8000")
	defer os.Unsetenv("TEST_GW_BACKEND")

	data := `
routes:
  - path_prefix: /v1/models
    backend: ${TEST_GW_BACKEND}
`
	cfg, err := LoadFromBytes([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Routes[0].Backend != "http://entity-store:8000" {
		t.Errorf("env var not substituted: %q", cfg.Routes[0].Backend)
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "nothing configured",
			yaml: `server: {port: 8080}`,
			want: "at least one route, mock, or a default_backend",
		},
		{
			name: "bad port",
			yaml: "server: {port: 99999}\nroutes:\n  - {path_prefix: /v1, backend: http://x:1}",
			want: "server.port",
		},
		{
			name: "bad backend scheme",
			yaml: "routes:\n  - {path_prefix: /v1, backend: ftp://x:1}",
			want: "scheme must be http or https",
		},
		{
			name: "duplicate prefix",
			yaml: "routes:\n  - {path_prefix: /v1, backend: http://x:1}\n  - {path_prefix: /v1, backend: http://y:1}",
			want: "duplicate prefix",
		},
		{
			name: "mock template with unknown capture",
			yaml: "mocks:\n  - pattern: /v1/models/{namespace}\n    body: '{\"name\":\"{name}\"}'",
			want: "no such capture",
		},
		{
			name: "mock with two selectors",
			yaml: "mocks:\n  - {path: /a, pattern: /b, body: '{}'}",
			want: "mutually exclusive",
		},
		{
			name: "invalid mock regex",
			yaml: "mocks:\n  - {path_regex: '/v1/(?P<ns>[', body: '{}'}",
			want: "invalid path_regex",
		},
		{
			name: "bad default backend",
			yaml: `default_backend: "not a url"`,
			want: "default_backend",
		},
		{
			name: "auth enabled without secret",
			yaml: "auth: {enabled: true, issuer: iss, audience: aud}\nroutes:\n  - {path_prefix: /v1, backend: http://x:1}",
			want: "auth.jwt_secret",
		},
		{
			name: "admin enabled without allowlist",
			yaml: "admin: {enabled: true}\nroutes:\n  - {path_prefix: /v1, backend: http://x:1}",
			want: "admin.ip_allowlist",
		},
		{
			name: "bad allowlist CIDR",
			yaml: "admin: {enabled: true, ip_allowlist: ['not-a-cidr']}\nroutes:\n  - {path_prefix: /v1, backend: http://x:1}",
			want: "invalid CIDR",
		},
		{
			name: "bad log level",
			yaml: "logging: {level: loud}\nroutes:\n  - {path_prefix: /v1, backend: http://x:1}",
			want: "logging.level",
		},
		{
			name: "bad rate override",
			yaml: "routes:\n  - {path_prefix: /v1, backend: http://x:1, rate_override: {requests_per_second: -1, burst_size: 1}}",
			want: "rate_override",
		},
		{
			name: "malformed yaml",
			yaml: "routes: [",
			want: "parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/gateway.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Routes) != 1 {
		t.Errorf("expected 1 route, got %d", len(cfg.Routes))
	}
}

func TestCollectWarnings_UnresolvedSecret(t *testing.T) {
	data := `
auth:
  enabled: true
  jwt_secret: ${UNSET_GW_SECRET_VAR}
  issuer: iss
  audience: aud
routes:
  - path_prefix: /v1/models
    backend: http://entity-store:8000
`
	cfg, err := LoadFromBytes([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unresolved-secret warning, got %v", cfg.Warnings)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "gateway-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}
