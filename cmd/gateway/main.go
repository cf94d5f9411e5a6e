// Package main is the entry point for the gateway. It loads configuration,
// builds the mock and route tables, assembles the middleware stack, starts
// the HTTP server, and handles hot reload plus graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/admin"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/auth"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/config"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/health"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/logging"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/metrics"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/middleware"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/proxy"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/ratelimit"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for errors before the config is loaded.
	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"mocks", len(cfg.Mocks),
		"default_backend", cfg.DefaultBackend,
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	dispatcher, err := proxy.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build dispatch tables", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Auth is consulted per matched route; mocks and unmatched paths
	// never require a token.
	routeRequiresAuth := func(path string) bool {
		route, ok := dispatcher.MatchRoute(path)
		return ok && route.AuthRequired
	}

	// Middleware stack, outermost first:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit →
	// Deadline → RateLimit → Auth → Dispatcher
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

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		if err := dispatcher.Swap(newCfg); err != nil {
			// Reload validation compiles the tables, so this should
			// not happen; log it rather than dropping traffic.
			logger.Error("table swap failed after reload", "error", err)
			return
		}
		limiter.UpdateConfig(newCfg.RateLimit, newCfg.Routes)
	})
	reloader.Start()
	defer reloader.Stop()

	// Health, metrics, and admin bypass the proxy middleware stack.
	opsMux := http.NewServeMux()
	health.New(dispatcher, logger).RegisterRoutes(opsMux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		opsMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Admin.Enabled {
		admin.New(reloader, dispatcher, cfg.Admin.IPAllowlist, logger).RegisterRoutes(opsMux)
		logger.Info("admin endpoints registered", "ip_allowlist", cfg.Admin.IPAllowlist)
	}

	adminEnabled := cfg.Admin.Enabled
	metricsEnabled := cfg.Metrics.IsEnabled()
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" || r.URL.Path == "/ready",
			metricsEnabled && r.URL.Path == metricsPath,
			adminEnabled && strings.HasPrefix(r.URL.Path, "/admin/"):
			opsMux.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		tlsCfg, loader, err := tlsutil.ServerConfig(cfg.Server.TLS, logger)
		if err != nil {
			logger.Error("failed to set up TLS", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		certLoader = loader
		defer certLoader.Stop()
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			// Cert and key come from the hot-reloading loader.
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}
