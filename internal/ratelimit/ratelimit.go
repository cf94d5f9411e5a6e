// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware with route-level overrides.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/apierror"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/config"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/metrics"
	"github.com/RHEcosystemAppEng/nemo-gateway/internal/routing"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketKey encodes IP, rate, and burst so clients hitting routes with
// different overrides get separate token buckets.
type bucketKey struct {
	ip    string
	rate  rate.Limit
	burst int
}

// Limiter tracks per-client token buckets and evicts stale entries in the
// background.
type Limiter struct {
	mu           sync.RWMutex
	buckets      map[bucketKey]*bucket
	rate         rate.Limit
	burst        int
	routes       []config.RouteConfig
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
}

// New creates a Limiter from the global rate limit settings plus per-route
// overrides, and starts a cleanup goroutine that evicts buckets idle for
// more than three minutes. trustedProxies lists CIDRs whose
// X-Forwarded-For headers are believed.
func New(cfg config.RateLimitConfig, routes []config.RouteConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		buckets:      make(map[bucketKey]*bucket),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		routes:       routes,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-swaps the global settings and route overrides. All
// existing buckets are dropped so the new limits apply on the next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig, routes []config.RouteConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.routes = routes
	l.buckets = make(map[bucketKey]*bucket)
}

// Middleware returns an HTTP middleware enforcing the configured limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.clientIP(r)
			limit, burst, routePrefix := l.limitsForPath(r.URL.Path)

			if !l.take(ip, limit, burst) {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(routePrefix).Inc()
				if limit > 0 {
					secs := int(math.Ceil(1.0 / float64(limit)))
					if secs < 1 {
						secs = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded,
					"rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP. X-Forwarded-For is honored only
// when the direct peer is in the trusted proxies list; the header is walked
// right-to-left and the first non-trusted hop wins.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
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

// limitsForPath returns the effective rate, burst, and matched route prefix
// for the given path. The longest matching prefix wins, mirroring dispatch.
func (l *Limiter) limitsForPath(path string) (rate.Limit, int, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var override *config.RateLimitConfig
	bestLen := 0
	bestPrefix := "unknown"

	for _, route := range l.routes {
		if routing.MatchesPrefix(path, route.PathPrefix) && len(route.PathPrefix) > bestLen {
			bestLen = len(route.PathPrefix)
			bestPrefix = route.PathPrefix
			override = route.RateOverride
		}
	}

	if override != nil {
		return rate.Limit(override.RequestsPerSecond), override.BurstSize, bestPrefix
	}
	return l.rate, l.burst, bestPrefix
}

// take reports whether a token is available for the client's bucket,
// creating the bucket on first sight. rate.Limiter is goroutine-safe, so
// Allow runs outside our lock.
func (l *Limiter) take(ip string, r rate.Limit, burst int) bool {
	key := bucketKey{ip: ip, rate: r, burst: burst}

	l.mu.RLock()
	if b, ok := l.buckets[key]; ok {
		// Refresh lastSeen at most once a minute; the eviction threshold
		// is three minutes, so that is enough to keep live buckets alive.
		if time.Since(b.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			b.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return b.limiter.Allow()
	}
	l.mu.RUnlock()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r, burst), lastSeen: time.Now()}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.limiter.Allow()
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if time.Since(b.lastSeen) > 3*time.Minute {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
