package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/ratelimit"
	"github.com/dgnsrekt/logrelay/internal/relay"
)

// NewRouter mounts the relay websocket endpoint and the HTTP status routes.
// Every route is metered per client address by limiter. Forwarding headers
// are honored only on requests from a trusted proxy.
func NewRouter(rl *relay.Relay, limiter *ratelimit.Limiter, trustedProxies []netip.Prefix, logger *zap.Logger) http.Handler {
	h := &handlers{relay: rl, limiter: limiter}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(realIPMiddleware(trustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))
	r.Use(rateLimitMiddleware(limiter, logger))

	r.Get("/ws", rl.ServeWS)

	r.Group(func(api chi.Router) {
		api.Use(middleware.Compress(5))
		api.Use(corsMiddleware)

		api.Get("/health", h.health)
		api.Get("/stats", h.stats)
	})

	return r
}

// ParseTrustedProxies parses IP addresses and CIDR prefixes.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

type peerAddrKey struct{}

// realIPMiddleware records the network peer address and applies chi's
// RealIP only when that peer is a trusted proxy.
func realIPMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer := clientAddr(r)
			r = r.WithContext(context.WithValue(r.Context(), peerAddrKey{}, peer))
			if isTrusted(peer, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isTrusted(peer string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
				zap.String("remote", r.RemoteAddr),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware rejects clients over their per-window budget with 429
// and a Retry-After header in seconds.
func rateLimitMiddleware(limiter *ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			var allowed bool
			if peer, ok := r.Context().Value(peerAddrKey{}).(string); ok && peer != addr {
				// Header-derived addresses never get the loopback exemption.
				allowed = limiter.CheckStrict(addr)
			} else {
				allowed = limiter.Check(addr)
			}
			if !allowed {
				retry := int(limiter.RetryAfter(addr).Seconds() + 0.999)
				if retry < 1 {
					retry = 1
				}
				logger.Info("rate limited",
					zap.String("addr", addr),
					zap.String("path", r.URL.Path),
					zap.Int("retryAfter", retry),
				)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr strips the port from RemoteAddr. For trusted proxies RealIP
// has already replaced it with a bare forwarded address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

// maskQueryToken masks credential-like parameters in a query string
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	for _, key := range []string{"token", "access_token"} {
		if v := values.Get(key); len(v) > 4 {
			values.Set(key, v[:4]+"****")
		}
	}
	return values.Encode()
}
