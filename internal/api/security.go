package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

const (
	limiterPruneSize = 1000
	limiterIdleAfter = 10 * time.Minute
)

func (s *Server) withAPISecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuthAndRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		if strings.TrimSpace(s.requiredAPIKey) != "" && !requestHasAPIKey(r, s.requiredAPIKey) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}

		if s.rateLimiter != nil {
			clientKey := requestClientIdentity(r)
			if !s.rateLimiter.Allow(clientKey, time.Now().UTC()) {
				httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// requiresAuthAndRateLimit matches the job routes that change state.
func requiresAuthAndRateLimit(r *http.Request) bool {
	path := strings.TrimSuffix(strings.TrimSpace(r.URL.Path), "/")
	if path != "/jobs" && !strings.HasPrefix(path, "/jobs/") {
		return false
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	case http.MethodGet:
		return strings.HasSuffix(path, "/restart")
	default:
		return false
	}
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}

	for _, candidate := range candidates {
		if candidate == want {
			return true
		}
	}
	return false
}

func requestClientIdentity(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if raw != "" {
		return raw
	}
	return "unknown"
}

// clientLimiter keeps one token bucket per client. A client may burst up
// to limit requests and then refills at limit per window.
type clientLimiter struct {
	mu      sync.Mutex
	limit   int
	every   rate.Limit
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit int, window time.Duration) *clientLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &clientLimiter{
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.every, l.limit)}
		l.clients[key] = bucket
	}
	bucket.lastSeen = now
	allowed := bucket.limiter.AllowN(now, 1)
	l.pruneLocked(now)
	return allowed
}

func (l *clientLimiter) pruneLocked(now time.Time) {
	if len(l.clients) < limiterPruneSize {
		return
	}
	cutoff := now.Add(-limiterIdleAfter)
	for key, bucket := range l.clients {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}
