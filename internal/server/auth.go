package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MasterYang7/gpustack/pkg/token"
)

// ipLimiter throttles authentication attempts per remote address so that
// credential guessing cannot run unbounded against the API.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*entry),
		rate:     r,
		burst:    burst,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[host]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = e
		if len(l.limiters) > 4096 {
			l.evictStaleLocked()
		}
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

func (l *ipLimiter) evictStaleLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for host, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, host)
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAuth accepts either the admin password or the worker join token.
// Comparison goes through an HMAC with a per-process random secret so the
// check stays constant-time without keeping re-derivable hashes around.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiter.allow(r.RemoteAddr) {
			writeJSONError(w, http.StatusTooManyRequests, "too many authentication attempts")
			return
		}
		tok := bearerToken(r)
		if tok == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !token.Validate(tok, s.authSecret, s.adminHash) && !token.Validate(tok, s.authSecret, s.tokenHash) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}
