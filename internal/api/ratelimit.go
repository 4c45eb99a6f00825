package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/hl7gw/internal/auth"
)

// RateLimitConfig is a token bucket per client.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

const (
	limiterIdleTTL      = 15 * time.Minute
	limiterCleanupEvery = 2 * time.Minute
)

// limiterStore keeps one limiter per client key and forgets idle ones.
type limiterStore struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RPS))
	}
	return &limiterStore{
		rps:     rate.Limit(cfg.RPS),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (l *limiterStore) get(key string) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

func (l *limiterStore) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

func (l *limiterStore) startJanitor(ctx context.Context) {
	if l == nil {
		return
	}
	t := time.NewTicker(limiterCleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				l.cleanup(now)
			}
		}
	}()
}

// rateLimitMiddleware keys on the bearer token, falling back to the client
// address for requests that somehow lack one.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiters == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			key = "token:" + p.Token
		}

		res := s.limiters.get(key).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
