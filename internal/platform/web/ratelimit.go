package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is a single remote host and its token bucket state.
type visitor struct {
	// mu protects tokens and lastRefill so different hosts never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter throttles broker handshakes per remote host using a token bucket.
type RateLimiter struct {
	// visitors maps host addresses to their bucket.
	visitors map[string]*visitor
	// mu protects the map itself.
	mu sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter. The background cleanup runs until ctx ends.
func NewRateLimiter(ctx context.Context, rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}

	go rl.cleanupVisitors(ctx)

	return rl
}

// getVisitor retrieves or creates the bucket for host.
func (rl *RateLimiter) getVisitor(host string) *visitor {
	rl.mu.RLock()
	v, exists := rl.visitors[host]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, exists = rl.visitors[host]; !exists {
		v = &visitor{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.visitors[host] = v
	}

	return v
}

// Allow consumes a token for host and reports whether one was available.
// Tokens are refilled lazily from the time elapsed since the last call.
func (rl *RateLimiter) Allow(host string) bool {
	v := rl.getVisitor(host)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()

	elapsed := now.Sub(v.lastRefill).Seconds()
	if add := elapsed * rl.rate; add > 0 {
		v.tokens += add
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}

	return false
}

// cleanupVisitors forgets hosts that have been idle longer than visitorTimeout.
func (rl *RateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for host, v := range rl.visitors {
		v.mu.Lock()
		if rl.now().Sub(v.lastRefill) > visitorTimeout {
			delete(rl.visitors, host)
		}
		v.mu.Unlock()
	}
}

// Middleware rejects requests from hosts that exhausted their bucket with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !rl.Allow(host) {
			slog.Warn("Handshake rate limited", "remote", host)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
			return
		}

		next(w, r)
	}
}
