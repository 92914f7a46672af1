// Package ratelimit implements a per-client token bucket rate limiter.
// Buckets are golang.org/x/time/rate limiters held in a bounded LRU, so an
// unbounded set of clients cannot grow memory without limit.
package ratelimit

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// DefaultMaxClients bounds the number of tracked buckets.
const DefaultMaxClients = 4096

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
	MaxClients        int // Tracked buckets. 0 = DefaultMaxClients.
}

// Limiter is a per-client token bucket rate limiter.
// Each client gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = DefaultMaxClients
	}
	// lru.New only errors on a non-positive size.
	clients, _ := lru.New[string, *rate.Limiter](size)
	return &Limiter{
		clients: clients,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	if l.limit <= 0 {
		return nil
	}
	if !l.bucket(clientID).Allow() {
		return ErrRateLimited
	}
	return nil
}

// bucket returns the client's limiter, creating a full one on first use.
func (l *Limiter) bucket(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.clients.Get(clientID); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.clients.Add(clientID, b)
	return b
}
