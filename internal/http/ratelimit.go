package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a client's limiter may sit unused before it is
// forgotten.
const idleAfter = 10 * time.Minute

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*client
	now     func() time.Time
	swept   time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > idleAfter {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > idleAfter {
				delete(rl.clients, k)
			}
		}
		rl.swept = now
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.lim.AllowN(now, 1)
}
