package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client's limiter survives before the
// lazy sweep removes it.
const staleAfter = 5 * time.Minute

// sweepEvery bounds how often the sweep runs, counted in Allow calls.
const sweepEvery = 256

// clientLimiter enforces a per-client submission rate. Each client gets
// a token bucket sized to the per-minute budget that refills evenly
// across the minute. State is process-local.
type clientLimiter struct {
	perMinute int

	mu      sync.Mutex
	clients map[string]*clientEntry
	calls   int
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute int) *clientLimiter {
	return &clientLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*clientEntry),
	}
}

// Allow reports whether the client may submit now, consuming one token
// on success.
func (c *clientLimiter) Allow(clientID string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls >= sweepEvery {
		c.calls = 0
		c.sweepLocked(now)
	}

	e, ok := c.clients[clientID]
	if !ok {
		e = &clientEntry{
			lim: rate.NewLimiter(rate.Limit(float64(c.perMinute)/60.0), c.perMinute),
		}
		c.clients[clientID] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// sweepLocked drops limiters idle past staleAfter. Caller holds mu.
func (c *clientLimiter) sweepLocked(now time.Time) {
	for id, e := range c.clients {
		if now.Sub(e.lastSeen) > staleAfter {
			delete(c.clients, id)
		}
	}
}

// size reports tracked clients, for tests.
func (c *clientLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
