package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAuthAttemptsPerMinute is the default budget of failed API key
	// attempts per client address.
	DefaultAuthAttemptsPerMinute = 10

	// DefaultMaxTrackedClients bounds the number of tracked addresses so a
	// spoofed-source flood cannot grow the map without limit.
	DefaultMaxTrackedClients = 10000

	sweepInterval   = time.Minute
	idleEvictionAge = 5 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed API key authentication attempts per client
// address. Successful requests are never counted; only failures consume
// budget, so integrations holding valid keys are unaffected.
type RateLimiter struct {
	mu                sync.Mutex
	clients           map[string]*clientBucket
	attemptsPerMinute int
	maxTrackedClients int
	cancel            context.CancelFunc
}

// NewRateLimiter creates a per-address limiter allowing maxPerMinute failed
// attempts. Pass 0 to use DefaultAuthAttemptsPerMinute. A background sweeper
// runs until ctx is cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultAuthAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:           make(map[string]*clientBucket),
		attemptsPerMinute: maxPerMinute,
		maxTrackedClients: DefaultMaxTrackedClients,
		cancel:            cancel,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// RecordFailureAndAllow charges one failed attempt to addr and reports
// whether the attempt was still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bucketLocked(addr, time.Now()).limiter.Allow()
}

// Blocked reports whether addr has exhausted its failure budget. It does not
// consume budget; addresses with no recorded failures are never blocked.
func (rl *RateLimiter) Blocked(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[addr]
	if !ok {
		return false
	}
	return b.limiter.Tokens() < 1
}

func (rl *RateLimiter) bucketLocked(addr string, now time.Time) *clientBucket {
	b, ok := rl.clients[addr]
	if !ok {
		if len(rl.clients) >= rl.maxTrackedClients {
			rl.evictIdlestLocked()
		}
		b = &clientBucket{
			limiter:  rate.NewLimiter(rate.Limit(float64(rl.attemptsPerMinute)/60.0), rl.attemptsPerMinute),
			lastSeen: now,
		}
		rl.clients[addr] = b
	}
	b.lastSeen = now
	return b
}

// Stop cancels the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweepIdle()
		}
	}
}

func (rl *RateLimiter) sweepIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for addr, b := range rl.clients {
		if now.Sub(b.lastSeen) > idleEvictionAge {
			delete(rl.clients, addr)
		}
	}
}

func (rl *RateLimiter) evictIdlestLocked() {
	var idlest string
	var idlestSeen time.Time
	first := true
	for addr, b := range rl.clients {
		if first || b.lastSeen.Before(idlestSeen) {
			idlest = addr
			idlestSeen = b.lastSeen
			first = false
		}
	}
	if idlest != "" {
		delete(rl.clients, idlest)
	}
}

// ExtractIP strips the port from a RemoteAddr string, returning the input
// unchanged when it carries no port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
