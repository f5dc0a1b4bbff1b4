/* SPDX-License-Identifier: MIT */

// Package ratelimit is a per-address token bucket, adapted from the
// teacher's packet-handshake ratelimiter to guard places spec.md
// leaves exposed in a hostile deployment: the local send and recv
// acceptors (§4.7; on the recv port a flood of TCP connects would each
// trigger a full buffer dump) and the sync worker's per-peer retry
// loop (§4.6). Not part of the
// wire protocol -- purely a local defensive throttle.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// Limiter is a token bucket per address. The zero value is not ready;
// use New.
type Limiter struct {
	mu    sync.Mutex
	table map[netip.Addr]*bucket

	rate    float64 // tokens added per second
	burst   float64 // bucket capacity
	timeNow func() time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// New creates a Limiter allowing ratePerSecond sustained events per
// address, with burst headroom up to burst events.
func New(ratePerSecond, burst float64) *Limiter {
	return &Limiter{
		table:   make(map[netip.Addr]*bucket),
		rate:    ratePerSecond,
		burst:   burst,
		timeNow: time.Now,
	}
}

// Allow reports whether an event from ip may proceed now, consuming a
// token if so.
func (l *Limiter) Allow(ip netip.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	b, ok := l.table[ip]
	if !ok {
		b = &bucket{tokens: l.burst - 1, lastTime: now}
		l.table[ip] = b
		return true
	}

	elapsed := now.Sub(b.lastTime).Seconds()
	b.lastTime = now
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// GC drops any tracked address idle for longer than maxIdle, bounding
// table growth under high peer churn. It does not run itself; unlike
// the teacher's version, which owns its own goroutine, the caller is
// expected to invoke it periodically (internal/engine's
// runRateLimiterGC does this for acceptL/syncL).
func (l *Limiter) GC(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	for ip, b := range l.table {
		if now.Sub(b.lastTime) > maxIdle {
			delete(l.table, ip)
		}
	}
}
