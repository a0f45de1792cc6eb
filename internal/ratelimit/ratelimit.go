// Package ratelimit provides a fixed-window rate limiter for worker
// connections and the public HTTP surface.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter for a single entity (one worker
// connection, one client address).
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	l.count++
	return l.count <= l.rate
}

// Remaining reports how many requests are left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	if n := l.rate - l.count; n > 0 {
		return n
	}
	return 0
}

func (l *Limiter) roll(now time.Time) {
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
}

// Keeper hands out per-key limiters, pruning idle ones so the map does not
// grow without bound.
type Keeper struct {
	mu       sync.Mutex
	limiters map[string]*keeperEntry
	rate     int
	window   time.Duration
}

type keeperEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewKeeper creates a Keeper whose limiters allow rate requests per window.
func NewKeeper(rate int, window time.Duration) *Keeper {
	return &Keeper{
		limiters: make(map[string]*keeperEntry),
		rate:     rate,
		window:   window,
	}
}

// Allow records a request for key and returns whether it is within the limit.
func (k *Keeper) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.limiters[key]
	if !ok {
		e = &keeperEntry{limiter: New(k.rate, k.window)}
		k.limiters[key] = e
	}
	e.lastSeen = time.Now()
	k.mu.Unlock()
	return e.limiter.Allow()
}

// Prune drops limiters not seen within maxIdle. Returns the number removed.
func (k *Keeper) Prune(maxIdle time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	n := 0
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}
