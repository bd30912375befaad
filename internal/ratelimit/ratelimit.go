// Package ratelimit provides fixed-window request limiters.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// allow counts one request against w and reports whether it fits.
func (w *window) allow(now time.Time, rate int, length time.Duration) bool {
	if now.Sub(w.start) > length {
		w.count = 0
		w.start = now
	}
	w.count++
	return w.count <= rate
}

// Limiter limits a single entity, such as one websocket connection.
type Limiter struct {
	mu     sync.Mutex
	w      window
	rate   int
	length time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, length time.Duration) *Limiter {
	return &Limiter{rate: rate, length: length, w: window{start: time.Now()}}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.allow(time.Now(), l.rate, l.length)
}

// Keyed limits many entities independently, for example client IPs.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	length  time.Duration
}

// NewKeyed creates a per-key limiter allowing rate requests per window for
// each key.
func NewKeyed(rate int, length time.Duration) *Keyed {
	return &Keyed{windows: make(map[string]*window), rate: rate, length: length}
}

// Allow counts one request for key.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	w, ok := k.windows[key]
	if !ok {
		w = &window{start: now}
		k.windows[key] = w
	}
	return w.allow(now, k.rate, k.length)
}

// Sweep drops keys whose window has expired and returns how many were
// removed.
func (k *Keyed) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	n := 0
	for key, w := range k.windows {
		if now.Sub(w.start) > k.length {
			delete(k.windows, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}
