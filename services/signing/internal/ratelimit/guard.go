// Package ratelimit tracks the provider's cooldown window. One window
// covers the whole process: the provider limits by account, not by
// document.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the externally visible snapshot of the window.
type Status struct {
	IsLimited  bool  `json:"is_limited"`
	RetryAfter int64 `json:"retry_after_seconds"`
	HitCount   int   `json:"hit_count"`
}

// Guard is safe for concurrent use. The window clears itself lazily
// on the first Limited call past the deadline.
type Guard struct {
	mu           sync.Mutex
	retryAfterAt time.Time
	hitCount     int
	logger       *slog.Logger
	now          func() time.Time
}

func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{logger: logger, now: time.Now}
}

// Note records a rate-limit signal from the provider.
func (g *Guard) Note(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	g.retryAfterAt = g.now().Add(retryAfter)
	g.hitCount++
	g.logger.Warn("provider rate limit hit",
		"retry_after", retryAfter,
		"hit_count", g.hitCount,
		"until", g.retryAfterAt.UTC())
}

// Limited reports whether calls must currently be suppressed.
func (g *Guard) Limited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retryAfterAt.IsZero() {
		return false
	}
	if g.now().After(g.retryAfterAt) {
		g.retryAfterAt = time.Time{}
		return false
	}
	return true
}

// Snapshot reports the current window for diagnostics.
func (g *Guard) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{HitCount: g.hitCount}
	if !g.retryAfterAt.IsZero() && g.now().Before(g.retryAfterAt) {
		st.IsLimited = true
		st.RetryAfter = int64(g.retryAfterAt.Sub(g.now()).Seconds())
	}
	return st
}
