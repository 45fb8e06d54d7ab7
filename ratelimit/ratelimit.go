// Package ratelimit provides a fixed-window request rate limiter keyed by
// caller identity or address.
package ratelimit

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// KeyByIP keys requests by client address, honoring X-Forwarded-For.
func KeyByIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			return strings.TrimSpace(forwarded[:i])
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter admits at most Max requests per key per Window. Counting uses a
// fixed window that lazily resets on the first request after expiry.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// Status is the limiter's view of one key after an admission check.
type Status struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// New creates a Limiter admitting max requests per window.
func New(max int, windowSize time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  windowSize,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Check counts one request against key. It returns a nil error and the
// key's status while the window has capacity; past capacity it returns an
// AdmissionRejected protocol error carrying the retry-after delay.
func (l *Limiter) Check(key string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}
	w.count++

	status := Status{
		Limit:     l.max,
		Remaining: l.max - w.count,
		ResetAt:   w.resetAt,
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}

	if w.count > l.max {
		retryAfter := math.Ceil(w.resetAt.Sub(now).Seconds())
		return status, x402.NewProtocolError(x402.KindAdmissionRejected, "rate limit exceeded", map[string]interface{}{
			"retryAfterSeconds": int(retryAfter),
		})
	}
	return status, nil
}

// Cleanup drops expired windows and returns how many were reclaimed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reclaimed := 0
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
			reclaimed++
		}
	}
	return reclaimed
}

// StartCleanup runs Cleanup every interval until the returned stop
// function is called.
func (l *Limiter) StartCleanup(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
