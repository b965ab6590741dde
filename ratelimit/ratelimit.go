// Package ratelimit implements fixed-window admission control keyed by an arbitrary string.
//
// A Limiter is not safe for concurrent use. Each room owns its limiters and only touches them
// while it holds its own lock.
package ratelimit

import "time"

type record struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	window  time.Duration
	max     int
	now     func() time.Time
	records map[string]*record
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(window time.Duration, max int, opts ...Option) *Limiter {
	l := &Limiter{
		window:  window,
		max:     max,
		now:     time.Now,
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check reports whether key may act now and counts the action if so. A denied call does
// not extend the window.
func (l *Limiter) Check(key string) bool {
	now := l.now()
	rec, ok := l.records[key]
	if !ok || now.After(rec.resetAt) {
		l.records[key] = &record{count: 1, resetAt: now.Add(l.window)}
		return l.max > 0
	}
	if rec.count >= l.max {
		return false
	}
	rec.count++
	return true
}

// Cleanup drops every record whose window has expired and returns how many were removed.
func (l *Limiter) Cleanup() int {
	now := l.now()
	removed := 0
	for key, rec := range l.records {
		if now.After(rec.resetAt) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Forget removes the record for key, if any.
func (l *Limiter) Forget(key string) {
	delete(l.records, key)
}

func (l *Limiter) Len() int {
	return len(l.records)
}
