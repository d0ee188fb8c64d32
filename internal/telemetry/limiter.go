// Package telemetry persists usage samples at a bounded rate and turns them
// back into daily cost series.
package telemetry

import (
	"sync"
	"time"
)

// DefaultWindow is the minimum spacing between two writes for one entity.
const DefaultWindow = 60 * time.Second

// Limiter remembers the last write time per entity.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewLimiter creates a limiter. A non-positive window uses DefaultWindow.
func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{window: window, last: make(map[string]time.Time)}
}

// ShouldPersist reports whether a write for entity at now is due. It does
// not record anything.
func (l *Limiter) ShouldPersist(entity string, now time.Time) bool {
	l.mu.Lock()
	last, ok := l.last[entity]
	l.mu.Unlock()
	return !ok || Due(last, now, l.window)
}

// Allow checks and records a write for entity at now in one step.
func (l *Limiter) Allow(entity string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[entity]; ok && !Due(last, now, l.window) {
		return false
	}
	l.last[entity] = now
	return true
}

// Forget drops the write recorded for entity at at when it is still the
// latest one, so a write that never landed does not hold the window.
func (l *Limiter) Forget(entity string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[entity]; ok && last.Equal(at) {
		delete(l.last, entity)
	}
}

// Due is true when at least window has passed since last.
func Due(last, now time.Time, window time.Duration) bool {
	return now.Sub(last) >= window
}
