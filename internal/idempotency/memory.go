package idempotency

import (
	"sync"
	"time"
)

// MemoryLedger is the short-window in-process dedup layer. Entries age
// out after the window; Sweep reclaims them. The ledger is bounded: when
// an insert would exceed capacity, expired entries are reclaimed first
// and arbitrary live entries are evicted as a last resort.
type MemoryLedger struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	window   time.Duration
	capacity int
}

func NewMemoryLedger(window time.Duration, capacity int) *MemoryLedger {
	return &MemoryLedger{
		entries:  make(map[string]time.Time),
		window:   window,
		capacity: capacity,
	}
}

// Seen reports whether the key is present and still inside the window.
// It does not mark the key.
func (l *MemoryLedger) Seen(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seenAt, ok := l.entries[key]
	if !ok {
		return false
	}
	return now.Sub(seenAt) < l.window
}

// Mark records the key without checking it.
func (l *MemoryLedger) Mark(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markLocked(key, now)
}

// CheckAndSet atomically checks and marks the key. Returns true when the
// key was not present (or had aged out), false for a live duplicate.
func (l *MemoryLedger) CheckAndSet(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seenAt, ok := l.entries[key]; ok && now.Sub(seenAt) < l.window {
		return false
	}

	l.markLocked(key, now)
	return true
}

func (l *MemoryLedger) markLocked(key string, now time.Time) {
	if l.capacity > 0 && len(l.entries) >= l.capacity {
		if _, exists := l.entries[key]; !exists {
			l.evictLocked(now)
		}
	}
	l.entries[key] = now
}

func (l *MemoryLedger) evictLocked(now time.Time) {
	for key, seenAt := range l.entries {
		if now.Sub(seenAt) >= l.window {
			delete(l.entries, key)
		}
	}

	// Still full: drop arbitrary entries until one slot is free.
	for key := range l.entries {
		if len(l.entries) < l.capacity {
			break
		}
		delete(l.entries, key)
	}
}

// Sweep removes aged-out entries and returns how many were reclaimed.
func (l *MemoryLedger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, seenAt := range l.entries {
		if now.Sub(seenAt) >= l.window {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
