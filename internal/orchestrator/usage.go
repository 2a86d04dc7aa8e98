package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// UsageTracker accumulates per-backend call statistics for the process
// lifetime. Counter mutation is atomic; the map lock only guards lazy
// creation, so unrelated requests never serialize on each other.
type UsageTracker struct {
	mu       sync.RWMutex
	counters map[string]*usageCounters
}

type usageCounters struct {
	calls        atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	totalElapsed atomic.Int64 // nanoseconds
}

// Stats is a point-in-time snapshot of one backend's counters.
type Stats struct {
	Calls        int64         `json:"calls"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	TotalElapsed time.Duration `json:"total_elapsed"`
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{counters: make(map[string]*usageCounters)}
}

func (t *UsageTracker) forBackend(id string) *usageCounters {
	t.mu.RLock()
	c, ok := t.counters[id]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.counters[id]; ok {
		return c
	}
	c = &usageCounters{}
	t.counters[id] = c
	return c
}

// Record adds one attempt's outcome to the backend's counters.
func (t *UsageTracker) Record(backendID string, success bool, elapsed time.Duration) {
	c := t.forBackend(backendID)
	c.calls.Add(1)
	if success {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
	c.totalElapsed.Add(int64(elapsed))
}

// Snapshot returns a copy of every backend's current stats.
func (t *UsageTracker) Snapshot() map[string]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Stats, len(t.counters))
	for id, c := range t.counters {
		out[id] = Stats{
			Calls:        c.calls.Load(),
			Successes:    c.successes.Load(),
			Failures:     c.failures.Load(),
			TotalElapsed: time.Duration(c.totalElapsed.Load()),
		}
	}
	return out
}

// Get returns one backend's stats.
func (t *UsageTracker) Get(backendID string) Stats {
	c := t.forBackend(backendID)
	return Stats{
		Calls:        c.calls.Load(),
		Successes:    c.successes.Load(),
		Failures:     c.failures.Load(),
		TotalElapsed: time.Duration(c.totalElapsed.Load()),
	}
}

// Reset zeroes all counters. Explicit operator action only.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = make(map[string]*usageCounters)
}
