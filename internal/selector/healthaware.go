package selector

import (
	"sync"
	"time"
)

// HealthAware selects the fastest healthy origin that has not exhausted
// its request quota. Quota counters reset exactly once per completed
// probe cycle, detected through the monitor's last-update timestamp.
type HealthAware struct {
	source HealthSource

	mu          sync.Mutex
	counts      map[string]int
	lastSeen    time.Time
	globalLimit *int
}

// NewHealthAware wraps a health monitor. The selector takes exclusive
// ownership: destroying the selector destroys the monitor.
func NewHealthAware(source HealthSource) *HealthAware {
	return &HealthAware{
		source: source,
		counts: make(map[string]int),
	}
}

// Pick returns the best eligible origin and counts the pick against its
// quota window.
func (h *HealthAware) Pick() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	origin, ok := h.bestLocked()
	if ok {
		h.counts[origin]++
	}
	return origin, ok
}

// Peek returns the best eligible origin without touching any counter.
func (h *HealthAware) Peek() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bestLocked()
}

func (h *HealthAware) bestLocked() (string, bool) {
	// A newer probe cycle opens a fresh quota window. The reset is
	// ordered strictly after observing the new timestamp, so it
	// happens at most once per cycle and never mid-cycle.
	if last := h.source.LastUpdate(); last.After(h.lastSeen) {
		h.counts = make(map[string]int)
		h.lastSeen = last
	}

	times := h.source.ResponseTimes()
	registry := h.source.Registry()

	var (
		best    string
		lowest  float64
		found   bool
	)
	for _, origin := range registry.Origins() {
		latency, up := times[origin]
		if !up {
			continue
		}

		limit := h.globalLimit
		if registry.Personalized() {
			limit = registry.Limit(origin)
		}
		if limit != nil && h.counts[origin] >= *limit {
			continue
		}

		// Strict less keeps ties on the earlier registry entry.
		if !found || latency < lowest {
			best, lowest, found = origin, latency, true
		}
	}
	return best, found
}

// All returns every registered origin in registry order.
func (h *HealthAware) All() []string {
	return h.source.Registry().Origins()
}

// SetCursor is not meaningful without a rotation.
func (h *HealthAware) SetCursor(int) error {
	return ErrCursorUnsupported
}

// SetMaxRequests sets a uniform per-window quota for every origin.
// Rejected when the upstream set carries personalized quotas; the two
// quota sources are mutually exclusive.
func (h *HealthAware) SetMaxRequests(limit *int) error {
	if h.source.Registry().Personalized() {
		return ErrLimitPersonalized
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.globalLimit = limit
	return nil
}

// MaxRequests returns the global quota, nil when unlimited. Rejected
// for personalized upstream sets.
func (h *HealthAware) MaxRequests() (*int, error) {
	if h.source.Registry().Personalized() {
		return nil, ErrLimitPersonalized
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.globalLimit, nil
}

// Destroy destroys the wrapped monitor.
func (h *HealthAware) Destroy() error {
	h.source.Destroy()
	return nil
}
