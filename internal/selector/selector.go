package selector

import (
	"errors"
	"time"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

var (
	ErrCursorUnsupported = errors.New("selector: cursor operations are not supported in health-aware mode")
	ErrCursorOutOfRange  = errors.New("selector: cursor index out of range")
	ErrLimitPersonalized = errors.New("selector: a global max requests cannot be combined with personalized upstreams")
)

// Selector picks the origin the next request should be relayed to. The
// two implementations share the contract: static round robin over a
// fixed list, and latency-aware selection over a health monitor.
type Selector interface {
	// Pick returns the next target and records the pick. The second
	// return is false when no target is eligible.
	Pick() (string, bool)
	// Peek returns what Pick would return without recording anything.
	Peek() (string, bool)
	// All returns every known origin regardless of health or quota.
	All() []string
	// SetCursor repositions the round-robin cursor. Health-aware
	// selectors reject it.
	SetCursor(int) error
	// Destroy releases whatever the selector owns. A health-aware
	// selector destroys the monitor it wraps.
	Destroy() error
}

// HealthSource is the monitor surface the health-aware selector
// consumes. *healthcheck.Monitor satisfies it.
type HealthSource interface {
	ResponseTimes() map[string]float64
	LastUpdate() time.Time
	Registry() *upstream.Set
	Destroy()
}
