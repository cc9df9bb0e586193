package selector

import "sync"

// Static rotates over a fixed origin list, ignoring liveness.
type Static struct {
	mu      sync.Mutex
	origins []string
	cursor  int
}

// NewStatic creates a round-robin selector over the given origins.
func NewStatic(origins []string) *Static {
	copied := make([]string, len(origins))
	copy(copied, origins)
	return &Static{origins: copied}
}

// Pick returns the origin under the cursor and advances it. The read
// and the advance are one atomic step, so concurrent picks never
// observe the same cursor position.
func (s *Static) Pick() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.origins) == 0 {
		return "", false
	}

	origin := s.origins[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.origins)
	return origin, true
}

// Peek returns the origin under the cursor without advancing it.
func (s *Static) Peek() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.origins) == 0 {
		return "", false
	}
	return s.origins[s.cursor], true
}

// All returns the configured origins in order.
func (s *Static) All() []string {
	out := make([]string, len(s.origins))
	copy(out, s.origins)
	return out
}

// SetCursor repositions the rotation, rejecting out-of-range indices.
func (s *Static) SetCursor(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.origins) {
		return ErrCursorOutOfRange
	}
	s.cursor = index
	return nil
}

// Destroy is a no-op: a static selector owns nothing.
func (s *Static) Destroy() error {
	return nil
}
