package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cast"
)

// DefaultProbePath is probed when a target does not configure its own path.
const DefaultProbePath = "/"

var (
	ErrEmptyList = errors.New("upstream: list cannot be empty")
)

// Target is a single canonical upstream origin plus its probe
// configuration. Origin never carries a path.
type Target struct {
	Origin      string
	ProbePath   string
	MaxRequests *int // nil means unlimited
}

// Set is an ordered, deduplicated collection of upstream targets.
// It is built once at startup and read-only afterwards.
type Set struct {
	order        []string
	targets      map[string]Target
	personalized bool
}

// Parse normalizes a configured upstream list into a Set.
//
// The list must be either all address strings or all configuration
// records (maps with a required "url" key and optional "probe_path"
// and "max_requests"), never mixed. Duplicate origins collapse to a
// single entry: the configuration of the last occurrence wins, the
// position of the first occurrence is kept.
func Parse(raw []any) (*Set, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyList
	}

	s := &Set{targets: make(map[string]Target, len(raw))}

	_, s.personalized = asRecord(raw[0])

	for i, entry := range raw {
		target, err := parseEntry(i, entry, s.personalized)
		if err != nil {
			return nil, err
		}

		if _, seen := s.targets[target.Origin]; !seen {
			s.order = append(s.order, target.Origin)
		}
		s.targets[target.Origin] = target
	}

	return s, nil
}

// FromStrings builds a Set from plain addresses with uniform probing.
func FromStrings(addrs []string) (*Set, error) {
	raw := make([]any, len(addrs))
	for i, a := range addrs {
		raw[i] = a
	}
	return Parse(raw)
}

func parseEntry(index int, entry any, personalized bool) (Target, error) {
	if record, ok := asRecord(entry); ok {
		if !personalized {
			return Target{}, mixedErr(index)
		}
		return parseRecord(index, record)
	}

	addr, ok := entry.(string)
	if !ok || personalized {
		return Target{}, mixedErr(index)
	}

	origin, err := Normalize(addr)
	if err != nil {
		return Target{}, fmt.Errorf("upstream: entry %d: %w", index, err)
	}

	return Target{Origin: origin, ProbePath: DefaultProbePath}, nil
}

func parseRecord(index int, record map[string]any) (Target, error) {
	rawURL, ok := record["url"]
	if !ok {
		return Target{}, fmt.Errorf("upstream: entry %d: record is missing the url field", index)
	}

	origin, err := Normalize(cast.ToString(rawURL))
	if err != nil {
		return Target{}, fmt.Errorf("upstream: entry %d: %w", index, err)
	}

	target := Target{Origin: origin, ProbePath: DefaultProbePath}

	if p, ok := record["probe_path"]; ok {
		path := cast.ToString(p)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target.ProbePath = path
	}

	if m, ok := record["max_requests"]; ok {
		limit, err := cast.ToIntE(m)
		if err != nil || limit < 0 {
			return Target{}, fmt.Errorf("upstream: entry %d: max_requests must be a non-negative integer", index)
		}
		target.MaxRequests = &limit
	}

	return target, nil
}

func asRecord(entry any) (map[string]any, bool) {
	switch v := entry.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		record := make(map[string]any, len(v))
		for k, val := range v {
			record[cast.ToString(k)] = val
		}
		return record, true
	}
	return nil, false
}

func mixedErr(index int) error {
	return fmt.Errorf("upstream: entry %d: cannot mix address strings and configuration records", index)
}

// Normalize reduces an address to its canonical origin form,
// scheme://host[:port]. A missing scheme defaults to http; any path,
// query or fragment is discarded.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("address cannot be empty")
	}

	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("address %q has no host", addr)
	}

	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// Origins returns the canonical origins in registry order.
func (s *Set) Origins() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of distinct origins.
func (s *Set) Len() int {
	return len(s.order)
}

// Contains reports whether the origin is part of the set.
func (s *Set) Contains(origin string) bool {
	_, ok := s.targets[origin]
	return ok
}

// Target returns the full target record for an origin.
func (s *Set) Target(origin string) (Target, bool) {
	t, ok := s.targets[origin]
	return t, ok
}

// ProbePath returns the configured probe path for an origin, falling
// back to the default for unknown origins.
func (s *Set) ProbePath(origin string) string {
	if t, ok := s.targets[origin]; ok {
		return t.ProbePath
	}
	return DefaultProbePath
}

// Limit returns the per-origin request quota, or nil when unlimited.
func (s *Set) Limit(origin string) *int {
	if t, ok := s.targets[origin]; ok {
		return t.MaxRequests
	}
	return nil
}

// Personalized reports whether the set was built from configuration
// records. Per-origin quotas and a global quota are mutually exclusive,
// so a personalized set rejects global overrides.
func (s *Set) Personalized() bool {
	return s.personalized
}
