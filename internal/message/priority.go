package message

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Priority is an open ordinal: higher values are dispatched first. Any integer
// is a valid priority; named tiers are only a convenience for configuration
// and the API.
type Priority int

// Built-in tiers. They are spaced so deployments can slot new tiers between
// them without renumbering.
const (
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 10
	PriorityHigh      Priority = 20
	PriorityUrgent    Priority = 30
	PriorityEmergency Priority = 40
)

// Tiers maps tier names to priorities.
type Tiers map[string]Priority

// DefaultTiers returns the built-in tier table.
func DefaultTiers() Tiers {
	return Tiers{
		"low":       PriorityLow,
		"normal":    PriorityNormal,
		"high":      PriorityHigh,
		"urgent":    PriorityUrgent,
		"emergency": PriorityEmergency,
	}
}

// Parse resolves a tier name (case-insensitive) or a literal integer.
// An empty string resolves to the "normal" tier when present, else PriorityNormal.
func (t Tiers) Parse(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if p, ok := t["normal"]; ok {
			return p, nil
		}
		return PriorityNormal, nil
	}
	if p, ok := t[strings.ToLower(s)]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown priority %q (known tiers: %s)", s, strings.Join(t.Names(), ", "))
	}
	return Priority(n), nil
}

// Name returns the tier name for p, or its decimal form when no tier matches.
func (t Tiers) Name(p Priority) string {
	best := ""
	for name, v := range t {
		// Several names may share a value; pick the lexically smallest so the
		// result is stable.
		if v == p && (best == "" || name < best) {
			best = name
		}
	}
	if best == "" {
		return strconv.Itoa(int(p))
	}
	return best
}

// Names lists tier names ordered from highest to lowest priority.
func (t Tiers) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if t[names[i]] != t[names[j]] {
			return t[names[i]] > t[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

func (p Priority) String() string {
	return DefaultTiers().Name(p)
}
