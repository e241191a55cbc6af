package itip

import "fmt"

// ScopePolicy decides how a series-scoped update treats occurrences that
// carry their own change exception.
type ScopePolicy string

const (
	// PolicySeriesOnly touches the master only
	PolicySeriesOnly ScopePolicy = "series-only"
	// PolicySeriesAndExceptions also carries the master's attendee additions
	// and removals into every change exception
	PolicySeriesAndExceptions ScopePolicy = "series-and-exceptions"
)

// DefaultScopePolicy is used when nothing is configured
const DefaultScopePolicy = PolicySeriesAndExceptions

// ParseScopePolicy parses a configured policy name. An empty name selects
// the default.
func ParseScopePolicy(s string) (ScopePolicy, error) {
	switch ScopePolicy(s) {
	case "":
		return DefaultScopePolicy, nil
	case PolicySeriesOnly, PolicySeriesAndExceptions:
		return ScopePolicy(s), nil
	}
	return "", fmt.Errorf("unknown scope policy %q", s)
}
