package recurrence

import (
	"time"
)

// RecurrenceInfo contains the recurrence-defining properties of a master event
type RecurrenceInfo struct {
	RRULE  string      // The RRULE value (without "RRULE:" prefix)
	RDATE  []time.Time // Additional recurrence dates
	EXDATE []time.Time // Exception dates (excluded occurrences)
}

// IsRecurring reports whether the info generates more than the start itself
func (r RecurrenceInfo) IsRecurring() bool {
	return r.RRULE != "" || len(r.RDATE) > 0
}

// Window is a half-open time range [Start, End). A zero End means unbounded.
type Window struct {
	Start time.Time
	End   time.Time
}

// Unbounded returns a window covering everything from the beginning of time
func Unbounded() Window {
	return Window{}
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// Overlaps reports whether [start, end) intersects the window. Zero-length
// intervals are treated as instants.
func (w Window) Overlaps(start, end time.Time) bool {
	if end.Before(start) {
		end = start
	}
	if !w.End.IsZero() && !start.Before(w.End) {
		return false
	}
	if w.Start.IsZero() {
		return true
	}
	if end.Equal(start) {
		return !start.Before(w.Start)
	}
	return end.After(w.Start)
}

// LocationLoader resolves a TZID into a location. Timezone data is maintained
// outside of this module.
type LocationLoader interface {
	LoadLocation(tzid string) (*time.Location, error)
}

// LocationLoaderFunc adapts a function to LocationLoader
type LocationLoaderFunc func(tzid string) (*time.Location, error)

// LoadLocation implements LocationLoader
func (f LocationLoaderFunc) LoadLocation(tzid string) (*time.Location, error) {
	return f(tzid)
}

// SystemLocations resolves TZIDs through the Go timezone database
var SystemLocations LocationLoader = LocationLoaderFunc(time.LoadLocation)
