package recurrence

import (
	"fmt"
	"strings"
	"time"
)

const (
	utcLayout      = "20060102T150405Z"
	localLayout    = "20060102T150405"
	dateOnlyLayout = "20060102"
)

// ID identifies one occurrence of a series.
//
// Two IDs are equal when they name the same instant (or the same date for
// date-only series), independent of the zone they were expressed in.
type ID struct {
	Time     time.Time
	TZID     string // zone the id was expressed in, empty for UTC/floating
	DateOnly bool
}

// NewID builds an ID for a date-time occurrence. The TZID is taken from the
// location name unless it is UTC or Local.
func NewID(t time.Time) ID {
	id := ID{Time: t}
	if name := t.Location().String(); name != "UTC" && name != "Local" && name != "" {
		id.TZID = name
	}
	return id
}

// NewDateID builds an ID for an all-day occurrence.
func NewDateID(t time.Time) ID {
	y, m, d := t.Date()
	return ID{Time: time.Date(y, m, d, 0, 0, 0, 0, t.Location()), DateOnly: true}
}

// IsZero reports whether the id is unset
func (id ID) IsZero() bool {
	return id.Time.IsZero()
}

// Key is the canonical map key of the id
func (id ID) Key() string {
	if id.DateOnly {
		return id.Time.Format(dateOnlyLayout)
	}
	return id.Time.UTC().Format(utcLayout)
}

// Equal reports whether both ids name the same occurrence
func (id ID) Equal(other ID) bool {
	return id.Key() == other.Key()
}

// Before orders ids by the instant they name
func (id ID) Before(other ID) bool {
	return id.Time.Before(other.Time)
}

// Compare returns -1, 0 or +1 ordering ids by instant
func (id ID) Compare(other ID) int {
	if id.Equal(other) {
		return 0
	}
	return id.Time.Compare(other.Time)
}

// Encode renders the externally visible token of the id. Tokens are
//
//	20240101             date-only
//	20240101T090000Z     UTC
//	Europe/Berlin:20240101T100000
func (id ID) Encode() string {
	switch {
	case id.IsZero():
		return ""
	case id.DateOnly:
		return id.Time.Format(dateOnlyLayout)
	case id.TZID != "":
		return id.TZID + ":" + id.Time.Format(localLayout)
	default:
		return id.Time.UTC().Format(utcLayout)
	}
}

// String implements fmt.Stringer
func (id ID) String() string {
	return id.Encode()
}

// DecodeID parses a token produced by Encode. Unknown zones fail.
func DecodeID(token string, locs LocationLoader) (ID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ID{}, fmt.Errorf("empty recurrence id")
	}
	if locs == nil {
		locs = SystemLocations
	}

	if i := strings.LastIndex(token, ":"); i > 0 {
		tzid, value := token[:i], token[i+1:]
		loc, err := locs.LoadLocation(tzid)
		if err != nil {
			return ID{}, fmt.Errorf("unknown zone %q in recurrence id: %w", tzid, err)
		}
		t, err := time.ParseInLocation(localLayout, value, loc)
		if err != nil {
			return ID{}, fmt.Errorf("invalid recurrence id %q: %w", token, err)
		}
		return ID{Time: t, TZID: tzid}, nil
	}

	if len(token) == len(dateOnlyLayout) {
		t, err := time.Parse(dateOnlyLayout, token)
		if err != nil {
			return ID{}, fmt.Errorf("invalid recurrence id %q: %w", token, err)
		}
		return ID{Time: t, DateOnly: true}, nil
	}

	t, err := time.Parse(utcLayout, token)
	if err != nil {
		return ID{}, fmt.Errorf("invalid recurrence id %q: %w", token, err)
	}
	return ID{Time: t}, nil
}
