// Package schederr holds the error taxonomy shared by the scheduling core.
//
// Every error is a deterministic validation outcome. Nothing in the core retries;
// callers inspect the kind with errors.Is against the sentinels below.
package schederr

import (
	"errors"
	"fmt"
)

// Kind classifies a scheduling error.
type Kind string

const (
	KindParse                Kind = "parse"
	KindStaleSequence        Kind = "stale_sequence"
	KindConflict             Kind = "conflict"
	KindUnknownAttendee      Kind = "unknown_attendee"
	KindRecurrenceIDNotFound Kind = "recurrence_id_not_found"
	KindOrphanConflict       Kind = "orphan_conflict"
)

var (
	// ErrParse is returned for malformed scheduling objects
	ErrParse = errors.New("malformed scheduling object")
	// ErrStaleSequence is returned when a write carries an outdated sequence or timestamp
	ErrStaleSequence = errors.New("stale sequence")
	// ErrConflict is returned when a write collides with the stored state
	ErrConflict = errors.New("conflict")
	// ErrUnknownAttendee is returned when a reply cannot be correlated to an attendee
	ErrUnknownAttendee = errors.New("unknown attendee")
	// ErrRecurrenceIDNotFound is returned when a recurrence id is not reachable from the rule
	ErrRecurrenceIDNotFound = errors.New("recurrence id not found")
	// ErrOrphanConflict is returned when an orphaned occurrence cannot be reconciled
	ErrOrphanConflict = errors.New("orphan conflict")
)

var sentinels = map[Kind]error{
	KindParse:                ErrParse,
	KindStaleSequence:        ErrStaleSequence,
	KindConflict:             ErrConflict,
	KindUnknownAttendee:      ErrUnknownAttendee,
	KindRecurrenceIDNotFound: ErrRecurrenceIDNotFound,
	KindOrphanConflict:       ErrOrphanConflict,
}

// Error carries the kind of failure together with the series and occurrence it
// concerns.
type Error struct {
	Kind         Kind
	UID          string
	RecurrenceID string // encoded recurrence id, empty for series scope
	Message      string
	Err          error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.UID != "" {
		msg += " uid=" + e.UID
	}
	if e.RecurrenceID != "" {
		msg += " recurrence-id=" + e.RecurrenceID
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds an Error of the given kind.
func New(kind Kind, uid, rid, format string, args ...any) *Error {
	return &Error{
		Kind:         kind,
		UID:          uid,
		RecurrenceID: rid,
		Message:      fmt.Sprintf(format, args...),
	}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, err error, uid, rid, format string, args ...any) *Error {
	e := New(kind, uid, rid, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or "" when err is not a scheduling error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return ""
}
