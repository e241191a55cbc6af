// Package series stores recurring series together with their change and
// delete exceptions.
//
// A Series value is an immutable snapshot: readers may hold on to it while
// writers publish newer versions. All mutation goes through Store.Update.
package series

import (
	"slices"
	"time"

	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
)

// Kind selects the exception to materialize at a recurrence id
type Kind int

const (
	// Change overrides the content of one occurrence
	Change Kind = iota
	// Delete removes one occurrence from the expansion
	Delete
)

func (k Kind) String() string {
	if k == Delete {
		return "delete"
	}
	return "change"
}

// Exception is a change exception. Orphaned exceptions sit at a recurrence id
// the master's rule does not generate (or the series has no master yet).
type Exception struct {
	RecurrenceID recurrence.ID
	Event        *schedule.Event
	Orphaned     bool
}

// Series is a committed snapshot of one recurring series
type Series struct {
	UID        string
	Master     *schedule.Event // nil when only occurrences are known
	Exceptions map[string]*Exception
	Deletes    map[string]recurrence.ID
	Version    int64
	Modified   time.Time
}

// Exception returns the change exception at rid
func (s *Series) Exception(rid recurrence.ID) (*Exception, bool) {
	ex, ok := s.Exceptions[rid.Key()]
	return ex, ok
}

// IsDeleted reports whether rid carries a delete exception
func (s *Series) IsDeleted(rid recurrence.ID) bool {
	_, ok := s.Deletes[rid.Key()]
	return ok
}

// SortedExceptions returns the change exceptions in recurrence id order
func (s *Series) SortedExceptions() []*Exception {
	out := make([]*Exception, 0, len(s.Exceptions))
	for _, ex := range s.Exceptions {
		out = append(out, ex)
	}
	slices.SortFunc(out, func(a, b *Exception) int {
		return a.RecurrenceID.Compare(b.RecurrenceID)
	})
	return out
}

// Orphans returns the orphaned change exceptions in recurrence id order
func (s *Series) Orphans() []*Exception {
	var out []*Exception
	for _, ex := range s.SortedExceptions() {
		if ex.Orphaned {
			out = append(out, ex)
		}
	}
	return out
}

// DeletedIDs returns the delete exceptions in recurrence id order
func (s *Series) DeletedIDs() []recurrence.ID {
	out := make([]recurrence.ID, 0, len(s.Deletes))
	for _, rid := range s.Deletes {
		out = append(out, rid)
	}
	slices.SortFunc(out, recurrence.ID.Compare)
	return out
}

// Sequence returns the stored sequence for the series (zero rid) or one
// occurrence. Occurrences without an exception inherit the master's.
func (s *Series) Sequence(rid recurrence.ID) int {
	if !rid.IsZero() {
		if ex, ok := s.Exception(rid); ok {
			return ex.Event.Sequence
		}
	}
	if s.Master != nil {
		return s.Master.Sequence
	}
	seq := 0
	for _, ex := range s.Exceptions {
		seq = max(seq, ex.Event.Sequence)
	}
	return seq
}

// Event returns the effective content at rid: the master for a zero rid, the
// change exception if there is one, or the master projected onto the
// occurrence. The result must not be modified.
func (s *Series) Event(rid recurrence.ID) (*schedule.Event, bool) {
	if rid.IsZero() {
		return s.Master, s.Master != nil
	}
	if ex, ok := s.Exception(rid); ok {
		return ex.Event, true
	}
	if s.Master == nil || s.IsDeleted(rid) {
		return nil, false
	}
	return OccurrenceEvent(s.Master, rid), true
}

// Events returns the master (if any) followed by the change exceptions
func (s *Series) Events() []*schedule.Event {
	var out []*schedule.Event
	if s.Master != nil {
		out = append(out, s.Master)
	}
	for _, ex := range s.SortedExceptions() {
		out = append(out, ex.Event)
	}
	return out
}

// OccurrenceEvent projects a master onto one of its occurrences: the copy
// starts at rid, keeps the master's length and carries no recurrence rule.
func OccurrenceEvent(master *schedule.Event, rid recurrence.ID) *schedule.Event {
	ev := master.Clone()
	length := master.Length()
	loc := master.Start.Time.Location()

	var start time.Time
	if rid.DateOnly || master.Start.DateOnly {
		y, m, d := rid.Time.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	} else {
		start = rid.Time.In(loc)
	}

	ev.RecurrenceID = rid
	ev.Start = recurrence.DateTime{
		Time:     start,
		TZID:     master.Start.TZID,
		DateOnly: master.Start.DateOnly,
		Floating: master.Start.Floating,
	}
	if !master.End.Time.IsZero() {
		ev.End = recurrence.DateTime{
			Time:     start.Add(length),
			TZID:     master.End.TZID,
			DateOnly: master.End.DateOnly,
			Floating: master.End.Floating,
		}
	}
	ev.RRule = ""
	ev.RDates = nil
	ev.ExDates = nil
	return ev
}

// NaturalID returns the recurrence id of an occurrence generated at t
func NaturalID(master *schedule.Event, t time.Time) recurrence.ID {
	if master.Start.DateOnly {
		return recurrence.NewDateID(t)
	}
	return recurrence.ID{Time: t, TZID: master.Start.TZID}
}

func (s *Series) clone() *Series {
	c := *s
	c.Exceptions = make(map[string]*Exception, len(s.Exceptions))
	for k, v := range s.Exceptions {
		c.Exceptions[k] = v
	}
	c.Deletes = make(map[string]recurrence.ID, len(s.Deletes))
	for k, v := range s.Deletes {
		c.Deletes[k] = v
	}
	return &c
}
