package series

import (
	"iter"
	"time"

	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
)

// Occurrence is one instance of an expanded series
type Occurrence struct {
	UID          string
	RecurrenceID recurrence.ID
	Start        time.Time
	End          time.Time
	// Event is the master for plain instances and the exception's event
	// otherwise. It is shared with the snapshot and must not be modified.
	Event     *schedule.Event
	Exception bool
	Orphaned  bool
}

// Expand returns the occurrences of sr overlapping window in recurrence id
// order. Natural instances come from the master's rule; change exceptions
// replace their instance and are included whenever their own time overlaps
// the window, even if they were moved from outside it. Delete exceptions are
// skipped.
//
// The sequence reads only the snapshot, so it is safe to range over it
// concurrently with writers and to range over it more than once.
func (s *Store) Expand(sr *Series, window recurrence.Window) iter.Seq[Occurrence] {
	return func(yield func(Occurrence) bool) {
		if sr == nil {
			return
		}

		var pending []Occurrence
		for _, ex := range sr.SortedExceptions() {
			start, end := ex.Event.Start.Time, ex.Event.EndTime()
			if !window.Overlaps(start, end) {
				continue
			}
			pending = append(pending, Occurrence{
				UID:          sr.UID,
				RecurrenceID: ex.RecurrenceID,
				Start:        start,
				End:          end,
				Event:        ex.Event,
				Exception:    true,
				Orphaned:     ex.Orphaned,
			})
		}
		flush := func(until *recurrence.ID) bool {
			for len(pending) > 0 {
				if until != nil && until.Before(pending[0].RecurrenceID) {
					return true
				}
				if !yield(pending[0]) {
					return false
				}
				pending = pending[1:]
			}
			return true
		}

		if master := sr.Master; master != nil {
			length := master.Length()
			info := master.RecurrenceInfo()
			info.EXDATE = nil

			gen := window
			if !gen.Start.IsZero() {
				gen.Start = gen.Start.Add(-length)
			}
			seq, err := s.engine.Occurrences(master.Start.Time, info, gen)
			if err != nil {
				s.logger.Warn("failed to expand series",
					"uid", sr.UID,
					"error", err)
				seq = func(func(time.Time) bool) {}
			}

			for t := range seq {
				rid := NaturalID(master, t)
				if !flush(&rid) {
					return
				}
				key := rid.Key()
				if _, ok := sr.Deletes[key]; ok {
					continue
				}
				if _, ok := sr.Exceptions[key]; ok {
					continue
				}
				end := t.Add(length)
				if !window.Overlaps(t, end) {
					continue
				}
				if !yield(Occurrence{
					UID:          sr.UID,
					RecurrenceID: rid,
					Start:        t,
					End:          end,
					Event:        master,
				}) {
					return
				}
			}
		}

		flush(nil)
	}
}
