package itip

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
)

// Change is one modified property
type Change struct {
	Field string
	Old   string
	New   string
}

// AttendeeChange is an attendee present on both sides with different
// parameters
type AttendeeChange struct {
	Before schedule.Attendee
	After  schedule.Attendee
}

// ExceptionDiff is the attendee change a series-scoped update carries into
// one change exception
type ExceptionDiff struct {
	RecurrenceID recurrence.ID
	Added        []schedule.Attendee
	Removed      []schedule.Attendee
}

// attendeeMatcher correlates attendees across two versions of an event
type attendeeMatcher struct {
	ctx      context.Context
	resolver identity.Resolver
}

func (m attendeeMatcher) same(a, b schedule.Attendee) bool {
	if a.EntityID != "" && a.EntityID == b.EntityID {
		return true
	}
	return identity.Matches(m.ctx, m.resolver, a.URI, b.URI)
}

func (m attendeeMatcher) find(list []schedule.Attendee, a schedule.Attendee) int {
	return slices.IndexFunc(list, func(b schedule.Attendee) bool {
		return m.same(a, b)
	})
}

func (m attendeeMatcher) findAddress(list []schedule.Attendee, address string) int {
	return m.find(list, schedule.Attendee{URI: address})
}

// diffOptions tunes which differences count
type diffOptions struct {
	// keepPartStat names an attendee whose participation status is local
	// state and not compared
	keepPartStat string
}

// Diff compares two versions of an event, correlating attendees through r
func Diff(ctx context.Context, r identity.Resolver, old, new *schedule.Event) *ChangedEvent {
	return attendeeMatcher{ctx: ctx, resolver: r}.diff(old, new, diffOptions{})
}

// FindAttendee returns the index of the attendee of list that address
// belongs to, or -1
func FindAttendee(ctx context.Context, r identity.Resolver, list []schedule.Attendee, address string) int {
	return attendeeMatcher{ctx: ctx, resolver: r}.findAddress(list, address)
}

// ResolveEntities records on ev the entity each attendee address and the
// organizer resolve to through r. Unknown addresses keep an empty entity.
func ResolveEntities(ctx context.Context, r identity.Resolver, ev *schedule.Event) {
	if r == nil || ev == nil {
		return
	}
	entity := func(address string) string {
		u, err := r.Resolve(ctx, address)
		if err != nil || u == nil {
			return ""
		}
		return u.EntityID
	}
	for i := range ev.Attendees {
		ev.Attendees[i].EntityID = entity(ev.Attendees[i].URI)
	}
	if ev.Organizer != nil {
		ev.Organizer.EntityID = entity(ev.Organizer.URI)
	}
}

func (m attendeeMatcher) diff(old, new *schedule.Event, opts diffOptions) *ChangedEvent {
	out := &ChangedEvent{Previous: old}

	field := func(name, a, b string) {
		if a != b {
			out.Changes = append(out.Changes, Change{Field: name, Old: a, New: b})
		}
	}
	field("SUMMARY", old.Summary, new.Summary)
	field("DESCRIPTION", old.Description, new.Description)
	field("LOCATION", old.Location, new.Location)
	if !sameDateTime(old.Start, new.Start) {
		field("DTSTART", formatDateTime(old.Start), formatDateTime(new.Start))
	}
	if !old.EndTime().Equal(new.EndTime()) {
		field("DTEND", formatInstant(old.EndTime()), formatInstant(new.EndTime()))
	}
	field("RRULE", old.RRule, new.RRule)
	field("RDATE", formatList(old.RDates), formatList(new.RDates))
	field("EXDATE", formatList(old.ExDates), formatList(new.ExDates))
	field("TRANSP", orDefault(old.Transparency, schedule.TranspOpaque), orDefault(new.Transparency, schedule.TranspOpaque))
	field("STATUS", old.Status, new.Status)
	field("X-MICROSOFT-CDO-BUSYSTATUS", old.ShownAs, new.ShownAs)
	field("ORGANIZER", organizerURI(old), organizerURI(new))

	for _, a := range new.Attendees {
		i := m.find(old.Attendees, a)
		if i < 0 {
			out.Added = append(out.Added, a)
			continue
		}
		before := old.Attendees[i]
		comparePartStat := opts.keepPartStat == "" || !identity.Matches(m.ctx, m.resolver, a.URI, opts.keepPartStat)
		if attendeeDiffers(before, a, comparePartStat) {
			out.Updated = append(out.Updated, AttendeeChange{Before: before, After: a})
		}
	}
	for _, a := range old.Attendees {
		if m.find(new.Attendees, a) < 0 {
			out.Removed = append(out.Removed, a)
		}
	}
	return out
}

func attendeeDiffers(a, b schedule.Attendee, comparePartStat bool) bool {
	if comparePartStat && a.PartStat != b.PartStat {
		return true
	}
	delegated := a.DelegatedTo != b.DelegatedTo && !identity.SameAddress(a.DelegatedTo, b.DelegatedTo)
	return delegated ||
		a.CommonName != b.CommonName ||
		a.Role != b.Role ||
		a.CUType != b.CUType ||
		a.RSVP != b.RSVP
}

// ExceptionDiffs computes which attendee additions and removals of a master
// update apply to each change exception of sr. Exceptions that already
// agree are left out.
func ExceptionDiffs(ctx context.Context, r identity.Resolver, sr *series.Series, before, after *schedule.Event) []ExceptionDiff {
	if sr == nil || before == nil || after == nil {
		return nil
	}
	m := attendeeMatcher{ctx: ctx, resolver: r}
	d := m.diff(before, after, diffOptions{})

	var out []ExceptionDiff
	for _, ex := range sr.SortedExceptions() {
		ed := ExceptionDiff{RecurrenceID: ex.RecurrenceID}
		for _, a := range d.Added {
			if m.find(ex.Event.Attendees, a) < 0 {
				ed.Added = append(ed.Added, a)
			}
		}
		for _, a := range d.Removed {
			if m.find(ex.Event.Attendees, a) >= 0 {
				ed.Removed = append(ed.Removed, a)
			}
		}
		if len(ed.Added) > 0 || len(ed.Removed) > 0 {
			out = append(out, ed)
		}
	}
	return out
}

func sameDateTime(a, b recurrence.DateTime) bool {
	return a.Time.Equal(b.Time) && a.DateOnly == b.DateOnly
}

func formatDateTime(d recurrence.DateTime) string {
	return recurrence.FormatDateTime("DTSTART", d).Value
}

func formatInstant(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func formatList(values []recurrence.DateTime) string {
	keys := make([]string, 0, len(values))
	for _, v := range values {
		keys = append(keys, v.ID().Encode())
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

func organizerURI(ev *schedule.Event) string {
	if ev.Organizer == nil {
		return ""
	}
	return identity.Normalize(ev.Organizer.URI)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
