package scheduling

import (
	"context"
	"slices"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/itip"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/emersion/go-ical"
)

const paramDelegatedFrom = "DELEGATED-FROM"

// incoming prepares the event of a REQUEST for storage. Alarm state is local
// to the recipient and survives updates. The recipient's participation is
// kept unless the organizer raised the sequence, which asks for a new answer.
func (m *Machine) incoming(ctx context.Context, msg itip.Message, stored *schedule.Event, raised bool) *schedule.Event {
	ev := msg.Event.Clone()
	ev.Sequence = max(ev.Sequence, 0)
	if stored == nil {
		return ev
	}
	ev.Alarms = schedule.CloneAlarms(stored.Alarms)
	ev.MozLastAck = stored.MozLastAck
	ev.MozSnoozeTime = stored.MozSnoozeTime

	if msg.Recipient == "" {
		return ev
	}
	i := itip.FindAttendee(ctx, m.resolver(), ev.Attendees, msg.Recipient)
	if i < 0 {
		return ev
	}
	if raised {
		ev.Attendees[i].PartStat = schedule.PartStatNeedsAction
		return ev
	}
	if j := itip.FindAttendee(ctx, m.resolver(), stored.Attendees, msg.Recipient); j >= 0 {
		ev.Attendees[i].PartStat = stored.Attendees[j].PartStat
	}
	return ev
}

func (m *Machine) newSeries(ctx context.Context, tx *series.Tx, a itip.Analysis, _ *CommitResult) error {
	ne := a.(*itip.NewEvent)
	return tx.SetMaster(m.incoming(ctx, ne.Msg, nil, false))
}

func (m *Machine) newOccurrence(ctx context.Context, tx *series.Tx, a itip.Analysis, _ *CommitResult) error {
	ne := a.(*itip.NewEvent)
	rid := ne.Msg.RecurrenceID.MustGet()

	ev := m.incoming(ctx, ne.Msg, nil, false)
	if sr := tx.Series(); sr != nil && sr.Master != nil {
		ev.Alarms = schedule.CloneAlarms(sr.Master.Alarms)
	}
	return tx.MaterializeException(rid, series.Change, ev, series.MaterializeOptions{AllowOrphan: ne.Orphaned})
}

func (m *Machine) changeSeries(ctx context.Context, tx *series.Tx, a itip.Analysis, _ *CommitResult) error {
	ch := a.(*itip.ChangedEvent)
	sr := tx.Series()

	msg := ch.Msg
	msg.Event = itip.WithLocalDeletes(msg.Event, sr)
	if err := tx.SetMaster(m.incoming(ctx, msg, sr.Master, ch.SequenceRaised)); err != nil {
		return err
	}
	return m.applyExceptionDiffs(ctx, tx, ch.Exceptions, false)
}

// applyExceptionDiffs carries master attendee changes into change
// exceptions. Exceptions the new master dropped are skipped.
func (m *Machine) applyExceptionDiffs(ctx context.Context, tx *series.Tx, diffs []itip.ExceptionDiff, bump bool) error {
	for _, d := range diffs {
		ex, ok := tx.Series().Exception(d.RecurrenceID)
		if !ok {
			continue
		}
		ev := ex.Event.Clone()
		for _, a := range d.Removed {
			if i := itip.FindAttendee(ctx, m.resolver(), ev.Attendees, a.URI); i >= 0 {
				ev.Attendees = slices.Delete(ev.Attendees, i, i+1)
			}
		}
		ev.Attendees = append(ev.Attendees, d.Added...)
		if bump {
			ev.Sequence++
		}
		if err := tx.MaterializeException(d.RecurrenceID, series.Change, ev, series.MaterializeOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) changeOccurrence(ctx context.Context, tx *series.Tx, a itip.Analysis, _ *CommitResult) error {
	ch := a.(*itip.ChangedEvent)
	rid := ch.Msg.RecurrenceID.MustGet()
	ev := m.incoming(ctx, ch.Msg, ch.Previous, ch.SequenceRaised)
	return tx.MaterializeException(rid, series.Change, ev, series.MaterializeOptions{})
}

func (m *Machine) cancelSeries(_ context.Context, tx *series.Tx, _ itip.Analysis, _ *CommitResult) error {
	tx.Delete()
	return nil
}

func (m *Machine) cancelOccurrence(_ context.Context, tx *series.Tx, a itip.Analysis, res *CommitResult) error {
	de := a.(*itip.DeletedEvent)
	if de.AlreadyDeleted {
		res.Outcome = OutcomeNoOp
		res.Reason = "occurrence already deleted"
		return nil
	}
	return tx.MaterializeException(de.Msg.RecurrenceID.MustGet(), series.Delete, nil, series.MaterializeOptions{})
}

func (m *Machine) replySeries(_ context.Context, tx *series.Tx, a itip.Analysis, _ *CommitResult) error {
	r := a.(*itip.Reply)
	sr := tx.Series()
	exceptions := sr.SortedExceptions()

	master := sr.Master.Clone()
	previous, err := setPartStat(master, r)
	if err != nil {
		return err
	}
	if err := tx.SetMaster(master); err != nil {
		return err
	}

	// occurrences that were never answered separately follow the series
	for _, ex := range exceptions {
		if att := replier(ex.Event, r.Attendee); att == nil || att.PartStat != previous {
			continue
		}
		ev := ex.Event.Clone()
		if _, err := setPartStat(ev, r); err != nil {
			return err
		}
		if err := tx.MaterializeException(ex.RecurrenceID, series.Change, ev, series.MaterializeOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) replyOccurrence(_ context.Context, tx *series.Tx, a itip.Analysis, _ *CommitResult) error {
	r := a.(*itip.Reply)
	rid := r.Msg.RecurrenceID.MustGet()
	stored, ok := tx.Series().Event(rid)
	if !ok {
		return schederr.New(schederr.KindRecurrenceIDNotFound, r.Msg.UID, rid.Encode(), "reply to an unknown occurrence")
	}
	ev := stored.Clone()
	if _, err := setPartStat(ev, r); err != nil {
		return err
	}
	return tx.MaterializeException(rid, series.Change, ev, series.MaterializeOptions{})
}

// setPartStat records a reply on ev and returns the previous status. A reply
// cannot take an answered attendee back to NEEDS-ACTION.
func setPartStat(ev *schedule.Event, r *itip.Reply) (schedule.PartStat, error) {
	att := replier(ev, r.Attendee)
	if att == nil {
		return "", schederr.New(schederr.KindUnknownAttendee, ev.UID, ridString(ev.RecurrenceID),
			"%s is not an attendee", r.Attendee.URI)
	}
	previous := att.PartStat
	if previous.Terminal() && !r.PartStat.Terminal() {
		return "", schederr.New(schederr.KindConflict, ev.UID, ridString(ev.RecurrenceID),
			"%s cannot return from %s to %s by reply", att.URI, previous, r.PartStat)
	}
	att.PartStat = r.PartStat
	att.DelegatedTo = ""
	if r.PartStat == schedule.PartStatDelegated {
		att.DelegatedTo = r.DelegatedTo
		addDelegate(ev, *att)
	}
	return previous, nil
}

// addDelegate invites the delegate of a DELEGATED reply
func addDelegate(ev *schedule.Event, from schedule.Attendee) {
	if from.DelegatedTo == "" || attendeeIndex(ev.Attendees, from.DelegatedTo) >= 0 {
		return
	}
	params := make(ical.Params)
	params.Set(paramDelegatedFrom, from.URI)
	ev.Attendees = append(ev.Attendees, schedule.Attendee{
		URI:      from.DelegatedTo,
		CUType:   from.CUType,
		Role:     from.Role,
		PartStat: schedule.PartStatNeedsAction,
		RSVP:     true,
		Params:   params,
	})
}

// replier finds the attendee a reply speaks for, by entity first and by
// address for attendees no directory knows
func replier(ev *schedule.Event, from schedule.Attendee) *schedule.Attendee {
	if att := ev.AttendeeByEntity(from.EntityID); att != nil {
		return att
	}
	if i := attendeeIndex(ev.Attendees, from.URI); i >= 0 {
		return &ev.Attendees[i]
	}
	return nil
}

func attendeeIndex(list []schedule.Attendee, uri string) int {
	return slices.IndexFunc(list, func(a schedule.Attendee) bool {
		return identity.SameAddress(a.URI, uri)
	})
}

func ridString(rid recurrence.ID) string {
	if rid.IsZero() {
		return ""
	}
	return rid.Encode()
}
