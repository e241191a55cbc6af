package scheduling

import (
	"context"

	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/samber/mo"
)

// notifier collects the outgoing messages of one local edit
type notifier struct {
	ctx      context.Context
	resolver identity.Resolver
	// organizes is set when the editing actor organizes the series
	organizes bool
	out       []Notification
}

// recipients returns the attendees of ev that are not its organizer
func (n *notifier) recipients(ev *schedule.Event) []schedule.Attendee {
	var out []schedule.Attendee
	for _, a := range ev.Attendees {
		if ev.Organizer != nil && identity.Matches(n.ctx, n.resolver, a.URI, ev.Organizer.URI) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (n *notifier) add(method schedule.Method, to string, rid recurrence.ID, events ...*schedule.Event) {
	opt := mo.None[recurrence.ID]()
	if !rid.IsZero() {
		opt = mo.Some(rid)
	}
	n.out = append(n.out, Notification{
		Method:       method,
		Recipient:    to,
		RecurrenceID: opt,
		Object:       &schedule.Object{Method: method, Events: events},
	})
}

// seriesRequest invites an attendee to the whole series: the master and
// every change exception they take part in
func (n *notifier) seriesRequest(sr *series.Series, to string) {
	events := []*schedule.Event{sr.Master.Clone()}
	for _, ex := range sr.SortedExceptions() {
		if ex.Event.Attendee(to) != nil {
			events = append(events, ex.Event.Clone())
		}
	}
	n.add(schedule.MethodRequest, to, recurrence.ID{}, events...)
}

func (n *notifier) occurrenceRequest(ev *schedule.Event, to string) {
	n.add(schedule.MethodRequest, to, ev.RecurrenceID, ev.Clone())
}

// cancel withdraws ev, a master or an occurrence, from one attendee
func (n *notifier) cancel(ev *schedule.Event, to schedule.Attendee) {
	c := ev.Clone()
	c.Status = schedule.StatusCancelled
	c.Attendees = []schedule.Attendee{to}
	c.Alarms = nil
	n.add(schedule.MethodCancel, to.URI, ev.RecurrenceID, c)
}
