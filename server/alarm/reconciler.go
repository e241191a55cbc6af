package alarm

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/scheduling"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/samber/mo"
)

// lookback bounds how long before an acknowledgement the acknowledged
// occurrence may start
const lookback = 31 * 24 * time.Hour

// Reconciler stores client alarm state through the scheduling state machine
type Reconciler struct {
	machine        *scheduling.Machine
	ackUnsupported []string
	logger         *slog.Logger
}

// Option represents a configuration option for the Reconciler
type Option func(*Reconciler)

// WithLogger sets the logger for the reconciler
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAckUnsupported lists PRODID substrings of clients that cannot store
// ACKNOWLEDGED
func WithAckUnsupported(products []string) Option {
	return func(r *Reconciler) {
		r.ackUnsupported = append([]string(nil), products...)
	}
}

// NewReconciler creates a reconciler committing through machine
func NewReconciler(machine *scheduling.Machine, opts ...Option) *Reconciler {
	r := &Reconciler{
		machine: machine,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// View returns the stored events of a series with their alarms rendered for
// the client identified by productID. The store is not modified.
func (r *Reconciler) View(uid, productID string) ([]*schedule.Event, bool) {
	sr, ok := r.machine.Store().Get(uid)
	if !ok {
		return nil, false
	}
	caps := CapabilitiesFor(productID, r.ackUnsupported)
	events := sr.Events()
	out := make([]*schedule.Event, 0, len(events))
	for _, ev := range events {
		c := ev.Clone()
		c.Alarms = Render(ev.Alarms, caps, AnchorOf(ev))
		out = append(out, c)
	}
	return out, true
}

// Reconcile merges the alarms of a client-submitted event into the stored
// series. An occurrence submission updates that occurrence. For a recurring
// master the master keeps only the alarm template; an acknowledgement or
// snooze is recorded on the occurrence whose alarm fired, as a change
// exception.
//
// The merge is computed on the latest snapshot and committed only if the
// series did not change in between, unless opts already names the
// modification time the caller saw.
func (r *Reconciler) Reconcile(ctx context.Context, submitted *schedule.Event, opts scheduling.EditOptions) mo.Result[scheduling.CommitResult] {
	if submitted == nil {
		return mo.Err[scheduling.CommitResult](schederr.New(schederr.KindParse, "", "", "no event submitted"))
	}
	sr, ok := r.machine.Store().Get(submitted.UID)
	if !ok {
		return mo.Err[scheduling.CommitResult](schederr.New(schederr.KindConflict, submitted.UID, "", "series does not exist"))
	}
	if opts.UnmodifiedSince.IsZero() {
		opts.UnmodifiedSince = sr.Modified
	}

	updates, err := r.plan(sr, submitted)
	if err != nil {
		return mo.Err[scheduling.CommitResult](err)
	}
	r.logger.Debug("reconciling alarms",
		"uid", submitted.UID,
		"targets", len(updates))
	return r.machine.UpdateAlarmSet(ctx, submitted.UID, updates, opts)
}

func (r *Reconciler) plan(sr *series.Series, submitted *schedule.Event) ([]scheduling.AlarmUpdate, error) {
	hints := HintsOf(submitted)

	if rid := submitted.RecurrenceID; !rid.IsZero() {
		_, isException := sr.Exception(rid)
		stored, ok := sr.Event(rid)
		if !ok || (!isException && !r.machine.Store().IsNatural(sr.Master, rid)) {
			return nil, schederr.New(schederr.KindRecurrenceIDNotFound, sr.UID, rid.Encode(), "occurrence is not part of the series")
		}
		merged := Merge(stored.Alarms, submitted.Alarms, hints, AnchorOf(stored))
		return []scheduling.AlarmUpdate{{RecurrenceID: rid, Alarms: merged}}, nil
	}

	master := sr.Master
	if master == nil {
		return nil, schederr.New(schederr.KindConflict, sr.UID, "", "series has no master")
	}
	if !master.RecurrenceInfo().IsRecurring() {
		merged := Merge(master.Alarms, submitted.Alarms, hints, AnchorOf(master))
		return []scheduling.AlarmUpdate{{Alarms: merged}}, nil
	}

	template := Template(Merge(master.Alarms, submitted.Alarms, Hints{}, AnchorOf(master)))
	updates := []scheduling.AlarmUpdate{{Alarms: template}}

	ref := reference(submitted.Alarms, hints)
	if ref.IsZero() {
		return updates, nil
	}
	rid, ok := r.firedOccurrence(sr, template, ref)
	if !ok {
		r.logger.Debug("no occurrence fired before the acknowledgement",
			"uid", sr.UID,
			"at", ref)
		return updates, nil
	}
	stored, ok := sr.Event(rid)
	if !ok {
		return updates, nil
	}
	merged := Merge(stored.Alarms, submitted.Alarms, hints, AnchorOf(stored))
	return append(updates, scheduling.AlarmUpdate{RecurrenceID: rid, Alarms: merged}), nil
}

// reference is the latest point in time the submission says something about
// an alarm that fired: an acknowledgement or a snooze
func reference(alarms []schedule.Alarm, hints Hints) time.Time {
	ref := hints.LastAck
	later := func(t time.Time) {
		if t.After(ref) {
			ref = t
		}
	}
	later(hints.SnoozeTime)
	for _, a := range alarms {
		if IsDummy(a) {
			continue
		}
		later(a.Acknowledged)
		if a.RelatedTo != "" {
			later(a.Trigger.Absolute)
		}
	}
	return ref
}

// firedOccurrence finds the occurrence whose alarm fired last at or before
// ref
func (r *Reconciler) firedOccurrence(sr *series.Series, template []schedule.Alarm, ref time.Time) (recurrence.ID, bool) {
	lead := time.Duration(0)
	for _, a := range template {
		if !a.Trigger.IsAbsolute() && !a.Trigger.RelatedEnd && -a.Trigger.Offset > lead {
			lead = -a.Trigger.Offset
		}
	}
	window := recurrence.Window{Start: ref.Add(-lookback), End: ref.Add(lead + time.Second)}

	var found recurrence.ID
	for occ := range r.machine.Store().Expand(sr, window) {
		alarms := template
		if occ.Exception {
			alarms = Template(occ.Event.Alarms)
		}
		anchor := Anchor{Start: occ.Start, End: occ.End}
		for _, a := range alarms {
			if !TriggerAt(a, anchor).After(ref) {
				found = occ.RecurrenceID
				break
			}
		}
	}
	return found, !found.IsZero()
}
