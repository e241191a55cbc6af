package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/itip"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/samber/mo"
)

// EditOptions carries the caller's view of the series for a local edit
type EditOptions struct {
	// UnmodifiedSince is the modification time the caller last saw. A
	// mismatch fails with StaleSequence; zero skips the check.
	UnmodifiedSince time.Time
	// Actor is the calendar user making the edit. Notifications are only
	// produced when the actor organizes the series; an empty actor is taken
	// to be the organizer.
	Actor string
}

type editFunc func(tx *series.Tx, sr *series.Series, n *notifier, res *CommitResult) error

// edit runs a local edit as one commit
func (m *Machine) edit(ctx context.Context, op, uid string, rid recurrence.ID, opts EditOptions, fn editFunc) mo.Result[CommitResult] {
	res := CommitResult{UID: uid, RecurrenceID: mo.None[recurrence.ID]()}
	if !rid.IsZero() {
		res.RecurrenceID = mo.Some(rid)
	}
	n := &notifier{ctx: ctx, resolver: m.resolver()}

	sr, err := m.store.Update(uid, func(tx *series.Tx) error {
		if err := tx.RequireUnmodifiedSince(opts.UnmodifiedSince); err != nil {
			return err
		}
		n.organizes = m.organizes(ctx, opts.Actor, tx.Series())
		return fn(tx, tx.Series(), n, &res)
	})
	if err != nil {
		m.logger.Info("local edit rejected",
			"operation", op,
			"uid", uid,
			"error", err)
		return mo.Err[CommitResult](err)
	}

	m.finish(&res, sr)
	if res.Outcome == OutcomeCommitted && n.organizes {
		res.Notifications = n.out
	}
	m.logger.Info("local edit applied",
		"operation", op,
		"uid", uid,
		"outcome", res.Outcome.String(),
		"version", res.Version,
		"notifications", len(res.Notifications))
	return mo.Ok(res)
}

// organizes reports whether actor organizes sr. An empty actor, or a series
// that does not exist yet, counts as the organizer's own edit.
func (m *Machine) organizes(ctx context.Context, actor string, sr *series.Series) bool {
	if actor == "" {
		return true
	}
	org := organizerOf(sr)
	if org == "" {
		return sr == nil
	}
	return identity.Matches(ctx, m.resolver(), actor, org)
}

func organizerOf(sr *series.Series) string {
	if sr == nil {
		return ""
	}
	for _, ev := range sr.Events() {
		if ev.Organizer != nil {
			return ev.Organizer.URI
		}
	}
	return ""
}

func missing(uid string) error {
	return schederr.New(schederr.KindConflict, uid, "", "series does not exist")
}

// nextSequence keeps the sequence monotonic and raises it for changes
// attendees can see
func nextSequence(stored, submitted int, changed bool) int {
	if changed && submitted <= stored {
		return stored + 1
	}
	return max(stored, submitted)
}

// CreateSeries stores a new series organized locally and invites its
// attendees. Overrides become change exceptions.
func (m *Machine) CreateSeries(ctx context.Context, master *schedule.Event, overrides ...*schedule.Event) mo.Result[CommitResult] {
	if master == nil || !master.IsMaster() {
		return mo.Err[CommitResult](fmt.Errorf("CreateSeries needs a master event"))
	}
	return m.edit(ctx, "create-series", master.UID, recurrence.ID{}, EditOptions{}, func(tx *series.Tx, _ *series.Series, n *notifier, _ *CommitResult) error {
		created := master.Clone()
		itip.ResolveEntities(ctx, m.resolver(), created)
		if err := tx.Create(created); err != nil {
			return err
		}
		for _, ev := range overrides {
			if ev.IsMaster() || ev.UID != master.UID {
				return schederr.New(schederr.KindParse, master.UID, "", "override does not belong to the series")
			}
			ev = ev.Clone()
			itip.ResolveEntities(ctx, m.resolver(), ev)
			if err := tx.MaterializeException(ev.RecurrenceID, series.Change, ev, series.MaterializeOptions{}); err != nil {
				return err
			}
		}

		sr := tx.Series()
		if sr == nil {
			return nil
		}
		for _, a := range n.recipients(sr.Master) {
			n.seriesRequest(sr, a.URI)
		}
		// attendees invited to single occurrences only
		for _, ex := range sr.SortedExceptions() {
			for _, a := range n.recipients(ex.Event) {
				if sr.Master.Attendee(a.URI) == nil {
					n.occurrenceRequest(ex.Event, a.URI)
				}
			}
		}
		return nil
	})
}

// UpdateSeries replaces the master of a locally organized series. The
// sequence is raised when attendees can see the change. Depending on the
// scope policy, attendee additions and removals are carried into change
// exceptions and attendees added to an exception get a REQUEST for that
// occurrence.
func (m *Machine) UpdateSeries(ctx context.Context, master *schedule.Event, opts EditOptions) mo.Result[CommitResult] {
	if master == nil || !master.IsMaster() {
		return mo.Err[CommitResult](fmt.Errorf("UpdateSeries needs a master event"))
	}
	return m.edit(ctx, "update-series", master.UID, recurrence.ID{}, opts, func(tx *series.Tx, sr *series.Series, n *notifier, res *CommitResult) error {
		if sr == nil || sr.Master == nil {
			return missing(master.UID)
		}
		stored := sr.Master
		next := master.Clone()
		itip.ResolveEntities(ctx, m.resolver(), next)
		d := itip.Diff(ctx, m.resolver(), stored, next)
		next.Sequence = nextSequence(stored.Sequence, next.Sequence, d.ContentChanged())

		var diffs []itip.ExceptionDiff
		if m.interp.Policy() == itip.PolicySeriesAndExceptions {
			diffs = itip.ExceptionDiffs(ctx, m.resolver(), sr, stored, next)
		}
		if d.Empty() && len(diffs) == 0 && next.Sequence == stored.Sequence &&
			schedule.AlarmsEqual(stored.Alarms, next.Alarms) {
			res.Outcome = OutcomeNoOp
			res.Reason = "series unchanged"
			return nil
		}

		if err := tx.SetMaster(next); err != nil {
			return err
		}
		if err := m.applyExceptionDiffs(ctx, tx, diffs, true); err != nil {
			return err
		}

		after := tx.Series()
		if after == nil {
			return nil
		}
		added := make(map[string]bool, len(d.Added))
		for _, a := range d.Added {
			added[a.URI] = true
		}
		for _, a := range n.recipients(after.Master) {
			if d.ContentChanged() || added[a.URI] {
				n.seriesRequest(after, a.URI)
			}
		}
		for _, a := range d.Removed {
			n.cancel(stored, a)
		}
		for _, diff := range diffs {
			ex, ok := after.Exception(diff.RecurrenceID)
			if !ok {
				continue
			}
			for _, a := range diff.Added {
				n.occurrenceRequest(ex.Event, a.URI)
			}
		}
		return nil
	})
}

// UpdateOccurrence stores a change exception of a locally organized series.
// A previously deleted occurrence is restored. Attendees of the occurrence
// get a REQUEST, attendees removed from it a CANCEL.
func (m *Machine) UpdateOccurrence(ctx context.Context, ev *schedule.Event, opts EditOptions) mo.Result[CommitResult] {
	if ev == nil || ev.IsMaster() {
		return mo.Err[CommitResult](fmt.Errorf("UpdateOccurrence needs an event with a recurrence id"))
	}
	rid := ev.RecurrenceID
	return m.edit(ctx, "update-occurrence", ev.UID, rid, opts, func(tx *series.Tx, sr *series.Series, n *notifier, _ *CommitResult) error {
		if sr == nil {
			return missing(ev.UID)
		}
		stored, restoring, err := storedOccurrence(tx, sr, rid)
		if err != nil {
			return err
		}

		next := ev.Clone()
		itip.ResolveEntities(ctx, m.resolver(), next)
		d := itip.Diff(ctx, m.resolver(), stored, next)
		next.Sequence = nextSequence(stored.Sequence, next.Sequence, d.ContentChanged() || restoring)
		if err := tx.MaterializeException(rid, series.Change, next, series.MaterializeOptions{}); err != nil {
			return err
		}

		added := make(map[string]bool, len(d.Added))
		for _, a := range d.Added {
			added[a.URI] = true
		}
		for _, a := range n.recipients(next) {
			if restoring || d.ContentChanged() || added[a.URI] {
				n.occurrenceRequest(next, a.URI)
			}
		}
		for _, a := range d.Removed {
			n.cancel(stored, a)
		}
		return nil
	})
}

// storedOccurrence returns the current content at rid and whether the
// occurrence is currently deleted
func storedOccurrence(tx *series.Tx, sr *series.Series, rid recurrence.ID) (*schedule.Event, bool, error) {
	if ex, ok := sr.Exception(rid); ok {
		return ex.Event, false, nil
	}
	if sr.Master != nil && tx.IsNatural(rid) {
		return series.OccurrenceEvent(sr.Master, rid), sr.IsDeleted(rid), nil
	}
	return nil, false, schederr.New(schederr.KindRecurrenceIDNotFound, sr.UID, rid.Encode(), "occurrence is not part of the series")
}

// DeleteOccurrence deletes one occurrence. When the organizer deletes it the
// master's sequence is raised and the attendees get a CANCEL.
func (m *Machine) DeleteOccurrence(ctx context.Context, uid string, rid recurrence.ID, opts EditOptions) mo.Result[CommitResult] {
	if rid.IsZero() {
		return mo.Err[CommitResult](fmt.Errorf("DeleteOccurrence needs a recurrence id"))
	}
	return m.edit(ctx, "delete-occurrence", uid, rid, opts, func(tx *series.Tx, sr *series.Series, n *notifier, res *CommitResult) error {
		if sr == nil {
			return missing(uid)
		}
		if sr.IsDeleted(rid) {
			res.Outcome = OutcomeNoOp
			res.Reason = "occurrence already deleted"
			return nil
		}
		stored, _, err := storedOccurrence(tx, sr, rid)
		if err != nil {
			return err
		}

		// an attendee removing an occurrence from their own calendar does
		// not revise the series
		sequence := stored.Sequence
		if sr.Master != nil && n.organizes {
			master := sr.Master.Clone()
			master.Sequence++
			sequence = max(sequence, master.Sequence)
			if err := tx.SetMaster(master); err != nil {
				return err
			}
		}
		if err := tx.MaterializeException(rid, series.Delete, nil, series.MaterializeOptions{}); err != nil {
			return err
		}

		cancelled := stored.Clone()
		cancelled.Sequence = sequence
		for _, a := range n.recipients(stored) {
			n.cancel(cancelled, a)
		}
		return nil
	})
}

// DeleteSeries deletes a locally organized series and cancels it for every
// attendee of the master or of any exception
func (m *Machine) DeleteSeries(ctx context.Context, uid string, opts EditOptions) mo.Result[CommitResult] {
	return m.edit(ctx, "delete-series", uid, recurrence.ID{}, opts, func(tx *series.Tx, sr *series.Series, n *notifier, res *CommitResult) error {
		if sr == nil {
			res.Outcome = OutcomeNoOp
			res.Reason = "unknown series"
			return nil
		}
		events := sr.Events()
		base := events[0]
		if !base.IsMaster() {
			// only occurrences are known, cancel the series as a whole
			base = base.Clone()
			base.RecurrenceID = recurrence.ID{}
		}

		seen := make(map[string]bool)
		for _, ev := range events {
			for _, a := range n.recipients(ev) {
				key := a.URI
				if u, err := m.resolveKey(ctx, a.URI); err == nil {
					key = u
				}
				if seen[key] {
					continue
				}
				seen[key] = true
				n.cancel(base, a)
			}
		}
		tx.Delete()
		return nil
	})
}

func (m *Machine) resolveKey(ctx context.Context, address string) (string, error) {
	r := m.resolver()
	if r == nil {
		return "", fmt.Errorf("no resolver")
	}
	u, err := r.Resolve(ctx, address)
	if err != nil || u == nil || u.EntityID == "" {
		return "", fmt.Errorf("unresolved %s", address)
	}
	return u.EntityID, nil
}

// AlarmUpdate replaces the alarms of the master (zero RecurrenceID) or of
// one occurrence
type AlarmUpdate struct {
	RecurrenceID recurrence.ID
	Alarms       []schedule.Alarm
}

// UpdateAlarms replaces the alarms of the master (zero rid) or of one
// occurrence. Occurrence alarms are stored in a change exception so the
// master's alarms are never touched.
func (m *Machine) UpdateAlarms(ctx context.Context, uid string, rid recurrence.ID, alarms []schedule.Alarm, opts EditOptions) mo.Result[CommitResult] {
	return m.UpdateAlarmSet(ctx, uid, []AlarmUpdate{{RecurrenceID: rid, Alarms: alarms}}, opts)
}

// UpdateAlarmSet applies several alarm updates of one series as a single
// commit. Alarm state is local, so the sequence is left alone and nobody is
// notified. Updates that change nothing are skipped.
func (m *Machine) UpdateAlarmSet(ctx context.Context, uid string, updates []AlarmUpdate, opts EditOptions) mo.Result[CommitResult] {
	var rid recurrence.ID
	if len(updates) == 1 {
		rid = updates[0].RecurrenceID
	}
	return m.edit(ctx, "update-alarms", uid, rid, opts, func(tx *series.Tx, sr *series.Series, _ *notifier, res *CommitResult) error {
		if sr == nil {
			return missing(uid)
		}
		changed := false
		for _, u := range updates {
			c, err := setAlarms(tx, uid, u)
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if !changed {
			res.Outcome = OutcomeNoOp
			res.Reason = "alarms unchanged"
		}
		return nil
	})
}

func setAlarms(tx *series.Tx, uid string, u AlarmUpdate) (bool, error) {
	sr := tx.Series()
	if u.RecurrenceID.IsZero() {
		if sr.Master == nil {
			return false, missing(uid)
		}
		if schedule.AlarmsEqual(sr.Master.Alarms, u.Alarms) {
			return false, nil
		}
		master := sr.Master.Clone()
		master.Alarms = schedule.CloneAlarms(u.Alarms)
		return true, tx.SetMaster(master)
	}

	_, isException := sr.Exception(u.RecurrenceID)
	stored, ok := sr.Event(u.RecurrenceID)
	if !ok || (!isException && !tx.IsNatural(u.RecurrenceID)) {
		return false, schederr.New(schederr.KindRecurrenceIDNotFound, uid, u.RecurrenceID.Encode(), "occurrence is not part of the series")
	}
	if schedule.AlarmsEqual(stored.Alarms, u.Alarms) {
		return false, nil
	}
	ev := stored.Clone()
	ev.Alarms = schedule.CloneAlarms(u.Alarms)
	return true, tx.MaterializeException(u.RecurrenceID, series.Change, ev, series.MaterializeOptions{})
}
