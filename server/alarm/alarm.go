// Package alarm reconciles client-side alarm state (acknowledgements and
// snoozes, in their various vendor encodings) with the canonical alarms kept
// in the series store.
package alarm

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/google/uuid"
)

// ActionNone is the action of the silent default alarms some clients add
const ActionNone = "NONE"

// DummyTrigger is the trigger of the placeholder alarm rendered for clients
// that cannot store ACKNOWLEDGED. It is long past, so the alarm never fires.
var DummyTrigger = time.Date(1976, 4, 1, 0, 55, 45, 0, time.UTC)

// Anchor is the occurrence an alarm list belongs to. Relative triggers are
// resolved against it.
type Anchor struct {
	Start time.Time
	End   time.Time
}

// AnchorOf returns the anchor of an event or projected occurrence
func AnchorOf(ev *schedule.Event) Anchor {
	return Anchor{Start: ev.Start.Time, End: ev.EndTime()}
}

// Hints is alarm state a client keeps on the event instead of on the alarm
type Hints struct {
	LastAck    time.Time // X-MOZ-LASTACK
	SnoozeTime time.Time // X-MOZ-SNOOZE-TIME
}

// HintsOf extracts the hints of a submitted event
func HintsOf(ev *schedule.Event) Hints {
	return Hints{LastAck: ev.MozLastAck, SnoozeTime: ev.MozSnoozeTime}
}

// IsZero reports whether the client sent no hints
func (h Hints) IsZero() bool {
	return h.LastAck.IsZero() && h.SnoozeTime.IsZero()
}

// TriggerAt resolves the trigger of a against the anchor
func TriggerAt(a schedule.Alarm, anchor Anchor) time.Time {
	return a.Trigger.At(anchor.Start, anchor.End)
}

// Consumed reports whether a was acknowledged at or after it fired
func Consumed(a schedule.Alarm, anchor Anchor) bool {
	return !a.Acknowledged.IsZero() && !a.Acknowledged.Before(TriggerAt(a, anchor))
}

// IsDummy reports whether a is the placeholder produced by Render
func IsDummy(a schedule.Alarm) bool {
	return a.Trigger.Absolute.Equal(DummyTrigger)
}

// Merge folds a client-submitted alarm list into the canonical one and
// returns the new canonical list.
//
// Acknowledgements come from ACKNOWLEDGED or, for clients that only track
// X-MOZ-LASTACK, from the hints. A snooze is either a second alarm with
// RELATED-TO naming the original or an X-MOZ-SNOOZE-TIME hint; either way the
// result holds the acknowledged original followed by exactly one snoozed
// copy. Duplicate default alarms collapse and placeholders rendered for
// clients without ACKNOWLEDGED are replaced by the canonical alarm they
// stand for. Merging the same submission twice yields the same list.
func Merge(canonical, submitted []schedule.Alarm, hints Hints, anchor Anchor) []schedule.Alarm {
	submitted = collapse(restoreDummies(canonical, submitted))

	var originals, related []schedule.Alarm
	for _, a := range submitted {
		if a.RelatedTo != "" {
			related = append(related, a)
			continue
		}
		originals = append(originals, a)
	}

	for i := range originals {
		a := &originals[i]
		if prev, ok := match(canonical, *a); ok {
			if a.UID == "" {
				a.UID = prev.UID
			}
			// clients that cannot store ACKNOWLEDGED drop it on write
			if prev.Trigger.Equal(a.Trigger) && prev.Acknowledged.After(a.Acknowledged) {
				a.Acknowledged = prev.Acknowledged
			}
		}
		if ack := hints.LastAck; !ack.IsZero() && !ack.Before(TriggerAt(*a, anchor)) && ack.After(a.Acknowledged) {
			a.Acknowledged = ack
		}
	}

	originals = restoreTargets(canonical, originals, related)
	snooze, ok := pickSnooze(canonical, originals, related, hints, anchor)
	if !ok {
		return originals
	}

	target := slices.IndexFunc(originals, func(a schedule.Alarm) bool { return a.UID == snooze.RelatedTo })
	if target >= 0 {
		orig := &originals[target]
		fired := TriggerAt(*orig, anchor)
		if !Consumed(*orig, anchor) {
			// snoozing dismisses the original
			orig.Acknowledged = fired
			if !hints.LastAck.IsZero() && hints.LastAck.After(fired) {
				orig.Acknowledged = hints.LastAck
			}
		}
	}
	return append(originals, snooze)
}

// restoreDummies swaps rendered placeholders for the canonical alarms they
// replaced. Placeholders without a canonical counterpart are dropped.
func restoreDummies(canonical, submitted []schedule.Alarm) []schedule.Alarm {
	out := make([]schedule.Alarm, 0, len(submitted))
	used := make(map[int]bool)
	for _, a := range submitted {
		if !IsDummy(a) {
			out = append(out, a)
			continue
		}
		found := -1
		for i, c := range canonical {
			if used[i] || c.RelatedTo != "" || IsDummy(c) {
				continue
			}
			if a.UID != "" && c.UID == a.UID {
				found = i
				break
			}
			if found < 0 {
				found = i
			}
		}
		if found < 0 {
			continue
		}
		used[found] = true
		out = append(out, schedule.CloneAlarms(canonical[found : found+1])[0])
	}
	return out
}

// collapse drops repeated alarms: a second alarm with the same UID, or a
// second default alarm with the same action and trigger
func collapse(alarms []schedule.Alarm) []schedule.Alarm {
	out := make([]schedule.Alarm, 0, len(alarms))
	for _, a := range alarms {
		dup := slices.ContainsFunc(out, func(o schedule.Alarm) bool {
			if a.UID != "" && o.UID == a.UID {
				return true
			}
			return isDefault(a) && isDefault(o) && a.Action == o.Action && a.Trigger.Equal(o.Trigger)
		})
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

func isDefault(a schedule.Alarm) bool {
	return a.DefaultAlarm || a.Action == ActionNone
}

// match finds the canonical original a submitted alarm corresponds to
func match(canonical []schedule.Alarm, a schedule.Alarm) (schedule.Alarm, bool) {
	for _, c := range canonical {
		if c.RelatedTo != "" {
			continue
		}
		if a.UID != "" {
			if c.UID == a.UID {
				return c, true
			}
			continue
		}
		if c.Action == a.Action && c.Trigger.Equal(a.Trigger) {
			return c, true
		}
	}
	return schedule.Alarm{}, false
}

// restoreTargets re-adds the canonical original of a snoozed copy the client
// sent without its original
func restoreTargets(canonical, originals, related []schedule.Alarm) []schedule.Alarm {
	for _, r := range related {
		if slices.ContainsFunc(originals, func(a schedule.Alarm) bool { return a.UID == r.RelatedTo }) {
			continue
		}
		if prev, ok := match(canonical, schedule.Alarm{UID: r.RelatedTo}); ok {
			originals = append(originals, schedule.CloneAlarms([]schedule.Alarm{prev})[0])
		}
	}
	return originals
}

// pickSnooze returns the single snoozed copy the merged list keeps, if any
func pickSnooze(canonical, originals, related []schedule.Alarm, hints Hints, anchor Anchor) (schedule.Alarm, bool) {
	if len(originals) == 0 {
		return schedule.Alarm{}, false
	}

	if len(related) > 0 {
		s := slices.MaxFunc(related, func(a, b schedule.Alarm) int {
			return TriggerAt(a, anchor).Compare(TriggerAt(b, anchor))
		})
		target := slices.IndexFunc(originals, func(a schedule.Alarm) bool { return a.UID == s.RelatedTo })
		if target < 0 {
			target = 0
		}
		ensureUID(&originals[target], anchor)
		s.RelatedTo = originals[target].UID
		if s.UID == "" {
			s.UID = reuseUID(canonical, s)
		}
		return s, true
	}

	if hints.SnoozeTime.IsZero() {
		return schedule.Alarm{}, false
	}
	// the original that fired last before the snooze
	target := -1
	for i, a := range originals {
		at := TriggerAt(a, anchor)
		if at.After(hints.SnoozeTime) {
			continue
		}
		if target < 0 || at.After(TriggerAt(originals[target], anchor)) {
			target = i
		}
	}
	if target < 0 {
		return schedule.Alarm{}, false
	}
	orig := &originals[target]
	ensureUID(orig, anchor)
	s := schedule.Alarm{
		Action:      orig.Action,
		Trigger:     schedule.Trigger{Absolute: hints.SnoozeTime.UTC()},
		RelatedTo:   orig.UID,
		Description: orig.Description,
	}
	s.UID = reuseUID(canonical, s)
	return s, true
}

// reuseUID keeps the UID of a canonical snoozed copy with the same target
// and trigger, or derives one from them so replays agree
func reuseUID(canonical []schedule.Alarm, s schedule.Alarm) string {
	for _, c := range canonical {
		if c.RelatedTo == s.RelatedTo && c.Trigger.Equal(s.Trigger) && c.UID != "" {
			return c.UID
		}
	}
	return stableUID("snooze", s.RelatedTo, s.Trigger.Absolute.UTC().Format(time.RFC3339), s.Trigger.Offset.String())
}

func ensureUID(a *schedule.Alarm, anchor Anchor) {
	if a.UID == "" {
		a.UID = stableUID("alarm", anchor.Start.UTC().Format(time.RFC3339), a.Action,
			a.Trigger.Absolute.UTC().Format(time.RFC3339), a.Trigger.Offset.String(), fmt.Sprint(a.Trigger.RelatedEnd))
	}
}

func stableUID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "\x00"))).String()
}

// Template strips per-occurrence state from alarms so they can serve as the
// alarm template of a recurring master
func Template(alarms []schedule.Alarm) []schedule.Alarm {
	var out []schedule.Alarm
	for _, a := range schedule.CloneAlarms(alarms) {
		if a.RelatedTo != "" {
			continue
		}
		a.Acknowledged = time.Time{}
		out = append(out, a)
	}
	return out
}
