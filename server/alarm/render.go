package alarm

import (
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/samber/mo"
)

// Capabilities describes what a client can store in its alarms
type Capabilities struct {
	// Acknowledged is false for clients that drop the ACKNOWLEDGED property
	Acknowledged bool
}

// CapabilitiesFor derives the capabilities of the client that produced an
// object from its PRODID. ackUnsupported lists PRODID substrings of clients
// without ACKNOWLEDGED support, matched case-insensitively.
func CapabilitiesFor(productID string, ackUnsupported []string) Capabilities {
	prodID := strings.ToLower(productID)
	for _, s := range ackUnsupported {
		if s != "" && strings.Contains(prodID, strings.ToLower(s)) {
			return Capabilities{Acknowledged: false}
		}
	}
	return Capabilities{Acknowledged: true}
}

// Render prepares canonical alarms for a client. Clients that cannot store
// ACKNOWLEDGED would fire an acknowledged alarm again, so it is replaced by
// an already acknowledged placeholder and consumed snoozed copies are left
// out. Merge turns the placeholder back into the canonical alarm.
func Render(alarms []schedule.Alarm, caps Capabilities, anchor Anchor) []schedule.Alarm {
	out := schedule.CloneAlarms(alarms)
	if caps.Acknowledged {
		return out
	}
	rendered := out[:0]
	for _, a := range out {
		switch {
		case !Consumed(a, anchor):
			rendered = append(rendered, a)
		case a.RelatedTo == "":
			rendered = append(rendered, placeholder(a))
		}
	}
	return rendered
}

func placeholder(a schedule.Alarm) schedule.Alarm {
	return schedule.Alarm{
		UID:          a.UID,
		Action:       a.Action,
		Trigger:      schedule.Trigger{Absolute: DummyTrigger},
		Acknowledged: DummyTrigger,
		Description:  a.Description,
	}
}

// Pending is an alarm that has not been acknowledged yet
type Pending struct {
	Alarm schedule.Alarm
	At    time.Time
}

// Active returns the alarm of the occurrence that fires next, or is due and
// not yet acknowledged. Originals superseded by a snoozed copy, consumed
// alarms and placeholders never count. An occurrence that ended by now has
// no active alarm.
func Active(alarms []schedule.Alarm, anchor Anchor, now time.Time) mo.Option[Pending] {
	if !anchor.End.IsZero() && !now.Before(anchor.End) {
		return mo.None[Pending]()
	}
	var pending []Pending
	for _, a := range alarms {
		if IsDummy(a) || Consumed(a, anchor) || snoozed(alarms, a) {
			continue
		}
		pending = append(pending, Pending{Alarm: a, At: TriggerAt(a, anchor)})
	}
	if len(pending) == 0 {
		return mo.None[Pending]()
	}
	return mo.Some(slices.MinFunc(pending, func(a, b Pending) int {
		return a.At.Compare(b.At)
	}))
}

func snoozed(alarms []schedule.Alarm, a schedule.Alarm) bool {
	if a.UID == "" || a.RelatedTo != "" {
		return false
	}
	return slices.ContainsFunc(alarms, func(o schedule.Alarm) bool {
		return o.RelatedTo == a.UID
	})
}
