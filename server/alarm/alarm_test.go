package alarm

import (
	"testing"
	"time"

	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start  = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	anchor = Anchor{Start: start, End: start.Add(time.Hour)}
)

func reminder() schedule.Alarm {
	return schedule.Alarm{
		UID:         "reminder",
		Action:      "DISPLAY",
		Description: "Dentist",
		Trigger:     schedule.Trigger{Offset: -15 * time.Minute},
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 0, 0, time.UTC)
}

func TestMerge_LastAck(t *testing.T) {
	canonical := []schedule.Alarm{reminder()}

	tests := []struct {
		name    string
		lastAck time.Time
		acked   bool
	}{
		{"after the trigger", at(9, 50), true},
		{"exactly at the trigger", at(9, 45), true},
		{"before the trigger", at(9, 40), false},
		{"none", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := Merge(canonical, []schedule.Alarm{reminder()}, Hints{LastAck: tt.lastAck}, anchor)
			require.Len(t, merged, 1)
			assert.Equal(t, tt.acked, Consumed(merged[0], anchor))

			active := Active(merged, anchor, at(9, 55))
			assert.Equal(t, !tt.acked, active.IsPresent())
		})
	}
}

func TestMerge_AppleSnooze(t *testing.T) {
	original := reminder()
	original.Acknowledged = at(9, 46)
	snooze := schedule.Alarm{
		UID:       "snoozed",
		Action:    "DISPLAY",
		RelatedTo: "reminder",
		Trigger:   schedule.Trigger{Absolute: at(9, 55)},
	}

	// related alarm first on input, second on output
	merged := Merge([]schedule.Alarm{reminder()}, []schedule.Alarm{snooze, original}, Hints{}, anchor)
	require.Len(t, merged, 2)
	assert.Equal(t, "reminder", merged[0].UID)
	assert.Empty(t, merged[0].RelatedTo)
	assert.True(t, Consumed(merged[0], anchor))
	assert.Equal(t, "reminder", merged[1].RelatedTo)
	assert.True(t, merged[1].Trigger.Absolute.Equal(at(9, 55)))
	assert.False(t, Consumed(merged[1], anchor))

	again := Merge(merged, []schedule.Alarm{snooze, original}, Hints{}, anchor)
	assert.True(t, schedule.AlarmsEqual(merged, again), "replay creates no second copy")

	pending, ok := Active(merged, anchor, at(9, 50)).Get()
	require.True(t, ok)
	assert.Equal(t, "snoozed", pending.Alarm.UID)
	assert.True(t, pending.At.Equal(at(9, 55)))
}

func TestMerge_SnoozeWithoutAcknowledgement(t *testing.T) {
	snooze := schedule.Alarm{RelatedTo: "reminder", Action: "DISPLAY", Trigger: schedule.Trigger{Absolute: at(9, 55)}}
	merged := Merge(nil, []schedule.Alarm{reminder(), snooze}, Hints{}, anchor)
	require.Len(t, merged, 2)
	assert.True(t, merged[0].Acknowledged.Equal(at(9, 45)), "snoozing dismisses the original when it fired")
	assert.NotEmpty(t, merged[1].UID)
}

func TestMerge_OnlyOneSnoozedCopy(t *testing.T) {
	first := schedule.Alarm{UID: "s1", RelatedTo: "reminder", Action: "DISPLAY", Trigger: schedule.Trigger{Absolute: at(9, 50)}}
	second := schedule.Alarm{UID: "s2", RelatedTo: "reminder", Action: "DISPLAY", Trigger: schedule.Trigger{Absolute: at(9, 58)}}
	merged := Merge(nil, []schedule.Alarm{reminder(), first, second}, Hints{}, anchor)
	require.Len(t, merged, 2)
	assert.Equal(t, "s2", merged[1].UID)
}

func TestMerge_MozillaSnooze(t *testing.T) {
	hints := Hints{LastAck: at(9, 46), SnoozeTime: at(9, 56)}
	merged := Merge([]schedule.Alarm{reminder()}, []schedule.Alarm{reminder()}, hints, anchor)
	require.Len(t, merged, 2)
	assert.True(t, merged[0].Acknowledged.Equal(at(9, 46)))
	snoozed := merged[1]
	assert.Equal(t, "reminder", snoozed.RelatedTo)
	assert.True(t, snoozed.Trigger.Absolute.Equal(at(9, 56)))
	assert.NotEmpty(t, snoozed.UID)
	assert.Equal(t, "Dentist", snoozed.Description)

	// Thunderbird writes the same event again
	assert.True(t, schedule.AlarmsEqual(merged, Merge(merged, []schedule.Alarm{reminder()}, hints, anchor)))
	// a fresh store derives the same copy
	assert.True(t, schedule.AlarmsEqual(merged, Merge(nil, []schedule.Alarm{reminder()}, hints, anchor)))

	// the snoozed alarm is dismissed later
	done := Merge(merged, []schedule.Alarm{reminder()}, Hints{LastAck: at(9, 57)}, anchor)
	require.Len(t, done, 1)
	assert.True(t, done[0].Acknowledged.Equal(at(9, 57)))
	assert.True(t, Active(done, anchor, at(9, 58)).IsAbsent())
}

func TestMerge_OriginalWithoutUID(t *testing.T) {
	plain := reminder()
	plain.UID = ""
	hints := Hints{SnoozeTime: at(9, 56)}

	merged := Merge(nil, []schedule.Alarm{plain}, hints, anchor)
	require.Len(t, merged, 2)
	require.NotEmpty(t, merged[0].UID)
	assert.Equal(t, merged[0].UID, merged[1].RelatedTo)
	assert.True(t, schedule.AlarmsEqual(merged, Merge(nil, []schedule.Alarm{plain}, hints, anchor)))

	// a client that lost the UID still matches the canonical alarm
	assert.Equal(t, merged[0].UID, Merge(merged, []schedule.Alarm{plain}, Hints{}, anchor)[0].UID)
}

func TestMerge_KeepsAcknowledgementDroppedByClient(t *testing.T) {
	acked := reminder()
	acked.Acknowledged = at(9, 47)
	merged := Merge([]schedule.Alarm{acked}, []schedule.Alarm{reminder()}, Hints{}, anchor)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Acknowledged.Equal(at(9, 47)))

	moved := reminder()
	moved.Trigger.Offset = -5 * time.Minute
	merged = Merge([]schedule.Alarm{acked}, []schedule.Alarm{moved}, Hints{}, anchor)
	assert.True(t, merged[0].Acknowledged.IsZero(), "a new trigger fires again")
}

func TestMerge_CollapsesDuplicateDefaults(t *testing.T) {
	silent := schedule.Alarm{Action: ActionNone, DefaultAlarm: true, Trigger: schedule.Trigger{Absolute: DummyTrigger.AddDate(0, 0, 1)}}
	merged := Merge(nil, []schedule.Alarm{reminder(), silent, silent, reminder()}, Hints{}, anchor)
	require.Len(t, merged, 2)
	assert.Equal(t, "reminder", merged[0].UID)
	assert.Equal(t, ActionNone, merged[1].Action)
}

func TestRender(t *testing.T) {
	original := reminder()
	original.Acknowledged = at(9, 46)
	snooze := schedule.Alarm{UID: "snoozed", RelatedTo: "reminder", Action: "DISPLAY", Trigger: schedule.Trigger{Absolute: at(9, 55)}}
	canonical := []schedule.Alarm{original, snooze}

	full := Render(canonical, Capabilities{Acknowledged: true}, anchor)
	assert.True(t, schedule.AlarmsEqual(canonical, full))

	limited := Render(canonical, Capabilities{}, anchor)
	require.Len(t, limited, 2)
	assert.True(t, IsDummy(limited[0]))
	assert.Equal(t, "reminder", limited[0].UID)
	assert.True(t, Consumed(limited[0], anchor))
	assert.Equal(t, "snoozed", limited[1].UID)

	// the client writes back what it was given
	restored := Merge(canonical, limited, Hints{}, anchor)
	assert.True(t, schedule.AlarmsEqual(canonical, restored))

	// once the snoozed copy is dismissed only the placeholder remains
	snooze.Acknowledged = at(9, 56)
	limited = Render([]schedule.Alarm{original, snooze}, Capabilities{}, anchor)
	require.Len(t, limited, 1)
	assert.True(t, IsDummy(limited[0]))

	pending := Render([]schedule.Alarm{reminder()}, Capabilities{}, anchor)
	require.Len(t, pending, 1)
	assert.False(t, IsDummy(pending[0]))
}

func TestCapabilitiesFor(t *testing.T) {
	unsupported := []string{"Mozilla.org", "eM Client"}
	assert.False(t, CapabilitiesFor("-//Mozilla.org/NONSGML Mozilla Calendar V1.1//EN", unsupported).Acknowledged)
	assert.False(t, CapabilitiesFor("-//EM CLIENT//ICAL", unsupported).Acknowledged)
	assert.True(t, CapabilitiesFor("-//Apple Inc.//macOS 14.4//EN", unsupported).Acknowledged)
	assert.True(t, CapabilitiesFor("", nil).Acknowledged)
}

func TestActive(t *testing.T) {
	early := reminder()
	early.UID = "early"
	early.Trigger.Offset = -time.Hour
	late := reminder()

	pending, ok := Active([]schedule.Alarm{late, early}, anchor, at(8, 0)).Get()
	require.True(t, ok)
	assert.Equal(t, "early", pending.Alarm.UID)

	early.Acknowledged = at(9, 1)
	pending, ok = Active([]schedule.Alarm{late, early}, anchor, at(9, 30)).Get()
	require.True(t, ok)
	assert.Equal(t, "reminder", pending.Alarm.UID)

	assert.True(t, Active([]schedule.Alarm{late}, anchor, at(11, 0)).IsAbsent(), "occurrence is over")
	assert.True(t, Active(nil, anchor, at(9, 0)).IsAbsent())
	assert.True(t, Active([]schedule.Alarm{placeholder(late)}, anchor, at(9, 0)).IsAbsent())
}

func TestTemplate(t *testing.T) {
	original := reminder()
	original.Acknowledged = at(9, 46)
	snooze := schedule.Alarm{UID: "snoozed", RelatedTo: "reminder", Trigger: schedule.Trigger{Absolute: at(9, 55)}}

	tmpl := Template([]schedule.Alarm{original, snooze})
	require.Len(t, tmpl, 1)
	assert.True(t, tmpl[0].Acknowledged.IsZero())
	assert.False(t, original.Acknowledged.IsZero(), "input is not modified")
}
