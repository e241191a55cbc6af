package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ics(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var invitation = ics(
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//Example Corp.//CalDAV Client//EN",
	"METHOD:REQUEST",
	"X-WR-CALNAME:Work",
	"BEGIN:VTIMEZONE",
	"TZID:Europe/Berlin",
	"BEGIN:STANDARD",
	"DTSTART:19701025T030000",
	"TZOFFSETFROM:+0200",
	"TZOFFSETTO:+0100",
	"END:STANDARD",
	"END:VTIMEZONE",
	"BEGIN:VEVENT",
	"UID:series-1@example.com",
	"DTSTAMP:20240101T080000Z",
	"SEQUENCE:2",
	"DTSTART;TZID=Europe/Berlin:20240101T100000",
	"DTEND;TZID=Europe/Berlin:20240101T110000",
	"RRULE:FREQ=DAILY;COUNT=10",
	"EXDATE;TZID=Europe/Berlin:20240103T100000",
	"SUMMARY:=?ISO-8859-1?Q?Planungsrunde_f=FCr_Q1?=",
	"LOCATION:Room 1\\, 2nd floor",
	"ORGANIZER;CN=Alice:mailto:alice@example.com",
	"ATTENDEE;CN=\"=?UTF-8?B?SsO2cmc=?=\";PARTSTAT=ACCEPTED;ROLE=REQ-PARTICIPANT:mailto:joerg@example.com",
	"ATTENDEE;CN=Bob;RSVP=TRUE;X-NUM-GUESTS=0:mailto:bob@example.com",
	"ATTENDEE;CN=Bob;PARTSTAT=TENTATIVE:MAILTO:Bob@Example.com",
	"TRANSP:OPAQUE",
	"X-MICROSOFT-CDO-BUSYSTATUS:TENTATIVE",
	"X-MOZ-LASTACK:20240101T085500Z",
	"X-MOZ-GENERATION:3",
	"CATEGORIES:Planning",
	"BEGIN:VALARM",
	"X-WR-ALARMUID:alarm-1",
	"ACTION:DISPLAY",
	"TRIGGER:-PT15M",
	"DESCRIPTION:Reminder",
	"ACKNOWLEDGED:20240101T084600Z",
	"END:VALARM",
	"BEGIN:VALARM",
	"UID:alarm-2",
	"ACTION:DISPLAY",
	"TRIGGER;VALUE=DATE-TIME:20240101T091000Z",
	"RELATED-TO:alarm-1",
	"DESCRIPTION:Reminder",
	"END:VALARM",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:series-1@example.com",
	"DTSTAMP:20240101T080000Z",
	"RECURRENCE-ID;TZID=Europe/Berlin:20240105T100000",
	"SEQUENCE:3",
	"DTSTART;TZID=Europe/Berlin:20240105T140000",
	"DURATION:PT30M",
	"SUMMARY:Moved",
	"END:VEVENT",
	"END:VCALENDAR",
)

func TestParse(t *testing.T) {
	obj, err := Parse(invitation)
	require.NoError(t, err)

	assert.Equal(t, MethodRequest, obj.Method)
	assert.Equal(t, "-//Example Corp.//CalDAV Client//EN", obj.ProductID)
	assert.Len(t, obj.Timezones, 1)
	assert.Contains(t, obj.Extra, "X-WR-CALNAME")
	require.Len(t, obj.Events, 2)
	assert.Equal(t, "series-1@example.com", obj.UID())

	master := obj.Master()
	require.NotNil(t, master)
	assert.Equal(t, 2, master.Sequence)
	assert.Equal(t, "Planungsrunde für Q1", master.Summary)
	assert.Equal(t, "Room 1, 2nd floor", master.Location)
	assert.Equal(t, "Europe/Berlin", master.Start.TZID)
	assert.Equal(t, 9, master.Start.Time.UTC().Hour())
	assert.Equal(t, time.Hour, master.Length())
	assert.Equal(t, "FREQ=DAILY;COUNT=10", master.RRule)
	require.Len(t, master.ExDates, 1)
	assert.Equal(t, "alice@example.com", strings.TrimPrefix(master.Organizer.URI, "mailto:"))
	assert.Equal(t, ShownAsTentative, master.ShownAs)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 55, 0, 0, time.UTC), master.MozLastAck)
	assert.Contains(t, master.Extra, "X-MOZ-GENERATION")
	assert.Contains(t, master.Extra, "CATEGORIES")

	require.Len(t, master.Attendees, 2, "duplicate attendee lines collapse")
	joerg := master.Attendee("joerg@example.com")
	require.NotNil(t, joerg)
	assert.Equal(t, "Jörg", joerg.CommonName)
	assert.Equal(t, PartStatAccepted, joerg.PartStat)
	bob := master.Attendee("mailto:bob@example.com")
	require.NotNil(t, bob)
	assert.Equal(t, PartStatTentative, bob.PartStat)
	assert.True(t, bob.RSVP)
	assert.Equal(t, []string{"0"}, bob.Params["X-NUM-GUESTS"])

	require.Len(t, master.Alarms, 2)
	first, second := master.Alarms[0], master.Alarms[1]
	assert.Equal(t, "alarm-1", first.UID)
	assert.Equal(t, -15*time.Minute, first.Trigger.Offset)
	assert.False(t, first.Trigger.IsAbsolute())
	assert.Equal(t, time.Date(2024, 1, 1, 8, 46, 0, 0, time.UTC), first.Acknowledged)
	assert.Equal(t, "alarm-2", second.UID)
	assert.Equal(t, "alarm-1", second.RelatedTo)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 10, 0, 0, time.UTC), second.Trigger.Absolute)

	overrides := obj.Overrides()
	require.Len(t, overrides, 1)
	ex := overrides[0]
	assert.False(t, ex.IsMaster())
	assert.Equal(t, "Europe/Berlin:20240105T100000", ex.RecurrenceID.Encode())
	assert.Equal(t, 30*time.Minute, ex.Length())
}

func TestParse_RoundTrip(t *testing.T) {
	first, err := Parse(invitation)
	require.NoError(t, err)

	raw, err := Serialize(first)
	require.NoError(t, err)

	second, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, first.Method, second.Method)
	assert.Equal(t, first.ProductID, second.ProductID)
	assert.Len(t, second.Timezones, len(first.Timezones))
	require.Len(t, second.Events, len(first.Events))
	for i := range first.Events {
		a, b := first.Events[i], second.Events[i]
		assert.Equal(t, a.UID, b.UID)
		assert.True(t, a.RecurrenceID.Equal(b.RecurrenceID))
		assert.Equal(t, a.RecurrenceID.Encode(), b.RecurrenceID.Encode())
		assert.Equal(t, a.Sequence, b.Sequence)
		assert.Equal(t, a.Summary, b.Summary)
		assert.Equal(t, a.Location, b.Location)
		assert.True(t, a.Start.Time.Equal(b.Start.Time))
		assert.Equal(t, a.Start.TZID, b.Start.TZID)
		assert.True(t, a.EndTime().Equal(b.EndTime()))
		assert.Equal(t, a.RRule, b.RRule)
		ai, bi := a.RecurrenceInfo(), b.RecurrenceInfo()
		require.Len(t, bi.EXDATE, len(ai.EXDATE))
		for j := range ai.EXDATE {
			assert.True(t, ai.EXDATE[j].Equal(bi.EXDATE[j]))
		}
		assert.Equal(t, a.Organizer, b.Organizer)
		assert.Equal(t, a.Attendees, b.Attendees)
		assert.Equal(t, a.Alarms, b.Alarms, "alarm order and content survive")
		assert.Equal(t, a.Transparency, b.Transparency)
		assert.Equal(t, a.ShownAs, b.ShownAs)
		assert.True(t, a.MozLastAck.Equal(b.MozLastAck))
		assert.Equal(t, a.Extra, b.Extra)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"not a calendar", []byte("hello")},
		{"missing uid", ics(
			"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:x",
			"BEGIN:VEVENT", "DTSTAMP:20240101T080000Z", "DTSTART:20240101T090000Z", "END:VEVENT",
			"END:VCALENDAR")},
		{"broken start", ics(
			"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:x",
			"BEGIN:VEVENT", "UID:x", "DTSTAMP:20240101T080000Z", "DTSTART:tomorrow", "END:VEVENT",
			"END:VCALENDAR")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, schederr.ErrParse))
		})
	}
}

func TestParse_Fallbacks(t *testing.T) {
	raw := ics(
		"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:x",
		"BEGIN:VEVENT",
		"UID:fallback",
		"DTSTAMP:20240101T080000Z",
		"SEQUENCE:two",
		"DTSTART;TZID=Custom/Zone:20240101T090000",
		"SUMMARY:=?X-UNKNOWN?Q?broken?=",
		"BEGIN:VALARM",
		"ACTION:AUDIO",
		"TRIGGER:soon",
		"END:VALARM",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	obj, err := Parse(raw, WithDefaultLocation(berlin))
	require.NoError(t, err)
	ev := obj.Events[0]

	assert.Equal(t, 0, ev.Sequence)
	assert.Equal(t, "two", ev.Extra.Get("SEQUENCE").Value)
	assert.Equal(t, "Custom/Zone", ev.Start.TZID, "unknown zone keeps its TZID")
	assert.Equal(t, 8, ev.Start.Time.UTC().Hour(), "unknown zone resolves in the default location")
	assert.Equal(t, "=?X-UNKNOWN?Q?broken?=", ev.Summary, "undecodable words stay raw")
	require.Len(t, ev.Alarms, 1)
	assert.Equal(t, "soon", ev.Alarms[0].Extra.Get("TRIGGER").Value)

	out, err := Serialize(obj)
	require.NoError(t, err)
	assert.Contains(t, string(out), "SEQUENCE:two")
	assert.Contains(t, string(out), "TRIGGER:soon")
	assert.NotContains(t, string(out), "TRIGGER:PT0S")
}

func TestParse_WithLocations(t *testing.T) {
	raw := ics(
		"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:x",
		"BEGIN:VEVENT",
		"UID:outlook",
		"DTSTAMP:20240101T080000Z",
		"DTSTART;TZID=W. Europe Standard Time:20240101T090000",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	locs := recurrence.LocationLoaderFunc(func(tzid string) (*time.Location, error) {
		if tzid == "W. Europe Standard Time" {
			return time.LoadLocation("Europe/Berlin")
		}
		return nil, errors.New("unknown zone")
	})

	obj, err := Parse(raw, WithLocations(locs))
	require.NoError(t, err)
	assert.Equal(t, 8, obj.Events[0].Start.Time.UTC().Hour())
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"=?UTF-8?B?SsO2cmc=?=", "Jörg"},
		{"=?ISO-8859-1?Q?J=F6rg?= M=?ISO-8859-1?Q?=FC?=ller", "Jörg Müller"},
		{"=?windows-1252?Q?Caf=E9?=", "Café"},
		{"=?bogus?Q?x?=", "=?bogus?Q?x?="},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecodeText(tt.in), tt.in)
	}
}

func TestEvent_Clone(t *testing.T) {
	obj, err := Parse(invitation)
	require.NoError(t, err)
	master := obj.Master()

	c := master.Clone()
	c.Attendees[0].PartStat = PartStatDeclined
	c.Alarms[0].UID = "changed"
	c.Organizer.CommonName = "Mallory"
	c.Attendees[1].Params["X-NUM-GUESTS"][0] = "5"

	assert.Equal(t, PartStatAccepted, master.Attendees[0].PartStat)
	assert.Equal(t, "alarm-1", master.Alarms[0].UID)
	assert.Equal(t, "Alice", master.Organizer.CommonName)
	assert.Equal(t, "0", master.Attendees[1].Params["X-NUM-GUESTS"][0])
}

func TestTrigger_At(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	assert.Equal(t, start.Add(-15*time.Minute), Trigger{Offset: -15 * time.Minute}.At(start, end))
	assert.Equal(t, end.Add(-5*time.Minute), Trigger{Offset: -5 * time.Minute, RelatedEnd: true}.At(start, end))
	abs := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, abs, Trigger{Absolute: abs}.At(start, end))
}

func TestEvent_RecurrenceInfoNormalizesDateExclusions(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	ev := &Event{
		RRule:   "FREQ=DAILY",
		ExDates: []recurrence.DateTime{{Time: time.Date(2024, 1, 3, 0, 0, 0, 0, berlin), DateOnly: true}},
	}
	info := ev.RecurrenceInfo()
	require.Len(t, info.EXDATE, 1)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), info.EXDATE[0])
}
