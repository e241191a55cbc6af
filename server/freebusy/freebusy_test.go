package freebusy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora-itip/internal/xml"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	olivia = "mailto:olivia@example.com"
	bob    = "mailto:bob@example.com"
)

var monday = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func event(uid string, hour int, mutate ...func(*schedule.Event)) *schedule.Event {
	start := monday.Add(time.Duration(hour) * time.Hour)
	ev := &schedule.Event{
		UID:       uid,
		Summary:   uid,
		Start:     recurrence.DateTime{Time: start},
		End:       recurrence.DateTime{Time: start.Add(time.Hour)},
		Organizer: &schedule.Organizer{URI: olivia},
		Attendees: []schedule.Attendee{
			{URI: olivia, PartStat: schedule.PartStatAccepted},
			{URI: bob, PartStat: schedule.PartStatAccepted},
		},
	}
	for _, m := range mutate {
		m(ev)
	}
	return ev
}

func put(t *testing.T, store *series.Store, ev *schedule.Event) {
	t.Helper()
	_, err := store.Update(ev.UID, func(tx *series.Tx) error {
		return tx.Create(ev)
	})
	require.NoError(t, err)
}

func day() recurrence.Window {
	return recurrence.Window{Start: monday, End: monday.AddDate(0, 0, 1)}
}

func TestClassify(t *testing.T) {
	accepted := &schedule.Attendee{URI: bob, PartStat: schedule.PartStatAccepted}
	tentative := &schedule.Attendee{URI: bob, PartStat: schedule.PartStatTentative}
	declined := &schedule.Attendee{URI: bob, PartStat: schedule.PartStatDeclined}

	tests := []struct {
		name     string
		mutate   func(*schedule.Event)
		attendee *schedule.Attendee
		want     Type
		occupies bool
	}{
		{"plain", nil, accepted, TypeBusy, true},
		{"transparent", func(e *schedule.Event) { e.Transparency = schedule.TranspTransparent }, accepted, TypeFree, true},
		{"shown as free", func(e *schedule.Event) { e.ShownAs = schedule.ShownAsFree }, accepted, TypeFree, true},
		{"out of office", func(e *schedule.Event) { e.ShownAs = schedule.ShownAsOOF }, accepted, TypeBusyUnavailable, true},
		{"shown as tentative", func(e *schedule.Event) { e.ShownAs = schedule.ShownAsTentative }, accepted, TypeBusyTentative, true},
		{"tentative status", func(e *schedule.Event) { e.Status = schedule.StatusTentative }, nil, TypeBusyTentative, true},
		{"tentative answer", nil, tentative, TypeBusyTentative, true},
		{"intended status for attendees", func(e *schedule.Event) { e.IntendedStatus = schedule.ShownAsOOF }, accepted, TypeBusyUnavailable, true},
		{"intended status ignored for the organizer", func(e *schedule.Event) { e.IntendedStatus = schedule.ShownAsFree }, nil, TypeBusy, true},
		{"cancelled", func(e *schedule.Event) { e.Status = schedule.StatusCancelled }, accepted, "", false},
		{"declined", nil, declined, "", false},
		{"transparency wins over shown-as", func(e *schedule.Event) {
			e.Transparency = schedule.TranspTransparent
			e.ShownAs = schedule.ShownAsBusy
		}, accepted, TypeFree, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event("e", 9)
			if tt.mutate != nil {
				tt.mutate(ev)
			}
			got, ok := Classify(ev, tt.attendee)
			assert.Equal(t, tt.occupies, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBusyTime(t *testing.T) {
	store := series.NewStore(nil)
	put(t, store, event("standup", 9, func(e *schedule.Event) { e.RRule = "FREQ=DAILY;COUNT=5" }))
	// back to back with the standup, kept separate
	put(t, store, event("review", 10))
	put(t, store, event("lunch", 12, func(e *schedule.Event) { e.Transparency = schedule.TranspTransparent }))
	put(t, store, event("offsite", 14, func(e *schedule.Event) { e.ShownAs = schedule.ShownAsOOF }))
	put(t, store, event("cancelled", 16, func(e *schedule.Event) { e.Status = schedule.StatusCancelled }))
	put(t, store, event("declined", 17, func(e *schedule.Event) { e.Attendees[1].PartStat = schedule.PartStatDeclined }))
	put(t, store, event("not-invited", 18, func(e *schedule.Event) { e.Attendees = e.Attendees[:1] }))
	put(t, store, event("next-week", 24*7+9))

	agg := NewAggregator(store, WithMaxParallel(2))
	slots, err := agg.BusyTime(context.Background(), bob, day())
	require.NoError(t, err)

	var got []string
	for _, s := range slots {
		got = append(got, s.UID+":"+string(s.Type))
	}
	assert.Equal(t, []string{
		"standup:BUSY",
		"review:BUSY",
		"lunch:FREE",
		"offsite:BUSY-UNAVAILABLE",
	}, got)
	assert.True(t, slots[0].End.Equal(slots[1].Start), "adjacent slots are not merged")
	assert.True(t, slots[0].RecurrenceID.Equal(recurrence.NewID(monday.Add(9*time.Hour))))
	assert.True(t, slots[1].RecurrenceID.IsZero())

	// the organizer sees the events bob declined or was not invited to
	slots, err = agg.BusyTime(context.Background(), olivia, day())
	require.NoError(t, err)
	assert.Len(t, slots, 6)

	week := recurrence.Window{Start: monday, End: monday.AddDate(0, 0, 7)}
	slots, err = agg.BusyTime(context.Background(), bob, week)
	require.NoError(t, err)
	standups := 0
	for _, s := range slots {
		if s.UID == "standup" {
			standups++
		}
	}
	assert.Equal(t, 5, standups)
}

func TestBusyTime_Exceptions(t *testing.T) {
	store := series.NewStore(nil)
	master := event("standup", 9, func(e *schedule.Event) { e.RRule = "FREQ=DAILY;COUNT=3" })
	_, err := store.Update(master.UID, func(tx *series.Tx) error {
		if err := tx.Create(master); err != nil {
			return err
		}
		declined := series.OccurrenceEvent(master, recurrence.NewID(monday.Add(33*time.Hour)))
		declined.Attendees[1].PartStat = schedule.PartStatDeclined
		if err := tx.MaterializeException(declined.RecurrenceID, series.Change, declined, series.MaterializeOptions{}); err != nil {
			return err
		}
		return tx.MaterializeException(recurrence.NewID(monday.Add(57*time.Hour)), series.Delete, nil, series.MaterializeOptions{})
	})
	require.NoError(t, err)

	slots, err := NewAggregator(store).BusyTime(context.Background(), bob, recurrence.Unbounded())
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Start.Equal(monday.Add(9*time.Hour)))
}

func TestBusyTime_SkipsSeriesOutsideWindow(t *testing.T) {
	engine := recurrence.NewEngineWithConfig(recurrence.DefaultEngineConfig)
	defer engine.Close()
	store := series.NewStore(engine)

	put(t, store, event("past", -60*24+9, func(e *schedule.Event) { e.RRule = "FREQ=DAILY;COUNT=3" }))
	put(t, store, event("weekly", -28*24+11, func(e *schedule.Event) { e.RRule = "FREQ=WEEKLY" }))
	master := event("moved", -7*24+9, func(e *schedule.Event) { e.RRule = "FREQ=DAILY;COUNT=2" })
	_, err := store.Update(master.UID, func(tx *series.Tx) error {
		if err := tx.Create(master); err != nil {
			return err
		}
		moved := series.OccurrenceEvent(master, recurrence.NewID(master.Start.Time))
		moved.Start.Time = monday.Add(15 * time.Hour)
		moved.End.Time = moved.Start.Time.Add(time.Hour)
		return tx.MaterializeException(moved.RecurrenceID, series.Change, moved, series.MaterializeOptions{})
	})
	require.NoError(t, err)

	agg := NewAggregator(store)
	past, ok := store.Get("past")
	require.True(t, ok)
	assert.False(t, agg.mayOverlap(past, day()))
	assert.True(t, agg.mayOverlap(past, recurrence.Unbounded()))

	for i := 0; i < 2; i++ {
		slots, err := agg.BusyTime(context.Background(), bob, day())
		require.NoError(t, err)
		require.Len(t, slots, 2)
		assert.Equal(t, "weekly", slots[0].UID)
		assert.True(t, slots[0].Start.Equal(monday.Add(11*time.Hour)))
		assert.Equal(t, "moved", slots[1].UID)
		assert.True(t, slots[1].Start.Equal(monday.Add(15*time.Hour)))
		assert.True(t, slots[1].RecurrenceID.Equal(recurrence.NewID(master.Start.Time)))
	}
}

func TestBusyTime_Aliases(t *testing.T) {
	dir := identity.NewDirectory()
	require.NoError(t, dir.Add(identity.User{EntityID: "bob", Primary: bob, Aliases: []string{"mailto:robert@example.org"}}))
	store := series.NewStore(nil)
	put(t, store, event("review", 10))

	slots, err := NewAggregator(store, WithResolver(dir)).BusyTime(context.Background(), "mailto:robert@example.org", day())
	require.NoError(t, err)
	assert.Len(t, slots, 1)

	slots, err = NewAggregator(store).BusyTime(context.Background(), "mailto:robert@example.org", day())
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestBusyTime_Cancelled(t *testing.T) {
	store := series.NewStore(nil)
	put(t, store, event("review", 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAggregator(store).BusyTime(ctx, bob, day())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReply(t *testing.T) {
	slots := []Slot{
		{Start: monday.Add(9 * time.Hour), End: monday.Add(10 * time.Hour), Type: TypeBusy, UID: "a"},
		{Start: monday.Add(12 * time.Hour), End: monday.Add(13 * time.Hour), Type: TypeFree, UID: "b"},
		{Start: monday.Add(14 * time.Hour), End: monday.Add(15 * time.Hour), Type: TypeBusyUnavailable, UID: "c"},
	}
	q := Query{Organizer: olivia, Attendee: bob, Window: day()}
	body, err := Reply(q, slots, monday)
	require.NoError(t, err)

	obj, err := schedule.Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, schedule.MethodReply, obj.Method)
	require.Len(t, obj.Others, 1)
	fb := obj.Others[0]
	assert.Equal(t, "VFREEBUSY", fb.Name)

	periods := fb.Props.Values("FREEBUSY")
	require.Len(t, periods, 2, "free time is implied")
	assert.Equal(t, "BUSY", periods[0].Params.Get("FBTYPE"))
	start, end, err := ParsePeriod(periods[1].Value)
	require.NoError(t, err)
	assert.True(t, start.Equal(monday.Add(14*time.Hour)))
	assert.True(t, end.Equal(monday.Add(15*time.Hour)))
	assert.Equal(t, "BUSY-UNAVAILABLE", periods[1].Params.Get("FBTYPE"))
	assert.Equal(t, bob, fb.Props.Get("ATTENDEE").Value)
}

func TestParsePeriod(t *testing.T) {
	start, end, err := ParsePeriod("20240603T090000Z/PT1H30M")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, end.Sub(start))

	_, _, err = ParsePeriod("20240603T090000Z")
	assert.Error(t, err)
	_, _, err = ParsePeriod("yesterday/PT1H")
	assert.Error(t, err)
}

func TestScheduleResponse(t *testing.T) {
	results := []Result{
		{Recipient: bob, Slots: []Slot{{Start: monday.Add(9 * time.Hour), End: monday.Add(10 * time.Hour), Type: TypeBusy}}},
		{Recipient: "mailto:nobody@example.com", Err: identity.ErrUnknownUser},
	}
	resp, err := ScheduleResponse(olivia, day(), results, monday)
	require.NoError(t, err)
	require.Len(t, resp.Responses, 2)
	assert.Equal(t, xml.StatusSuccess, resp.Responses[0].RequestStatus)
	assert.Contains(t, resp.Responses[0].CalendarData, "FREEBUSY;FBTYPE=BUSY:20240603T090000Z/20240603T100000Z")
	assert.Equal(t, xml.StatusUnknownUser, resp.Responses[1].RequestStatus)
	assert.Empty(t, resp.Responses[1].CalendarData)

	text, err := resp.WriteString()
	require.NoError(t, err)
	assert.True(t, strings.Contains(text, "schedule-response"))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(text))
	var parsed xml.ScheduleResponse
	require.NoError(t, parsed.Parse(doc))
	require.Len(t, parsed.Responses, 2)
	assert.Equal(t, bob, parsed.Responses[0].Recipient)
}
