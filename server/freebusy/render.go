package freebusy

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/internal/xml"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const (
	compFreeBusy  = "VFREEBUSY"
	propFreeBusy  = "FREEBUSY"
	paramFreeBusy = "FBTYPE"
	utcLayout     = "20060102T150405Z"
)

// Query is a free/busy request as posted to a schedule outbox
type Query struct {
	Organizer string
	Attendee  string
	Window    recurrence.Window
}

// VFreeBusy renders slots as the VFREEBUSY component of a METHOD:REPLY
// object. FREE slots are left out, as free time is implied.
func VFreeBusy(q Query, slots []Slot, stamp time.Time) *ical.Component {
	fb := ical.NewComponent(compFreeBusy)
	fb.Props.SetText(ical.PropUID, uuid.NewString())
	fb.Props.Set(utcProp(ical.PropDateTimeStamp, stamp))
	if !q.Window.Start.IsZero() {
		fb.Props.Set(utcProp(ical.PropDateTimeStart, q.Window.Start))
	}
	if !q.Window.End.IsZero() {
		fb.Props.Set(utcProp(ical.PropDateTimeEnd, q.Window.End))
	}
	if q.Organizer != "" {
		fb.Props.Set(&ical.Prop{Name: ical.PropOrganizer, Params: make(ical.Params), Value: q.Organizer})
	}
	if q.Attendee != "" {
		fb.Props.Set(&ical.Prop{Name: ical.PropAttendee, Params: make(ical.Params), Value: q.Attendee})
	}

	for _, s := range slots {
		if s.Type == TypeFree {
			continue
		}
		prop := ical.NewProp(propFreeBusy)
		prop.Params.Set(paramFreeBusy, string(s.Type))
		prop.Value = s.Start.UTC().Format(utcLayout) + "/" + s.End.UTC().Format(utcLayout)
		fb.Props[propFreeBusy] = append(fb.Props[propFreeBusy], *prop)
	}
	return fb
}

// Reply encodes the free/busy answer for one attendee as iCalendar text
func Reply(q Query, slots []Slot, stamp time.Time) (string, error) {
	raw, err := schedule.Serialize(&schedule.Object{
		Method: schedule.MethodReply,
		Others: []*ical.Component{VFreeBusy(q, slots, stamp)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode free/busy reply for %s: %w", q.Attendee, err)
	}
	return string(raw), nil
}

// Result is the outcome of a free/busy query for one recipient
type Result struct {
	Recipient string
	Slots     []Slot
	// Err is set when the recipient could not be looked up
	Err error
}

// ScheduleResponse builds the C:schedule-response answering a free/busy
// POST with one entry per recipient
func ScheduleResponse(organizer string, window recurrence.Window, results []Result, stamp time.Time) (*xml.ScheduleResponse, error) {
	resp := &xml.ScheduleResponse{}
	for _, r := range results {
		if r.Err != nil {
			resp.Responses = append(resp.Responses, xml.RecipientResponse{
				Recipient:     r.Recipient,
				RequestStatus: xml.StatusUnknownUser,
				Description:   r.Err.Error(),
			})
			continue
		}
		body, err := Reply(Query{Organizer: organizer, Attendee: r.Recipient, Window: window}, r.Slots, stamp)
		if err != nil {
			return nil, err
		}
		resp.Responses = append(resp.Responses, xml.RecipientResponse{
			Recipient:     r.Recipient,
			RequestStatus: xml.StatusSuccess,
			CalendarData:  body,
		})
	}
	return resp, nil
}

// ParsePeriod parses a FREEBUSY period value of the form start/end or
// start/duration
func ParsePeriod(value string) (time.Time, time.Time, error) {
	startText, endText, ok := strings.Cut(value, "/")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q", value)
	}
	start, err := time.Parse(utcLayout, startText)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period start %q: %w", startText, err)
	}
	if strings.HasPrefix(endText, "P") || strings.HasPrefix(endText, "+P") {
		prop := ical.NewProp(ical.PropDuration)
		prop.Value = endText
		d, err := prop.Duration()
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid period duration %q: %w", endText, err)
		}
		return start, start.Add(d), nil
	}
	end, err := time.Parse(utcLayout, endText)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period end %q: %w", endText, err)
	}
	return start, end, nil
}

func utcProp(name string, t time.Time) *ical.Prop {
	return recurrence.FormatDateTime(name, recurrence.DateTime{Time: t.UTC()})
}
