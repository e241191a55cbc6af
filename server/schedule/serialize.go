package schedule

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/emersion/go-ical"
)

// DefaultProductID is used when an object carries no PRODID of its own
const DefaultProductID = "-//Caldora//Go Calendar//EN"

// Serialize encodes an object as iCalendar text
func Serialize(obj *Object) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(ToCalendar(obj)); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// ToCalendar converts an object into a go-ical calendar. Timezones are
// emitted before events, other components after them.
func ToCalendar(obj *Object) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	prodID := obj.ProductID
	if prodID == "" {
		prodID = DefaultProductID
	}
	cal.Props.Set(rawProp(ical.PropProductID, prodID))
	if obj.Method != "" {
		cal.Props.Set(rawProp(ical.PropMethod, string(obj.Method)))
	}
	for name, props := range obj.Extra {
		cal.Props[name] = append(cal.Props[name], props...)
	}

	cal.Children = append(cal.Children, obj.Timezones...)
	for _, ev := range obj.Events {
		cal.Children = append(cal.Children, EventComponent(ev))
	}
	cal.Children = append(cal.Children, obj.Others...)
	return cal
}

// EventComponent converts an event into a VEVENT component. Properties kept
// raw in Extra take precedence over their interpreted counterpart.
func EventComponent(ev *Event) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	add := func(prop *ical.Prop) {
		if prop == nil {
			return
		}
		if _, raw := ev.Extra[prop.Name]; raw {
			return
		}
		comp.Props.Add(prop)
	}

	add(rawProp(ical.PropUID, ev.UID))
	stamp := ev.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	add(utcProp(ical.PropDateTimeStamp, stamp))
	add(recurrence.FormatDateTime(ical.PropDateTimeStart, ev.Start))
	switch {
	case !ev.End.Time.IsZero():
		add(recurrence.FormatDateTime(ical.PropDateTimeEnd, ev.End))
	case ev.Duration != 0:
		prop := ical.NewProp(ical.PropDuration)
		prop.SetDuration(ev.Duration)
		add(prop)
	}
	if !ev.RecurrenceID.IsZero() {
		add(recurrence.FormatDateTime(ical.PropRecurrenceID, recurrence.DateTimeFromID(ev.RecurrenceID)))
	}
	if ev.Sequence != 0 {
		add(rawProp(ical.PropSequence, strconv.Itoa(ev.Sequence)))
	}

	add(textProp(ical.PropSummary, ev.Summary))
	add(textProp(ical.PropDescription, ev.Description))
	add(textProp(ical.PropLocation, ev.Location))

	if ev.RRule != "" {
		add(rawProp(ical.PropRecurrenceRule, ev.RRule))
	}
	for _, d := range ev.RDates {
		add(recurrence.FormatDateTime(ical.PropRecurrenceDates, d))
	}
	for _, d := range ev.ExDates {
		add(recurrence.FormatDateTime(ical.PropExceptionDates, d))
	}

	if ev.Organizer != nil {
		add(organizerProp(ev.Organizer))
	}
	for i := range ev.Attendees {
		add(attendeeProp(&ev.Attendees[i]))
	}

	add(rawProp(ical.PropTransparency, ev.Transparency))
	add(rawProp(ical.PropStatus, ev.Status))
	add(rawProp(propBusyStatus, ev.ShownAs))
	add(rawProp(propIntendedStatus, ev.IntendedStatus))

	add(utcProp(ical.PropLastModified, ev.LastModified))
	add(utcProp(propMozLastAck, ev.MozLastAck))
	add(utcProp(propMozSnoozeTime, ev.MozSnoozeTime))

	for name, props := range ev.Extra {
		comp.Props[name] = append(comp.Props[name], props...)
	}

	for i := range ev.Alarms {
		comp.Children = append(comp.Children, AlarmComponent(&ev.Alarms[i]))
	}
	comp.Children = append(comp.Children, ev.Components...)
	return comp
}

// AlarmComponent converts an alarm into a VALARM component
func AlarmComponent(a *Alarm) *ical.Component {
	comp := ical.NewComponent(ical.CompAlarm)
	add := func(prop *ical.Prop) {
		if prop == nil {
			return
		}
		if _, raw := a.Extra[prop.Name]; raw {
			return
		}
		comp.Props.Add(prop)
	}

	add(rawProp(ical.PropUID, a.UID))
	action := a.Action
	if action == "" {
		action = "DISPLAY"
	}
	add(rawProp(ical.PropAction, action))

	if a.Trigger.IsAbsolute() {
		prop := utcProp(ical.PropTrigger, a.Trigger.Absolute)
		prop.Params.Set(ical.ParamValue, "DATE-TIME")
		add(prop)
	} else {
		prop := ical.NewProp(ical.PropTrigger)
		prop.SetDuration(a.Trigger.Offset)
		if a.Trigger.RelatedEnd {
			prop.Params.Set(paramRelated, "END")
		}
		add(prop)
	}

	add(utcProp(propAcknowledged, a.Acknowledged))
	add(rawProp(ical.PropRelatedTo, a.RelatedTo))
	add(textProp(ical.PropDescription, a.Description))
	if a.DefaultAlarm {
		add(rawProp(propDefaultAlarm, "TRUE"))
	}

	for name, props := range a.Extra {
		comp.Props[name] = append(comp.Props[name], props...)
	}
	return comp
}

func organizerProp(o *Organizer) *ical.Prop {
	prop := rawProp(ical.PropOrganizer, o.URI)
	if prop == nil {
		return nil
	}
	prop.Params = cloneParams(o.Params)
	if prop.Params == nil {
		prop.Params = make(ical.Params)
	}
	setParam(prop.Params, paramCN, o.CommonName)
	setParam(prop.Params, paramSentBy, o.SentBy)
	return prop
}

func attendeeProp(a *Attendee) *ical.Prop {
	prop := rawProp(ical.PropAttendee, a.URI)
	if prop == nil {
		return nil
	}
	prop.Params = cloneParams(a.Params)
	if prop.Params == nil {
		prop.Params = make(ical.Params)
	}
	setParam(prop.Params, paramCN, a.CommonName)
	setParam(prop.Params, paramCUType, string(a.CUType))
	setParam(prop.Params, paramRole, a.Role)
	setParam(prop.Params, paramPartStat, string(a.PartStat))
	if a.RSVP {
		prop.Params.Set(paramRSVP, "TRUE")
	}
	setParam(prop.Params, paramDelegatedTo, a.DelegatedTo)
	setParam(prop.Params, paramSentBy, a.SentBy)
	return prop
}

func setParam(params ical.Params, name, value string) {
	if value != "" {
		params.Set(name, value)
	}
}

func rawProp(name, value string) *ical.Prop {
	if value == "" {
		return nil
	}
	prop := ical.NewProp(name)
	prop.Value = value
	return prop
}

func textProp(name, value string) *ical.Prop {
	if value == "" {
		return nil
	}
	prop := ical.NewProp(name)
	prop.SetText(value)
	return prop
}

func utcProp(name string, t time.Time) *ical.Prop {
	if t.IsZero() {
		return nil
	}
	return recurrence.FormatDateTime(name, recurrence.DateTime{Time: t.UTC()})
}
