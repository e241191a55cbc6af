package schedule

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/emersion/go-ical"
)

// Property and parameter names the model interprets beyond the go-ical set
const (
	propBusyStatus     = "X-MICROSOFT-CDO-BUSYSTATUS"
	propIntendedStatus = "X-MICROSOFT-CDO-INTENDEDSTATUS"
	propMozLastAck     = "X-MOZ-LASTACK"
	propMozSnoozeTime  = "X-MOZ-SNOOZE-TIME"
	propAcknowledged   = "ACKNOWLEDGED"
	propAlarmUID       = "X-WR-ALARMUID"
	propDefaultAlarm   = "X-APPLE-DEFAULT-ALARM"

	paramCN          = "CN"
	paramCUType      = "CUTYPE"
	paramRole        = "ROLE"
	paramPartStat    = "PARTSTAT"
	paramRSVP        = "RSVP"
	paramDelegatedTo = "DELEGATED-TO"
	paramSentBy      = "SENT-BY"
	paramRelated     = "RELATED"
)

var interpretedEventProps = map[string]bool{
	ical.PropUID:             true,
	ical.PropRecurrenceID:    true,
	ical.PropSequence:        true,
	ical.PropSummary:         true,
	ical.PropDescription:     true,
	ical.PropLocation:        true,
	ical.PropDateTimeStart:   true,
	ical.PropDateTimeEnd:     true,
	ical.PropDuration:        true,
	ical.PropRecurrenceRule:  true,
	ical.PropRecurrenceDates: true,
	ical.PropExceptionDates:  true,
	ical.PropOrganizer:       true,
	ical.PropAttendee:        true,
	ical.PropTransparency:    true,
	ical.PropStatus:          true,
	ical.PropDateTimeStamp:   true,
	ical.PropLastModified:    true,
	propBusyStatus:           true,
	propIntendedStatus:       true,
	propMozLastAck:           true,
	propMozSnoozeTime:        true,
}

var interpretedAlarmProps = map[string]bool{
	ical.PropUID:         true,
	ical.PropAction:      true,
	ical.PropTrigger:     true,
	ical.PropRelatedTo:   true,
	ical.PropDescription: true,
	propAcknowledged:     true,
	propDefaultAlarm:     true,
}

type parseOptions struct {
	locs   recurrence.LocationLoader
	def    *time.Location
	logger *slog.Logger
}

// Option configures Parse
type Option func(*parseOptions)

// WithLocations sets the resolver used for TZID parameters
func WithLocations(locs recurrence.LocationLoader) Option {
	return func(o *parseOptions) {
		if locs != nil {
			o.locs = locs
		}
	}
}

// WithDefaultLocation sets the location for floating times and unknown TZIDs
func WithDefaultLocation(loc *time.Location) Option {
	return func(o *parseOptions) {
		if loc != nil {
			o.def = loc
		}
	}
}

// WithLogger sets the logger that reports recovered input problems
func WithLogger(logger *slog.Logger) Option {
	return func(o *parseOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newParseOptions(opts []Option) *parseOptions {
	o := &parseOptions{
		locs:   recurrence.SystemLocations,
		def:    time.UTC,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Parse decodes an iCalendar scheduling object.
func Parse(raw []byte, opts ...Option) (*Object, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, schederr.Wrap(schederr.KindParse, err, "", "", "failed to decode calendar")
	}
	return FromCalendar(cal, opts...)
}

// FromCalendar builds an Object from an already decoded calendar
func FromCalendar(cal *ical.Calendar, opts ...Option) (*Object, error) {
	o := newParseOptions(opts)

	obj := &Object{Extra: make(ical.Props)}
	for name, props := range cal.Props {
		switch name {
		case ical.PropMethod:
			obj.Method = Method(strings.ToUpper(strings.TrimSpace(props[0].Value)))
		case ical.PropProductID:
			obj.ProductID = props[0].Value
		case ical.PropVersion:
		default:
			obj.Extra[name] = props
		}
	}

	for _, child := range cal.Children {
		switch child.Name {
		case ical.CompEvent:
			ev, err := parseEvent(child, o)
			if err != nil {
				return nil, err
			}
			obj.Events = append(obj.Events, ev)
		case ical.CompTimezone:
			obj.Timezones = append(obj.Timezones, child)
		default:
			obj.Others = append(obj.Others, child)
		}
	}

	return obj, nil
}

func parseEvent(comp *ical.Component, o *parseOptions) (*Event, error) {
	ev := &Event{Extra: make(ical.Props)}

	uid := comp.Props.Get(ical.PropUID)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return nil, schederr.New(schederr.KindParse, "", "", "VEVENT without UID")
	}
	ev.UID = strings.TrimSpace(uid.Value)

	start, err := recurrence.ParseDateTime(comp.Props.Get(ical.PropDateTimeStart), o.locs, o.def)
	if err != nil {
		return nil, schederr.Wrap(schederr.KindParse, err, ev.UID, "", "invalid start")
	}
	ev.Start = start

	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		rid, err := recurrence.ParseDateTime(prop, o.locs, o.def)
		if err != nil {
			return nil, schederr.Wrap(schederr.KindParse, err, ev.UID, prop.Value, "invalid recurrence id")
		}
		ev.RecurrenceID = rid.ID()
	}

	if prop := comp.Props.Get(ical.PropSequence); prop != nil {
		seq, err := strconv.Atoi(strings.TrimSpace(prop.Value))
		if err != nil {
			o.logger.Debug("keeping unparseable sequence as raw property",
				"uid", ev.UID,
				"value", prop.Value)
			ev.Extra.Add(prop)
		} else {
			ev.Sequence = seq
		}
	}

	ev.Summary = textValue(comp.Props.Get(ical.PropSummary))
	ev.Description = textValue(comp.Props.Get(ical.PropDescription))
	ev.Location = textValue(comp.Props.Get(ical.PropLocation))

	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		end, err := recurrence.ParseDateTime(prop, o.locs, o.def)
		if err != nil {
			o.logger.Debug("keeping unparseable end as raw property",
				"uid", ev.UID,
				"error", err)
			ev.Extra.Add(prop)
		} else {
			ev.End = end
		}
	} else if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			ev.Extra.Add(prop)
		} else {
			ev.Duration = d
		}
	}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		ev.RRule = strings.TrimSpace(prop.Value)
	}
	ev.RDates = recurrence.ParseDateTimeList(comp.Props.Values(ical.PropRecurrenceDates), o.locs, o.def)
	ev.ExDates = recurrence.ParseDateTimeList(comp.Props.Values(ical.PropExceptionDates), o.locs, o.def)

	if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
		ev.Organizer = parseOrganizer(prop)
	}
	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		ev.Attendees = addAttendee(ev.Attendees, parseAttendee(&prop))
	}

	ev.Transparency = upperValue(comp.Props.Get(ical.PropTransparency))
	ev.Status = upperValue(comp.Props.Get(ical.PropStatus))
	ev.ShownAs = upperValue(comp.Props.Get(propBusyStatus))
	ev.IntendedStatus = upperValue(comp.Props.Get(propIntendedStatus))

	ev.Stamp = utcValue(comp.Props.Get(ical.PropDateTimeStamp), o)
	ev.LastModified = utcValue(comp.Props.Get(ical.PropLastModified), o)
	ev.MozLastAck = utcValue(comp.Props.Get(propMozLastAck), o)
	ev.MozSnoozeTime = utcValue(comp.Props.Get(propMozSnoozeTime), o)

	for name, props := range comp.Props {
		if !interpretedEventProps[name] {
			ev.Extra[name] = append(ev.Extra[name], props...)
		}
	}
	if len(ev.Extra) == 0 {
		ev.Extra = nil
	}

	for _, child := range comp.Children {
		if child.Name == ical.CompAlarm {
			ev.Alarms = append(ev.Alarms, parseAlarm(child, o))
			continue
		}
		ev.Components = append(ev.Components, child)
	}

	return ev, nil
}

func parseOrganizer(prop *ical.Prop) *Organizer {
	org := &Organizer{
		URI:        strings.TrimSpace(prop.Value),
		CommonName: DecodeText(prop.Params.Get(paramCN)),
		SentBy:     prop.Params.Get(paramSentBy),
	}
	org.Params = restParams(prop.Params, paramCN, paramSentBy)
	return org
}

func parseAttendee(prop *ical.Prop) Attendee {
	a := Attendee{
		URI:         strings.TrimSpace(prop.Value),
		CommonName:  DecodeText(prop.Params.Get(paramCN)),
		CUType:      CUType(strings.ToUpper(prop.Params.Get(paramCUType))),
		Role:        strings.ToUpper(prop.Params.Get(paramRole)),
		PartStat:    PartStat(strings.ToUpper(prop.Params.Get(paramPartStat))),
		RSVP:        strings.EqualFold(prop.Params.Get(paramRSVP), "TRUE"),
		DelegatedTo: prop.Params.Get(paramDelegatedTo),
		SentBy:      prop.Params.Get(paramSentBy),
	}
	if a.PartStat == "" {
		a.PartStat = PartStatNeedsAction
	}
	a.Params = restParams(prop.Params, paramCN, paramCUType, paramRole, paramPartStat, paramRSVP, paramDelegatedTo, paramSentBy)
	return a
}

// addAttendee appends a, collapsing it into an existing entry with the same
// address. The merged entry keeps the first non-empty value of every field and
// prefers a reply over NEEDS-ACTION.
func addAttendee(list []Attendee, a Attendee) []Attendee {
	for i := range list {
		existing := &list[i]
		if !sameAttendee(*existing, a) {
			continue
		}
		if existing.CommonName == "" {
			existing.CommonName = a.CommonName
		}
		if existing.CUType == "" {
			existing.CUType = a.CUType
		}
		if existing.Role == "" {
			existing.Role = a.Role
		}
		if !existing.PartStat.Terminal() && a.PartStat.Terminal() {
			existing.PartStat = a.PartStat
		}
		existing.RSVP = existing.RSVP || a.RSVP
		if existing.DelegatedTo == "" {
			existing.DelegatedTo = a.DelegatedTo
		}
		if existing.SentBy == "" {
			existing.SentBy = a.SentBy
		}
		return list
	}
	return append(list, a)
}

func sameAttendee(a, b Attendee) bool {
	if a.EntityID != "" && a.EntityID == b.EntityID {
		return true
	}
	return identity.SameAddress(a.URI, b.URI)
}

func parseAlarm(comp *ical.Component, o *parseOptions) Alarm {
	a := Alarm{Extra: make(ical.Props)}

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		a.UID = strings.TrimSpace(prop.Value)
	} else if prop := comp.Props.Get(propAlarmUID); prop != nil {
		a.UID = strings.TrimSpace(prop.Value)
	}
	a.Action = upperValue(comp.Props.Get(ical.PropAction))
	a.Description = textValue(comp.Props.Get(ical.PropDescription))
	a.Acknowledged = utcValue(comp.Props.Get(propAcknowledged), o)
	if prop := comp.Props.Get(ical.PropRelatedTo); prop != nil {
		a.RelatedTo = strings.TrimSpace(prop.Value)
	}
	if prop := comp.Props.Get(propDefaultAlarm); prop != nil {
		a.DefaultAlarm = strings.EqualFold(strings.TrimSpace(prop.Value), "TRUE")
	}

	if prop := comp.Props.Get(ical.PropTrigger); prop != nil {
		trigger, err := parseTrigger(prop, o)
		if err != nil {
			o.logger.Debug("keeping unparseable trigger as raw property",
				"value", prop.Value,
				"error", err)
			a.Extra.Add(prop)
		} else {
			a.Trigger = trigger
		}
	}

	for name, props := range comp.Props {
		if !interpretedAlarmProps[name] {
			a.Extra[name] = append(a.Extra[name], props...)
		}
	}
	if len(a.Extra) == 0 {
		a.Extra = nil
	}
	return a
}

func parseTrigger(prop *ical.Prop, o *parseOptions) (Trigger, error) {
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE-TIME") {
		dt, err := recurrence.ParseDateTime(prop, o.locs, time.UTC)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Absolute: dt.Time.UTC()}, nil
	}
	d, err := prop.Duration()
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{
		Offset:     d,
		RelatedEnd: strings.EqualFold(prop.Params.Get(paramRelated), "END"),
	}, nil
}

func textValue(prop *ical.Prop) string {
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		text = prop.Value
	}
	return DecodeText(text)
}

func upperValue(prop *ical.Prop) string {
	if prop == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(prop.Value))
}

func utcValue(prop *ical.Prop, o *parseOptions) time.Time {
	if prop == nil {
		return time.Time{}
	}
	dt, err := recurrence.ParseDateTime(prop, o.locs, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return dt.Time.UTC()
}

func restParams(params ical.Params, known ...string) ical.Params {
	var rest ical.Params
	for name, values := range params {
		skip := false
		for _, k := range known {
			if name == k {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if rest == nil {
			rest = make(ical.Params)
		}
		rest[name] = append([]string(nil), values...)
	}
	return rest
}
