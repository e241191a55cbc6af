// Package schedule maps iCalendar scheduling objects to the event, attendee
// and alarm model used by the scheduling core.
package schedule

import (
	"reflect"
	"slices"
	"time"

	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/emersion/go-ical"
)

// Method is an iTIP method
type Method string

const (
	MethodPublish Method = "PUBLISH"
	MethodRequest Method = "REQUEST"
	MethodReply   Method = "REPLY"
	MethodCancel  Method = "CANCEL"
	MethodAdd     Method = "ADD"
	MethodRefresh Method = "REFRESH"
	MethodCounter Method = "COUNTER"
)

// PartStat is an attendee participation status
type PartStat string

const (
	PartStatNeedsAction PartStat = "NEEDS-ACTION"
	PartStatAccepted    PartStat = "ACCEPTED"
	PartStatDeclined    PartStat = "DECLINED"
	PartStatTentative   PartStat = "TENTATIVE"
	PartStatDelegated   PartStat = "DELEGATED"
)

// Terminal reports whether the status is a reply, i.e. anything but NEEDS-ACTION
func (p PartStat) Terminal() bool {
	switch p {
	case PartStatAccepted, PartStatDeclined, PartStatTentative, PartStatDelegated:
		return true
	}
	return false
}

// CUType is the calendar user type of an attendee
type CUType string

const (
	CUTypeIndividual CUType = "INDIVIDUAL"
	CUTypeGroup      CUType = "GROUP"
	CUTypeResource   CUType = "RESOURCE"
	CUTypeRoom       CUType = "ROOM"
	CUTypeUnknown    CUType = "UNKNOWN"
)

// Transparency values of TRANSP
const (
	TranspOpaque      = "OPAQUE"
	TranspTransparent = "TRANSPARENT"
)

// Event status values of STATUS
const (
	StatusTentative = "TENTATIVE"
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"
)

// ShownAs values of X-MICROSOFT-CDO-BUSYSTATUS
const (
	ShownAsFree             = "FREE"
	ShownAsTentative        = "TENTATIVE"
	ShownAsBusy             = "BUSY"
	ShownAsOOF              = "OOF"
	ShownAsWorkingElsewhere = "WORKINGELSEWHERE"
)

// Attendee is a participant of an event or occurrence
type Attendee struct {
	URI         string
	CommonName  string
	CUType      CUType
	Role        string
	PartStat    PartStat
	RSVP        bool
	DelegatedTo string
	SentBy      string
	// EntityID is the internal user the address resolved to, if any. It is
	// never serialized.
	EntityID string
	// Params holds parameters that are not interpreted
	Params ical.Params
}

// Organizer is the organizer of an event
type Organizer struct {
	URI        string
	CommonName string
	SentBy     string
	EntityID   string
	Params     ical.Params
}

// Trigger is either a duration relative to the event start (or end) or an
// absolute point in time
type Trigger struct {
	Absolute   time.Time
	Offset     time.Duration
	RelatedEnd bool
}

// IsAbsolute reports whether the trigger names a fixed time
func (t Trigger) IsAbsolute() bool {
	return !t.Absolute.IsZero()
}

// At resolves the trigger against an occurrence
func (t Trigger) At(start, end time.Time) time.Time {
	if t.IsAbsolute() {
		return t.Absolute
	}
	if t.RelatedEnd {
		return end.Add(t.Offset)
	}
	return start.Add(t.Offset)
}

// Equal compares two triggers
func (t Trigger) Equal(o Trigger) bool {
	return t.Absolute.Equal(o.Absolute) && t.Offset == o.Offset && t.RelatedEnd == o.RelatedEnd
}

// Alarm is a VALARM
type Alarm struct {
	UID          string
	Action       string
	Trigger      Trigger
	Acknowledged time.Time
	RelatedTo    string
	Description  string
	DefaultAlarm bool // X-APPLE-DEFAULT-ALARM
	Extra        ical.Props
}

// Event is one VEVENT: a master, a change exception or a single event.
type Event struct {
	UID          string
	RecurrenceID recurrence.ID // zero for the master
	Sequence     int

	Summary     string
	Description string
	Location    string

	Start    recurrence.DateTime
	End      recurrence.DateTime // zero when the event has a DURATION or no end
	Duration time.Duration

	RRule   string
	RDates  []recurrence.DateTime
	ExDates []recurrence.DateTime

	Organizer *Organizer
	Attendees []Attendee

	Transparency   string
	Status         string
	ShownAs        string // X-MICROSOFT-CDO-BUSYSTATUS
	IntendedStatus string // X-MICROSOFT-CDO-INTENDEDSTATUS

	Stamp        time.Time
	LastModified time.Time

	// Thunderbird keeps alarm state on the event instead of the alarm
	MozLastAck    time.Time
	MozSnoozeTime time.Time

	Alarms []Alarm

	// Extra holds properties that are preserved but not interpreted
	Extra ical.Props
	// Components holds child components other than VALARM
	Components []*ical.Component
}

// IsMaster reports whether the event is the series master
func (e *Event) IsMaster() bool {
	return e.RecurrenceID.IsZero()
}

// EndTime returns the effective end of the event
func (e *Event) EndTime() time.Time {
	switch {
	case !e.End.Time.IsZero():
		return e.End.Time
	case e.Duration != 0:
		return e.Start.Time.Add(e.Duration)
	case e.Start.DateOnly:
		return e.Start.Time.AddDate(0, 0, 1)
	default:
		return e.Start.Time
	}
}

// Length returns the duration between start and effective end
func (e *Event) Length() time.Duration {
	return e.EndTime().Sub(e.Start.Time)
}

// RecurrenceInfo extracts the recurrence-defining properties. Date-only
// exclusions are normalized to midnight UTC so they match the whole day.
func (e *Event) RecurrenceInfo() recurrence.RecurrenceInfo {
	info := recurrence.RecurrenceInfo{RRULE: e.RRule}
	for _, d := range e.RDates {
		info.RDATE = append(info.RDATE, d.Time)
	}
	for _, d := range e.ExDates {
		if d.DateOnly {
			y, m, day := d.Time.Date()
			info.EXDATE = append(info.EXDATE, time.Date(y, m, day, 0, 0, 0, 0, time.UTC))
			continue
		}
		info.EXDATE = append(info.EXDATE, d.Time)
	}
	return info
}

// Attendee returns the attendee with the given address, or nil
func (e *Event) Attendee(address string) *Attendee {
	for i := range e.Attendees {
		if identity.SameAddress(e.Attendees[i].URI, address) {
			return &e.Attendees[i]
		}
	}
	return nil
}

// AttendeeByEntity returns the attendee resolved to the given entity, or nil
func (e *Event) AttendeeByEntity(entityID string) *Attendee {
	if entityID == "" {
		return nil
	}
	for i := range e.Attendees {
		if e.Attendees[i].EntityID == entityID {
			return &e.Attendees[i]
		}
	}
	return nil
}

// IsOrganizer reports whether address is the organizer's address
func (e *Event) IsOrganizer(address string) bool {
	return e.Organizer != nil && identity.SameAddress(e.Organizer.URI, address)
}

// Clone returns a deep copy of the event
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.RDates = slices.Clone(e.RDates)
	c.ExDates = slices.Clone(e.ExDates)
	if e.Organizer != nil {
		o := *e.Organizer
		o.Params = cloneParams(e.Organizer.Params)
		c.Organizer = &o
	}
	if e.Attendees != nil {
		c.Attendees = make([]Attendee, len(e.Attendees))
		for i, a := range e.Attendees {
			a.Params = cloneParams(a.Params)
			c.Attendees[i] = a
		}
	}
	c.Alarms = CloneAlarms(e.Alarms)
	c.Extra = cloneProps(e.Extra)
	if e.Components != nil {
		c.Components = make([]*ical.Component, len(e.Components))
		for i, comp := range e.Components {
			c.Components[i] = cloneComponent(comp)
		}
	}
	return &c
}

// Equal compares two alarms property by property
func (a Alarm) Equal(b Alarm) bool {
	return a.UID == b.UID &&
		a.Action == b.Action &&
		a.Trigger.Equal(b.Trigger) &&
		a.Acknowledged.Equal(b.Acknowledged) &&
		a.RelatedTo == b.RelatedTo &&
		a.Description == b.Description &&
		a.DefaultAlarm == b.DefaultAlarm &&
		reflect.DeepEqual(a.Extra, b.Extra)
}

// AlarmsEqual compares two alarm lists in order
func AlarmsEqual(a, b []Alarm) bool {
	return slices.EqualFunc(a, b, Alarm.Equal)
}

// CloneAlarms returns a deep copy of alarms
func CloneAlarms(alarms []Alarm) []Alarm {
	if alarms == nil {
		return nil
	}
	out := make([]Alarm, len(alarms))
	for i, a := range alarms {
		a.Extra = cloneProps(a.Extra)
		out[i] = a
	}
	return out
}

// Object is a parsed VCALENDAR scheduling object
type Object struct {
	Method    Method
	ProductID string
	Events    []*Event
	// Timezones are kept verbatim
	Timezones []*ical.Component
	// Others holds non-event components such as VTODO, preserved verbatim
	Others []*ical.Component
	Extra  ical.Props
}

// Master returns the master event, or nil when the object only carries
// overridden occurrences
func (o *Object) Master() *Event {
	for _, e := range o.Events {
		if e.IsMaster() {
			return e
		}
	}
	return nil
}

// Overrides returns the events carrying a RECURRENCE-ID
func (o *Object) Overrides() []*Event {
	var out []*Event
	for _, e := range o.Events {
		if !e.IsMaster() {
			out = append(out, e)
		}
	}
	return out
}

// UID returns the UID shared by the object's events
func (o *Object) UID() string {
	if len(o.Events) == 0 {
		return ""
	}
	return o.Events[0].UID
}

func cloneParams(p ical.Params) ical.Params {
	if p == nil {
		return nil
	}
	out := make(ical.Params, len(p))
	for k, v := range p {
		out[k] = slices.Clone(v)
	}
	return out
}

func cloneProps(p ical.Props) ical.Props {
	if p == nil {
		return nil
	}
	out := make(ical.Props, len(p))
	for name, props := range p {
		cp := make([]ical.Prop, len(props))
		for i, prop := range props {
			prop.Params = cloneParams(prop.Params)
			cp[i] = prop
		}
		out[name] = cp
	}
	return out
}

func cloneComponent(c *ical.Component) *ical.Component {
	if c == nil {
		return nil
	}
	out := &ical.Component{Name: c.Name, Props: cloneProps(c.Props)}
	for _, child := range c.Children {
		out.Children = append(out.Children, cloneComponent(child))
	}
	return out
}
