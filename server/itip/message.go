// Package itip classifies incoming iTIP scheduling messages against the
// stored state of their series.
package itip

import (
	"fmt"
	"strings"

	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/samber/mo"
)

// OrphanSequence is the reserved sequence of an occurrence-scoped invitation
// that creates an orphaned occurrence.
const OrphanSequence = -1

// Scope tells whether a message addresses a whole series or one occurrence
type Scope int

const (
	ScopeSeries Scope = iota
	ScopeOccurrence
)

func (s Scope) String() string {
	if s == ScopeOccurrence {
		return "occurrence"
	}
	return "series"
}

// Message is one scheduling message about one VEVENT
type Message struct {
	Method       schedule.Method
	UID          string
	RecurrenceID mo.Option[recurrence.ID]
	Sequence     int
	Originator   string
	Recipient    string
	Event        *schedule.Event
}

// Scope returns the scope the message addresses
func (m Message) Scope() Scope {
	if m.RecurrenceID.IsPresent() {
		return ScopeOccurrence
	}
	return ScopeSeries
}

// Orphaning reports whether the message carries the orphan sentinel
func (m Message) Orphaning() bool {
	return m.Sequence == OrphanSequence && m.RecurrenceID.IsPresent()
}

func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s uid=%s", m.Method, m.UID)
	if rid, ok := m.RecurrenceID.Get(); ok {
		fmt.Fprintf(&b, " recurrence-id=%s", rid.Encode())
	}
	fmt.Fprintf(&b, " sequence=%d", m.Sequence)
	return b.String()
}

// NewMessage builds the message carrying ev
func NewMessage(method schedule.Method, ev *schedule.Event, originator, recipient string) Message {
	msg := Message{
		Method:       method,
		UID:          ev.UID,
		RecurrenceID: mo.None[recurrence.ID](),
		Sequence:     ev.Sequence,
		Originator:   originator,
		Recipient:    recipient,
		Event:        ev,
	}
	if !ev.IsMaster() {
		msg.RecurrenceID = mo.Some(ev.RecurrenceID)
	}
	if msg.Originator == "" {
		msg.Originator = defaultOriginator(method, ev)
	}
	return msg
}

// MessagesFromObject splits an iTIP object into one message per VEVENT, the
// master first. An empty originator is taken from the object: the organizer
// for organizer methods, the only attendee for REPLY.
func MessagesFromObject(obj *schedule.Object, originator, recipient string) []Message {
	if obj == nil {
		return nil
	}
	method := obj.Method
	if method == "" {
		method = schedule.MethodPublish
	}

	var out []Message
	if master := obj.Master(); master != nil {
		out = append(out, NewMessage(method, master, originator, recipient))
	}
	for _, ev := range obj.Overrides() {
		out = append(out, NewMessage(method, ev, originator, recipient))
	}
	return out
}

func defaultOriginator(method schedule.Method, ev *schedule.Event) string {
	if method == schedule.MethodReply {
		if len(ev.Attendees) > 0 {
			return ev.Attendees[0].URI
		}
		return ""
	}
	if ev.Organizer != nil {
		return ev.Organizer.URI
	}
	return ""
}
