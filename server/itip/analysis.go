package itip

import (
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
)

// Kind tags the variants of Analysis
type Kind int

const (
	KindNewEvent Kind = iota
	KindChangedEvent
	KindDeletedEvent
	KindReply
	KindNoOp
)

func (k Kind) String() string {
	switch k {
	case KindNewEvent:
		return "new-event"
	case KindChangedEvent:
		return "changed-event"
	case KindDeletedEvent:
		return "deleted-event"
	case KindReply:
		return "reply"
	default:
		return "no-op"
	}
}

// Analysis is what a message would change if it were applied. The set of
// variants is closed: *NewEvent, *ChangedEvent, *DeletedEvent, *Reply and
// *NoOp.
type Analysis interface {
	Kind() Kind
	Message() Message
	analysis()
}

// NewEvent introduces a series, or one occurrence of it, to the store
type NewEvent struct {
	Msg Message
	// Orphaned is set for an occurrence the stored master does not
	// generate or does not invite the recipient to
	Orphaned bool
	// Restores is set when the occurrence currently carries a delete
	// exception
	Restores bool
	// Merges lists orphaned occurrences a series-scoped invitation folds in
	Merges []recurrence.ID
}

// ChangedEvent updates a known series or occurrence
type ChangedEvent struct {
	Msg Message
	// Previous is the stored content the message is compared with
	Previous       *schedule.Event
	SequenceRaised bool

	Changes []Change
	Added   []schedule.Attendee
	Removed []schedule.Attendee
	Updated []AttendeeChange

	// Exceptions lists the attendee changes a series-scoped update carries
	// into change exceptions, depending on the scope policy
	Exceptions []ExceptionDiff
}

// DeletedEvent cancels a series or one occurrence
type DeletedEvent struct {
	Msg      Message
	Previous *schedule.Event
	// AlreadyDeleted is set when the occurrence is already absent
	AlreadyDeleted bool
}

// Reply carries an attendee's new participation status
type Reply struct {
	Msg Message
	// Attendee is the stored attendee the reply correlates to
	Attendee    schedule.Attendee
	PartStat    schedule.PartStat
	DelegatedTo string
}

// NoOp is a message that changes nothing. It is surfaced so the caller can
// still decide to notify.
type NoOp struct {
	Msg    Message
	Reason string
	// Stale is set when the message is older than the stored state
	Stale bool
}

func (a *NewEvent) Kind() Kind     { return KindNewEvent }
func (a *ChangedEvent) Kind() Kind { return KindChangedEvent }
func (a *DeletedEvent) Kind() Kind { return KindDeletedEvent }
func (a *Reply) Kind() Kind        { return KindReply }
func (a *NoOp) Kind() Kind         { return KindNoOp }

func (a *NewEvent) Message() Message     { return a.Msg }
func (a *ChangedEvent) Message() Message { return a.Msg }
func (a *DeletedEvent) Message() Message { return a.Msg }
func (a *Reply) Message() Message        { return a.Msg }
func (a *NoOp) Message() Message         { return a.Msg }

func (*NewEvent) analysis()     {}
func (*ChangedEvent) analysis() {}
func (*DeletedEvent) analysis() {}
func (*Reply) analysis()        {}
func (*NoOp) analysis()         {}

// ContentChanged reports whether the change is visible to attendees: any
// property change or a change of the attendee list itself
func (a *ChangedEvent) ContentChanged() bool {
	return len(a.Changes) > 0 || len(a.Added) > 0 || len(a.Removed) > 0
}

// Empty reports whether the change carries no difference at all
func (a *ChangedEvent) Empty() bool {
	return len(a.Changes) == 0 && len(a.Added) == 0 && len(a.Removed) == 0 &&
		len(a.Updated) == 0 && len(a.Exceptions) == 0
}
