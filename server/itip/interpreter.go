package itip

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/samber/mo"
)

// Interpreter classifies scheduling messages against a series store
type Interpreter struct {
	store    *series.Store
	resolver identity.Resolver
	policy   ScopePolicy
	logger   *slog.Logger
}

// Option represents a configuration option for the Interpreter
type Option func(*Interpreter)

// WithResolver sets the identity resolver used to correlate aliases
func WithResolver(r identity.Resolver) Option {
	return func(in *Interpreter) {
		in.resolver = r
	}
}

// WithScopePolicy sets how series-scoped updates treat change exceptions
func WithScopePolicy(p ScopePolicy) Option {
	return func(in *Interpreter) {
		if p != "" {
			in.policy = p
		}
	}
}

// WithLogger sets the logger for the interpreter
func WithLogger(logger *slog.Logger) Option {
	return func(in *Interpreter) {
		if logger != nil {
			in.logger = logger
		}
	}
}

// NewInterpreter creates an interpreter reading from store
func NewInterpreter(store *series.Store, opts ...Option) *Interpreter {
	in := &Interpreter{
		store:  store,
		policy: DefaultScopePolicy,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Policy returns the configured scope policy
func (in *Interpreter) Policy() ScopePolicy {
	return in.policy
}

// Resolver returns the identity resolver, which may be nil
func (in *Interpreter) Resolver() identity.Resolver {
	return in.resolver
}

// Analyze interprets msg against the latest committed snapshot of its series
func (in *Interpreter) Analyze(ctx context.Context, msg Message) mo.Result[Analysis] {
	sr, _ := in.store.Get(msg.UID)
	return in.Interpret(ctx, msg, sr)
}

// Interpret classifies msg against sr, which is nil when the series is
// unknown. It never modifies sr.
func (in *Interpreter) Interpret(ctx context.Context, msg Message, sr *series.Series) mo.Result[Analysis] {
	a, err := in.interpret(ctx, msg, sr)
	if err != nil {
		in.logger.Debug("message rejected",
			"message", msg.String(),
			"error", err)
		return mo.Err[Analysis](err)
	}
	in.logger.Debug("message classified",
		"message", msg.String(),
		"analysis", a.Kind().String())
	return mo.Ok(a)
}

func (in *Interpreter) interpret(ctx context.Context, msg Message, sr *series.Series) (Analysis, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	msg = decoded(msg)
	ResolveEntities(ctx, in.resolver, msg.Event)

	switch msg.Method {
	case schedule.MethodRequest, schedule.MethodPublish:
		return in.request(ctx, msg, sr)
	case schedule.MethodAdd:
		// ADD introduces instances, which is an occurrence-scoped REQUEST
		if !msg.RecurrenceID.IsPresent() {
			rid := msg.Event.Start.ID()
			msg.RecurrenceID = mo.Some(rid)
			msg.Event.RecurrenceID = rid
		}
		msg.Event.RRule = ""
		msg.Event.RDates = nil
		msg.Event.ExDates = nil
		return in.request(ctx, msg, sr)
	case schedule.MethodCancel:
		return in.cancel(msg, sr)
	case schedule.MethodReply:
		return in.reply(ctx, msg, sr)
	}
	return &NoOp{Msg: msg, Reason: fmt.Sprintf("method %s is not interpreted", msg.Method)}, nil
}

func validate(msg Message) error {
	if msg.UID == "" {
		return schederr.New(schederr.KindParse, "", "", "message without UID")
	}
	if msg.Event == nil {
		if msg.Method == schedule.MethodCancel {
			return nil
		}
		return schederr.New(schederr.KindParse, msg.UID, "", "%s without event", msg.Method)
	}
	if msg.Event.UID != msg.UID {
		return schederr.New(schederr.KindParse, msg.UID, "", "event has uid %s", msg.Event.UID)
	}
	return nil
}

// decoded returns msg with a private copy of its event whose text values
// have their encoded-words decoded
func decoded(msg Message) Message {
	if msg.Event == nil {
		return msg
	}
	ev := msg.Event.Clone()
	ev.Summary = schedule.DecodeText(ev.Summary)
	ev.Description = schedule.DecodeText(ev.Description)
	ev.Location = schedule.DecodeText(ev.Location)
	if ev.Organizer != nil {
		ev.Organizer.CommonName = schedule.DecodeText(ev.Organizer.CommonName)
	}
	for i := range ev.Attendees {
		ev.Attendees[i].CommonName = schedule.DecodeText(ev.Attendees[i].CommonName)
	}
	msg.Event = ev
	return msg
}

func (in *Interpreter) matcher(ctx context.Context) attendeeMatcher {
	return attendeeMatcher{ctx: ctx, resolver: in.resolver}
}

func (in *Interpreter) request(ctx context.Context, msg Message, sr *series.Series) (Analysis, error) {
	rid, scoped := msg.RecurrenceID.Get()
	if sr == nil {
		return &NewEvent{Msg: msg, Orphaned: scoped}, nil
	}

	if !scoped {
		if sr.Master == nil {
			a := &NewEvent{Msg: msg}
			for _, ex := range sr.Orphans() {
				a.Merges = append(a.Merges, ex.RecurrenceID)
			}
			return a, nil
		}
		return in.compare(ctx, msg, sr.Master, sr), nil
	}

	if ex, ok := sr.Exception(rid); ok {
		return in.compare(ctx, msg, ex.Event, sr), nil
	}
	if stored := sr.Sequence(rid); msg.Sequence < stored && !msg.Orphaning() {
		return stale(msg, stored), nil
	}
	if sr.IsDeleted(rid) {
		return &NewEvent{Msg: msg, Restores: true}, nil
	}
	if msg.Orphaning() || sr.Master == nil || !in.store.IsNatural(sr.Master, rid) {
		return &NewEvent{Msg: msg, Orphaned: true}, nil
	}
	if msg.Recipient != "" && in.matcher(ctx).findAddress(sr.Master.Attendees, msg.Recipient) < 0 {
		// invited to this occurrence only
		return &NewEvent{Msg: msg, Orphaned: true}, nil
	}
	return in.compare(ctx, msg, series.OccurrenceEvent(sr.Master, rid), sr), nil
}

func (in *Interpreter) compare(ctx context.Context, msg Message, stored *schedule.Event, sr *series.Series) Analysis {
	seq := msg.Sequence
	if msg.Orphaning() {
		seq = stored.Sequence
	}
	if seq < stored.Sequence {
		return stale(msg, stored.Sequence)
	}
	raised := seq > stored.Sequence

	opts := diffOptions{}
	if !raised {
		opts.keepPartStat = msg.Recipient
	}
	incoming := msg.Event
	if msg.Scope() == ScopeSeries {
		incoming = WithLocalDeletes(incoming, sr)
	}

	ch := in.matcher(ctx).diff(stored, incoming, opts)
	ch.Msg = msg
	ch.SequenceRaised = raised
	if msg.Scope() == ScopeSeries && in.policy == PolicySeriesAndExceptions {
		ch.Exceptions = ExceptionDiffs(ctx, in.resolver, sr, stored, incoming)
	}
	if !raised && ch.Empty() {
		return &NoOp{Msg: msg, Reason: "no change at the stored sequence"}
	}
	return ch
}

func (in *Interpreter) cancel(msg Message, sr *series.Series) (Analysis, error) {
	if sr == nil {
		return &NoOp{Msg: msg, Reason: "unknown series"}, nil
	}
	rid, scoped := msg.RecurrenceID.Get()
	if !scoped {
		if stored := sr.Sequence(recurrence.ID{}); msg.Sequence < stored {
			return stale(msg, stored), nil
		}
		return &DeletedEvent{Msg: msg, Previous: sr.Master}, nil
	}

	if sr.IsDeleted(rid) {
		return &DeletedEvent{Msg: msg, AlreadyDeleted: true}, nil
	}
	var previous *schedule.Event
	if ex, ok := sr.Exception(rid); ok {
		previous = ex.Event
	} else if sr.Master != nil && in.store.IsNatural(sr.Master, rid) {
		previous = series.OccurrenceEvent(sr.Master, rid)
	} else {
		return nil, schederr.New(schederr.KindRecurrenceIDNotFound, msg.UID, rid.Encode(), "cancelled occurrence is unknown")
	}
	if msg.Sequence < previous.Sequence {
		return stale(msg, previous.Sequence), nil
	}
	return &DeletedEvent{Msg: msg, Previous: previous}, nil
}

func (in *Interpreter) reply(ctx context.Context, msg Message, sr *series.Series) (Analysis, error) {
	if sr == nil {
		return &NoOp{Msg: msg, Reason: "unknown series"}, nil
	}
	m := in.matcher(ctx)

	replier, ok := replyingAttendee(m, msg)
	if !ok {
		return nil, schederr.New(schederr.KindUnknownAttendee, msg.UID, encodeOption(msg.RecurrenceID),
			"reply from %s names no matching attendee", msg.Originator)
	}

	var target *schedule.Event
	if rid, scoped := msg.RecurrenceID.Get(); scoped {
		switch ex, hasException := sr.Exception(rid); {
		case sr.IsDeleted(rid):
			return &NoOp{Msg: msg, Reason: "occurrence is deleted"}, nil
		case hasException:
			target = ex.Event
		case sr.Master != nil && in.store.IsNatural(sr.Master, rid):
			target = series.OccurrenceEvent(sr.Master, rid)
		default:
			return nil, schederr.New(schederr.KindRecurrenceIDNotFound, msg.UID, rid.Encode(), "reply to an unknown occurrence")
		}
	} else {
		if sr.Master == nil {
			return &NoOp{Msg: msg, Reason: "series has no master"}, nil
		}
		target = sr.Master
	}

	i := m.find(target.Attendees, replier)
	if i < 0 {
		return nil, schederr.New(schederr.KindUnknownAttendee, msg.UID, encodeOption(msg.RecurrenceID),
			"%s is not an attendee", replier.URI)
	}
	stored := target.Attendees[i]

	if msg.Sequence < target.Sequence {
		return stale(msg, target.Sequence), nil
	}
	if replier.PartStat == stored.PartStat && identity.Normalize(replier.DelegatedTo) == identity.Normalize(stored.DelegatedTo) {
		return &NoOp{Msg: msg, Reason: "participation status unchanged"}, nil
	}
	return &Reply{
		Msg:         msg,
		Attendee:    stored,
		PartStat:    replier.PartStat,
		DelegatedTo: replier.DelegatedTo,
	}, nil
}

// replyingAttendee picks the attendee a reply speaks for: the one matching
// the originator, or the only attendee of the reply
func replyingAttendee(m attendeeMatcher, msg Message) (schedule.Attendee, bool) {
	attendees := msg.Event.Attendees
	if msg.Originator != "" {
		if i := m.findAddress(attendees, msg.Originator); i >= 0 {
			return attendees[i], true
		}
	}
	if len(attendees) == 1 {
		return attendees[0], true
	}
	return schedule.Attendee{}, false
}

// WithLocalDeletes returns ev with the series' delete exceptions added to
// its EXDATEs. Occurrences deleted locally stay deleted when the organizer
// updates the series.
func WithLocalDeletes(ev *schedule.Event, sr *series.Series) *schedule.Event {
	if sr == nil || len(sr.Deletes) == 0 {
		return ev
	}
	seen := make(map[string]bool, len(ev.ExDates))
	for _, d := range ev.ExDates {
		seen[d.ID().Key()] = true
	}
	out := ev.Clone()
	for _, rid := range sr.DeletedIDs() {
		if !seen[rid.Key()] {
			out.ExDates = append(out.ExDates, recurrence.DateTimeFromID(rid))
		}
	}
	return out
}

func stale(msg Message, stored int) *NoOp {
	return &NoOp{Msg: msg, Reason: fmt.Sprintf("sequence %d is older than stored %d", msg.Sequence, stored), Stale: true}
}

func encodeOption(rid mo.Option[recurrence.ID]) string {
	if id, ok := rid.Get(); ok {
		return id.Encode()
	}
	return ""
}
