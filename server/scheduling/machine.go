// Package scheduling applies interpreted scheduling messages and local
// organizer edits to the series store. It is the only code that mutates
// series.
package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/itip"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/samber/mo"
)

type dispatchKey struct {
	Kind  itip.Kind
	Scope itip.Scope
}

// handler applies one analysis to the draft of its series
type handler func(ctx context.Context, tx *series.Tx, a itip.Analysis, res *CommitResult) error

// Machine is the scheduling state machine
type Machine struct {
	store    *series.Store
	interp   *itip.Interpreter
	handlers map[dispatchKey]handler
	logger   *slog.Logger
}

// Option represents a configuration option for the Machine
type Option func(*Machine)

// WithLogger sets the logger for the machine
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a state machine writing to store. Messages are revalidated
// with interp while the series is locked; interp must read from the same
// store.
func New(store *series.Store, interp *itip.Interpreter, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		interp: interp,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.handlers = map[dispatchKey]handler{
		{itip.KindNewEvent, itip.ScopeSeries}:         m.newSeries,
		{itip.KindNewEvent, itip.ScopeOccurrence}:     m.newOccurrence,
		{itip.KindChangedEvent, itip.ScopeSeries}:     m.changeSeries,
		{itip.KindChangedEvent, itip.ScopeOccurrence}: m.changeOccurrence,
		{itip.KindDeletedEvent, itip.ScopeSeries}:     m.cancelSeries,
		{itip.KindDeletedEvent, itip.ScopeOccurrence}: m.cancelOccurrence,
		{itip.KindReply, itip.ScopeSeries}:            m.replySeries,
		{itip.KindReply, itip.ScopeOccurrence}:        m.replyOccurrence,
	}
	return m
}

// Store returns the store the machine writes to
func (m *Machine) Store() *series.Store {
	return m.store
}

// Interpreter returns the interpreter used for revalidation
func (m *Machine) Interpreter() *itip.Interpreter {
	return m.interp
}

func (m *Machine) resolver() identity.Resolver {
	return m.interp.Resolver()
}

// ApplyRequest commits a NewEvent or ChangedEvent
func (m *Machine) ApplyRequest(ctx context.Context, a itip.Analysis) mo.Result[CommitResult] {
	switch a.(type) {
	case *itip.NewEvent, *itip.ChangedEvent, *itip.NoOp:
		return m.Apply(ctx, a)
	}
	return mo.Err[CommitResult](fmt.Errorf("ApplyRequest cannot apply %s", kindOf(a)))
}

// ApplyCancel commits a DeletedEvent
func (m *Machine) ApplyCancel(ctx context.Context, a itip.Analysis) mo.Result[CommitResult] {
	switch a.(type) {
	case *itip.DeletedEvent, *itip.NoOp:
		return m.Apply(ctx, a)
	}
	return mo.Err[CommitResult](fmt.Errorf("ApplyCancel cannot apply %s", kindOf(a)))
}

// ApplyReply commits a Reply
func (m *Machine) ApplyReply(ctx context.Context, a itip.Analysis) mo.Result[CommitResult] {
	switch a.(type) {
	case *itip.Reply, *itip.NoOp:
		return m.Apply(ctx, a)
	}
	return mo.Err[CommitResult](fmt.Errorf("ApplyReply cannot apply %s", kindOf(a)))
}

// Apply commits an analysis. The message is interpreted again against the
// locked series, so a message that went stale since the analysis fails with
// StaleSequence and one that became redundant is a no-op.
func (m *Machine) Apply(ctx context.Context, a itip.Analysis) mo.Result[CommitResult] {
	if a == nil {
		return mo.Err[CommitResult](fmt.Errorf("nil analysis"))
	}
	msg := a.Message()
	res := CommitResult{UID: msg.UID, RecurrenceID: msg.RecurrenceID}

	if n, ok := a.(*itip.NoOp); ok {
		res.Outcome = OutcomeNoOp
		res.Reason = n.Reason
		return mo.Ok(res)
	}

	sr, err := m.store.Update(msg.UID, func(tx *series.Tx) error {
		fresh, err := m.interp.Interpret(ctx, msg, tx.Series()).Get()
		if err != nil {
			return err
		}
		if n, ok := fresh.(*itip.NoOp); ok {
			if n.Stale {
				return schederr.New(schederr.KindStaleSequence, msg.UID, encodeOption(msg),
					"%s", n.Reason)
			}
			res.Outcome = OutcomeNoOp
			res.Reason = n.Reason
			return nil
		}

		key := dispatchKey{Kind: fresh.Kind(), Scope: fresh.Message().Scope()}
		h, ok := m.handlers[key]
		if !ok {
			return fmt.Errorf("no handler for %s at %s scope", key.Kind, key.Scope)
		}
		return h(ctx, tx, fresh, &res)
	})
	if err != nil {
		m.logger.Info("scheduling message rejected",
			"message", msg.String(),
			"error", err)
		return mo.Err[CommitResult](err)
	}

	m.finish(&res, sr)
	m.logger.Info("scheduling message applied",
		"message", msg.String(),
		"outcome", res.Outcome.String(),
		"version", res.Version)
	return mo.Ok(res)
}

func (m *Machine) finish(res *CommitResult, sr *series.Series) {
	res.Series = sr
	if sr != nil {
		res.Version = sr.Version
		res.Modified = sr.Modified
	}
}

func kindOf(a itip.Analysis) string {
	if a == nil {
		return "nil analysis"
	}
	return a.Kind().String()
}

func encodeOption(msg itip.Message) string {
	if rid, ok := msg.RecurrenceID.Get(); ok {
		return rid.Encode()
	}
	return ""
}
