// Package freebusy projects stored series into busy intervals for one
// calendar user.
package freebusy

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/series"
	"golang.org/x/sync/errgroup"
)

// Type is the FBTYPE of a slot
type Type string

const (
	TypeFree            Type = "FREE"
	TypeBusy            Type = "BUSY"
	TypeBusyTentative   Type = "BUSY-TENTATIVE"
	TypeBusyUnavailable Type = "BUSY-UNAVAILABLE"
)

// DefaultMaxParallel bounds how many series are expanded at once
const DefaultMaxParallel = 8

// Slot is the busy time of one occurrence. Adjacent slots are never merged,
// so every slot names the occurrence it came from.
type Slot struct {
	Start        time.Time
	End          time.Time
	Type         Type
	UID          string
	RecurrenceID recurrence.ID // zero for non-recurring events
}

// Aggregator computes free/busy information from a series store
type Aggregator struct {
	store       *series.Store
	resolver    identity.Resolver
	maxParallel int
	logger      *slog.Logger
}

// Option represents a configuration option for the Aggregator
type Option func(*Aggregator)

// WithResolver matches the queried user against attendee aliases
func WithResolver(r identity.Resolver) Option {
	return func(a *Aggregator) {
		a.resolver = r
	}
}

// WithMaxParallel sets how many series are expanded concurrently
func WithMaxParallel(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxParallel = n
		}
	}
}

// WithLogger sets the logger for the aggregator
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator creates an aggregator reading from store
func NewAggregator(store *series.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		maxParallel: DefaultMaxParallel,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BusyTime returns one slot per occurrence overlapping window in which
// attendee organizes or takes part, ordered by start time. An empty attendee
// selects every event of the store. Cancelled events and occurrences the
// attendee declined are left out.
//
// Each series is read from its latest committed snapshot.
func (a *Aggregator) BusyTime(ctx context.Context, attendee string, window recurrence.Window) ([]Slot, error) {
	snapshots := a.store.All()
	results := make([][]Slot, len(snapshots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxParallel)
	for i, sr := range snapshots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = a.seriesSlots(gctx, sr, attendee, window)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var slots []Slot
	for _, r := range results {
		slots = append(slots, r...)
	}
	slices.SortStableFunc(slots, func(x, y Slot) int {
		return cmp.Or(
			x.Start.Compare(y.Start),
			strings.Compare(x.UID, y.UID),
			x.RecurrenceID.Compare(y.RecurrenceID),
		)
	})

	a.logger.Debug("free/busy computed",
		"attendee", attendee,
		"series", len(snapshots),
		"slots", len(slots))
	return slots, nil
}

func (a *Aggregator) seriesSlots(ctx context.Context, sr *series.Series, attendee string, window recurrence.Window) []Slot {
	if !a.mayOverlap(sr, window) {
		return nil
	}
	single := sr.Master != nil && sr.Master.RRule == "" && len(sr.Master.RDates) == 0
	var out []Slot
	for occ := range a.store.Expand(sr, window) {
		if ctx.Err() != nil {
			return nil
		}
		ev := occ.Event
		var att *schedule.Attendee
		if attendee != "" {
			var ok bool
			if att, ok = a.participant(ctx, ev, attendee); !ok {
				continue
			}
		}
		typ, ok := Classify(ev, att)
		if !ok {
			continue
		}
		slot := Slot{
			Start:        occ.Start,
			End:          occ.End,
			Type:         typ,
			UID:          occ.UID,
			RecurrenceID: occ.RecurrenceID,
		}
		if single && !occ.Exception {
			slot.RecurrenceID = recurrence.ID{}
		}
		out = append(out, slot)
	}
	return out
}

// mayOverlap asks the recurrence engine whether a series without change
// exceptions has any occurrence in a bounded window, so that series far
// from the window are never expanded
func (a *Aggregator) mayOverlap(sr *series.Series, window recurrence.Window) bool {
	if sr.Master == nil || len(sr.Exceptions) > 0 || window.Start.IsZero() || window.End.IsZero() {
		return true
	}
	m := sr.Master
	found, err := a.store.Engine().HasOccurrenceInRange(m.Start.Time, m.EndTime(), m.RecurrenceInfo(), window.Start, window.End)
	if err != nil {
		a.logger.Warn("failed to check series overlap",
			"uid", sr.UID,
			"error", err)
		return true
	}
	return found
}

// participant reports whether address takes part in ev, returning its
// attendee entry when it has one. The organizer takes part without one.
func (a *Aggregator) participant(ctx context.Context, ev *schedule.Event, address string) (*schedule.Attendee, bool) {
	for i := range ev.Attendees {
		if identity.Matches(ctx, a.resolver, ev.Attendees[i].URI, address) {
			return &ev.Attendees[i], true
		}
	}
	if ev.Organizer != nil && identity.Matches(ctx, a.resolver, ev.Organizer.URI, address) {
		return nil, true
	}
	return nil, false
}

// Classify returns the free/busy type of an event as seen by one of its
// attendees (nil for the organizer or the calendar owner). The second result
// is false when the event does not occupy time at all.
func Classify(ev *schedule.Event, attendee *schedule.Attendee) (Type, bool) {
	if ev.Status == schedule.StatusCancelled {
		return "", false
	}
	if attendee != nil && attendee.PartStat == schedule.PartStatDeclined {
		return "", false
	}
	if ev.Transparency == schedule.TranspTransparent {
		return TypeFree, true
	}

	shownAs := ev.ShownAs
	if shownAs == "" && attendee != nil {
		shownAs = ev.IntendedStatus
	}
	switch shownAs {
	case schedule.ShownAsFree:
		return TypeFree, true
	case schedule.ShownAsOOF:
		return TypeBusyUnavailable, true
	case schedule.ShownAsTentative:
		return TypeBusyTentative, true
	}
	if ev.Status == schedule.StatusTentative {
		return TypeBusyTentative, true
	}
	if attendee != nil && attendee.PartStat == schedule.PartStatTentative {
		return TypeBusyTentative, true
	}
	return TypeBusy, true
}
