package recurrence

import (
	"fmt"
	"iter"
	"time"

	"github.com/teambition/rrule-go"
)

// iterationGuard bounds how many raw rule instances one expansion may walk
// through, including the ones skipped before the window starts.
const iterationGuard = 500_000

// Engine provides unified recurrence expansion and validation logic
type Engine struct {
	cache  *RecurrenceCache
	config EngineConfig
}

// NewEngine creates a new recurrence engine without a result cache
func NewEngine() *Engine {
	return NewEngineWithConfig(DisabledCacheConfig)
}

// Close releases the engine's cache, if any
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// Config returns the configuration the engine runs with
func (e *Engine) Config() EngineConfig {
	return e.config
}

// ValidateRule checks that an RRULE value can be parsed
func (e *Engine) ValidateRule(rule string) error {
	if rule == "" {
		return nil
	}
	if _, err := rrule.StrToROption(rule); err != nil {
		return fmt.Errorf("failed to parse RRULE '%s': %w", rule, err)
	}
	return nil
}

// IsFinite reports whether the rule ends by COUNT or UNTIL. A non-recurring
// event is finite.
func (e *Engine) IsFinite(info RecurrenceInfo) bool {
	if info.RRULE == "" {
		return true
	}
	opt, err := rrule.StrToROption(info.RRULE)
	if err != nil {
		return true
	}
	return opt.Count > 0 || !opt.Until.IsZero()
}

// Occurrences returns the natural occurrence starts of a master starting at
// masterStart that fall inside the window, in ascending order. The sequence
// is lazy and can be ranged over repeatedly; each pass restarts generation.
func (e *Engine) Occurrences(masterStart time.Time, info RecurrenceInfo, window Window) (iter.Seq[time.Time], error) {
	set, err := e.buildSet(masterStart, info)
	if err != nil {
		return nil, err
	}
	limit := e.config.MaxExpansionOccurrences

	return func(yield func(time.Time) bool) {
		next := set.Iterator()
		yielded := 0
		for walked := 0; walked < iterationGuard; walked++ {
			t, ok := next()
			if !ok {
				return
			}
			if !window.End.IsZero() && !t.Before(window.End) {
				return
			}
			if isExcluded(t, info.EXDATE) {
				continue
			}
			if !window.Start.IsZero() && t.Before(window.Start) {
				continue
			}
			if !yield(t) {
				return
			}
			yielded++
			if limit > 0 && yielded >= limit {
				return
			}
		}
	}, nil
}

// IsOccurrence reports whether t is generated by the master's rule (after
// EXDATE exclusion).
func (e *Engine) IsOccurrence(masterStart time.Time, info RecurrenceInfo, t time.Time) (bool, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get("is-occurrence", masterStart, info, t, t); ok {
			return v.(bool), nil
		}
	}

	result, err := e.isOccurrence(masterStart, info, t)
	if err != nil {
		return false, err
	}
	if e.cache != nil {
		e.cache.Set("is-occurrence", masterStart, info, t, t, result)
	}
	return result, nil
}

func (e *Engine) isOccurrence(masterStart time.Time, info RecurrenceInfo, t time.Time) (bool, error) {
	if isExcluded(t, info.EXDATE) {
		return false, nil
	}
	set, err := e.buildSet(masterStart, info)
	if err != nil {
		return false, err
	}
	for _, candidate := range set.Between(t.Add(-time.Second), t.Add(time.Second), true) {
		if candidate.Equal(t) {
			return true, nil
		}
	}
	return false, nil
}

// HasOccurrenceInRange checks if a recurring event has any occurrence
// overlapping the time range. Large ranges are scanned on a prefix first.
func (e *Engine) HasOccurrenceInRange(
	masterStart, masterEnd time.Time,
	info RecurrenceInfo,
	rangeStart, rangeEnd time.Time,
) (bool, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get("has-occurrence", masterStart, info, rangeStart, rangeEnd); ok {
			return v.(bool), nil
		}
	}

	duration := masterEnd.Sub(masterStart)
	scan := func(end time.Time) (bool, error) {
		seq, err := e.Occurrences(masterStart, info, Window{Start: rangeStart.Add(-duration), End: end})
		if err != nil {
			return false, fmt.Errorf("failed to check RRULE occurrences: %w", err)
		}
		w := Window{Start: rangeStart, End: rangeEnd}
		for start := range seq {
			if w.Overlaps(start, start.Add(duration)) {
				return true, nil
			}
		}
		return false, nil
	}

	var found bool
	var err error
	if rangeEnd.Sub(rangeStart) > e.config.LargeRangeThreshold {
		found, err = scan(rangeStart.Add(e.config.LargeRangeThreshold))
		if err != nil {
			return false, err
		}
	}
	if !found {
		found, err = scan(rangeEnd)
		if err != nil {
			return false, err
		}
	}

	if e.cache != nil {
		e.cache.Set("has-occurrence", masterStart, info, rangeStart, rangeEnd, found)
	}
	return found, nil
}

// buildSet turns the master start and recurrence info into an rrule set.
// EXDATEs are applied by the callers so that date-only exclusions match.
func (e *Engine) buildSet(masterStart time.Time, info RecurrenceInfo) (*rrule.Set, error) {
	set := &rrule.Set{}
	if info.RRULE != "" {
		opt, err := rrule.StrToROption(info.RRULE)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RRULE '%s': %w", info.RRULE, err)
		}
		opt.Dtstart = masterStart
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("failed to build RRULE '%s': %w", info.RRULE, err)
		}
		set.RRule(r)
	} else {
		set.RDate(masterStart)
	}
	for _, rdate := range info.RDATE {
		set.RDate(rdate)
	}
	return set, nil
}

// isExcluded checks if a given time is in the EXDATE list
func isExcluded(t time.Time, exdates []time.Time) bool {
	for _, exdate := range exdates {
		if t.Equal(exdate) {
			return true
		}

		// Date-only exclusions are stored as midnight UTC and match the whole day
		if exdate.Hour() == 0 && exdate.Minute() == 0 && exdate.Second() == 0 && exdate.Location() == time.UTC {
			y, m, d := t.Date()
			if time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Equal(exdate) {
				return true
			}
		}
	}
	return false
}
