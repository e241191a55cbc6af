package series

import (
	"fmt"
	"slices"
	"time"

	"github.com/cyp0633/caldora-itip/internal/schederr"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
)

// Tx is the draft of one series during Store.Update. It is only valid inside
// the update callback.
type Tx struct {
	store      *Store
	uid        string
	base       *Series
	draft      *Series
	tombstoned bool
	dirty      bool
	deleted    bool
}

// MaterializeOptions tunes MaterializeException
type MaterializeOptions struct {
	// AllowOrphan accepts a change at a recurrence id the rule does not
	// generate. Used for invitations scoped to a single occurrence.
	AllowOrphan bool
}

func newTx(s *Store, uid string, base *Series, tombstoned bool) *Tx {
	tx := &Tx{store: s, uid: uid, base: base, tombstoned: tombstoned}
	if base != nil {
		tx.draft = base.clone()
	}
	return tx
}

// UID returns the series the transaction writes
func (tx *Tx) UID() string {
	return tx.uid
}

// Exists reports whether the draft holds a live series
func (tx *Tx) Exists() bool {
	return tx.draft != nil && !tx.deleted
}

// Series returns the draft. It must be treated as read-only; nil when the
// series does not exist.
func (tx *Tx) Series() *Series {
	if !tx.Exists() {
		return nil
	}
	return tx.draft
}

// Committed returns the snapshot the transaction started from
func (tx *Tx) Committed() *Series {
	return tx.base
}

// IsNatural reports whether the draft master generates rid
func (tx *Tx) IsNatural(rid recurrence.ID) bool {
	if !tx.Exists() {
		return false
	}
	return tx.store.IsNatural(tx.draft.Master, rid)
}

// RequireUnmodifiedSince fails with StaleSequence unless the committed
// series was last modified at ts. A zero ts skips the check.
func (tx *Tx) RequireUnmodifiedSince(ts time.Time) error {
	if ts.IsZero() {
		return nil
	}
	if tx.base == nil {
		return schederr.New(schederr.KindStaleSequence, tx.uid, "", "series does not exist")
	}
	if !tx.base.Modified.Equal(ts) {
		return schederr.New(schederr.KindStaleSequence, tx.uid, "",
			"modified at %s, caller saw %s", tx.base.Modified.Format(time.RFC3339Nano), ts.Format(time.RFC3339Nano))
	}
	return nil
}

// RequireVersion fails with StaleSequence unless the committed series has
// the given version
func (tx *Tx) RequireVersion(version int64) error {
	current := int64(0)
	if tx.base != nil {
		current = tx.base.Version
	}
	if current != version {
		return schederr.New(schederr.KindStaleSequence, tx.uid, "", "version is %d, caller saw %d", current, version)
	}
	return nil
}

func (tx *Tx) ensure() error {
	if tx.deleted {
		return schederr.New(schederr.KindConflict, tx.uid, "", "series was deleted in this transaction")
	}
	if tx.draft != nil {
		return nil
	}
	if tx.tombstoned {
		return schederr.New(schederr.KindConflict, tx.uid, "", "uid belongs to a deleted series")
	}
	tx.draft = &Series{
		UID:        tx.uid,
		Exceptions: make(map[string]*Exception),
		Deletes:    make(map[string]recurrence.ID),
	}
	return nil
}

// Create starts a new series with the given master. It fails with Conflict
// if the UID is live or was used by a deleted series.
func (tx *Tx) Create(master *schedule.Event) error {
	if tx.draft != nil || tx.tombstoned {
		return schederr.New(schederr.KindConflict, tx.uid, "", "series already exists")
	}
	return tx.SetMaster(master)
}

// SetMaster installs master as the series master, creating the series if
// needed. Its EXDATEs become the delete exceptions of the series.
//
// Orphans at recurrence ids the new rule generates merge into ordinary
// exceptions. When the rule changes, an orphan it cannot generate fails with
// OrphanConflict; a master keeping its rule leaves such orphans alone.
// Ordinary exceptions the new rule no longer generates are dropped.
func (tx *Tx) SetMaster(master *schedule.Event) error {
	if master == nil || !master.IsMaster() {
		return fmt.Errorf("SetMaster needs an event without recurrence id")
	}
	if master.UID != tx.uid {
		return schederr.New(schederr.KindConflict, tx.uid, "", "master has uid %s", master.UID)
	}
	if err := tx.store.engine.ValidateRule(master.RRule); err != nil {
		return schederr.Wrap(schederr.KindParse, err, tx.uid, "", "invalid recurrence rule")
	}
	if err := tx.ensure(); err != nil {
		return err
	}

	m := master.Clone()
	deletes := make(map[string]recurrence.ID, len(m.ExDates))
	for _, d := range m.ExDates {
		rid := d.ID()
		deletes[rid.Key()] = rid
	}

	ruleChanged := !sameRule(tx.draft.Master, m)
	exceptions := make(map[string]*Exception, len(tx.draft.Exceptions))
	for key, ex := range tx.draft.Exceptions {
		if _, gone := deletes[key]; gone {
			continue
		}
		natural := tx.store.IsNatural(m, ex.RecurrenceID)
		switch {
		case natural && ex.Orphaned:
			tx.store.logger.Debug("orphan merged into series",
				"uid", tx.uid,
				"recurrence_id", ex.RecurrenceID.Encode())
			exceptions[key] = &Exception{RecurrenceID: ex.RecurrenceID, Event: ex.Event}
		case natural:
			exceptions[key] = ex
		case ex.Orphaned && !ruleChanged:
			exceptions[key] = ex
		case ex.Orphaned:
			return schederr.New(schederr.KindOrphanConflict, tx.uid, ex.RecurrenceID.Encode(),
				"orphaned occurrence is not generated by the new rule")
		default:
			tx.store.logger.Debug("dropping exception outside the new rule",
				"uid", tx.uid,
				"recurrence_id", ex.RecurrenceID.Encode())
		}
	}

	tx.draft.Master = m
	tx.draft.Exceptions = exceptions
	tx.draft.Deletes = deletes
	tx.dirty = true
	return nil
}

// sameRule reports whether b generates the same natural occurrences as a.
// EXDATEs are not compared; they never decide whether a recurrence id
// belongs to the rule.
func sameRule(a, b *schedule.Event) bool {
	if a == nil || b == nil {
		return false
	}
	if a.RRule != b.RRule || !sameStart(a.Start, b.Start) {
		return false
	}
	return slices.EqualFunc(a.RDates, b.RDates, func(x, y recurrence.DateTime) bool {
		return x.ID().Equal(y.ID())
	})
}

func sameStart(a, b recurrence.DateTime) bool {
	return a.Time.Equal(b.Time) && a.TZID == b.TZID && a.DateOnly == b.DateOnly && a.Floating == b.Floating
}

// MaterializeException records a change or delete exception at rid.
//
// Delete and Change at the same recurrence id replace each other. A change at
// a recurrence id outside the rule is kept as an orphan when opts allow it or
// the series has no master; otherwise it fails with RecurrenceIdNotFound.
// Deleting an orphan drops it.
func (tx *Tx) MaterializeException(rid recurrence.ID, kind Kind, payload *schedule.Event, opts MaterializeOptions) error {
	if rid.IsZero() {
		return fmt.Errorf("exception without recurrence id")
	}
	if kind == Change && payload == nil {
		return fmt.Errorf("change exception without content")
	}
	if err := tx.ensure(); err != nil {
		return err
	}

	d := tx.draft
	key := rid.Key()
	existing, hasException := d.Exceptions[key]
	_, hasDelete := d.Deletes[key]
	natural := d.Master != nil && tx.store.IsNatural(d.Master, rid)

	switch {
	case natural || hasDelete || (hasException && !existing.Orphaned):
		if kind == Delete {
			delete(d.Exceptions, key)
			d.Deletes[key] = rid
		} else {
			delete(d.Deletes, key)
			d.Exceptions[key] = &Exception{RecurrenceID: rid, Event: exceptionEvent(tx.uid, rid, payload)}
		}

	case hasException: // orphan
		if kind == Delete {
			delete(d.Exceptions, key)
		} else {
			d.Exceptions[key] = &Exception{RecurrenceID: rid, Event: exceptionEvent(tx.uid, rid, payload), Orphaned: true}
		}

	case kind == Change && (opts.AllowOrphan || d.Master == nil):
		d.Exceptions[key] = &Exception{RecurrenceID: rid, Event: exceptionEvent(tx.uid, rid, payload), Orphaned: true}

	default:
		return schederr.New(schederr.KindRecurrenceIDNotFound, tx.uid, rid.Encode(),
			"%s exception outside the recurrence rule", kind)
	}

	tx.dirty = true
	return nil
}

// Delete removes the whole series including its exceptions. Deleting a
// series that does not exist is a no-op.
func (tx *Tx) Delete() {
	if !tx.Exists() {
		return
	}
	tx.deleted = true
	tx.dirty = true
}

func exceptionEvent(uid string, rid recurrence.ID, payload *schedule.Event) *schedule.Event {
	ev := payload.Clone()
	ev.UID = uid
	ev.RecurrenceID = rid
	ev.RRule = ""
	ev.RDates = nil
	ev.ExDates = nil
	return ev
}

// finish validates the draft and builds the snapshot to publish, or nil when
// the series is gone.
func (tx *Tx) finish() (*Series, error) {
	if tx.deleted || tx.draft == nil {
		return nil, nil
	}
	d := tx.draft

	for key := range d.Exceptions {
		if _, ok := d.Deletes[key]; ok {
			return nil, schederr.New(schederr.KindConflict, tx.uid, d.Exceptions[key].RecurrenceID.Encode(),
				"occurrence is both changed and deleted")
		}
	}

	if d.Master == nil && len(d.Exceptions) == 0 {
		return nil, nil
	}
	if d.Master != nil && len(d.Exceptions) == 0 && tx.allDeleted() {
		return nil, nil
	}

	if d.Master != nil {
		m := d.Master.Clone()
		m.ExDates = m.ExDates[:0]
		for _, rid := range d.DeletedIDs() {
			m.ExDates = append(m.ExDates, recurrence.DateTimeFromID(rid))
		}
		if len(m.ExDates) == 0 {
			m.ExDates = nil
		}
		d.Master = m
	}

	if tx.base != nil {
		d.Version = tx.base.Version + 1
	} else {
		d.Version = 1
	}
	d.Modified = tx.store.clock()
	return d, nil
}

// allDeleted reports whether a finite rule has every occurrence deleted
func (tx *Tx) allDeleted() bool {
	d := tx.draft
	if len(d.Deletes) == 0 || !tx.store.engine.IsFinite(d.Master.RecurrenceInfo()) {
		return false
	}
	info := d.Master.RecurrenceInfo()
	info.EXDATE = nil
	seq, err := tx.store.engine.Occurrences(d.Master.Start.Time, info, recurrence.Unbounded())
	if err != nil {
		return false
	}
	for t := range seq {
		if _, ok := d.Deletes[NaturalID(d.Master, t).Key()]; !ok {
			return false
		}
	}
	return true
}
