package series

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
)

// Store is an in-memory arena of series keyed by UID.
//
// Writers to the same UID are serialized by a per-series mutex; writers to
// different UIDs never wait for each other. The store-wide lock is only held
// to look up or publish a snapshot.
type Store struct {
	mu      sync.RWMutex
	series  map[string]*Series
	tombs   map[string]time.Time
	writers map[string]*sync.Mutex

	engine *recurrence.Engine
	clock  func() time.Time
	logger *slog.Logger
}

// Option represents a configuration option for the Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for modification timestamps
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore creates an empty store expanding series with engine
func NewStore(engine *recurrence.Engine, opts ...Option) *Store {
	if engine == nil {
		engine = recurrence.NewEngine()
	}
	s := &Store{
		series:  make(map[string]*Series),
		tombs:   make(map[string]time.Time),
		writers: make(map[string]*sync.Mutex),
		engine:  engine,
		clock:   time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the recurrence engine of the store
func (s *Store) Engine() *recurrence.Engine {
	return s.engine
}

// Get returns the committed snapshot of a series
func (s *Store) Get(uid string) (*Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.series[uid]
	return sr, ok
}

// All returns the committed snapshots of every series ordered by UID
func (s *Store) All() []*Series {
	s.mu.RLock()
	out := make([]*Series, 0, len(s.series))
	for _, sr := range s.series {
		out = append(out, sr)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Series) int {
		return strings.Compare(a.UID, b.UID)
	})
	return out
}

// Len returns the number of live series
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

// Tombstoned reports whether uid belonged to a deleted series
func (s *Store) Tombstoned(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombs[uid]
	return ok
}

func (s *Store) writer(uid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[uid]
	if !ok {
		w = &sync.Mutex{}
		s.writers[uid] = w
	}
	return w
}

// Update runs fn as the only writer of the series uid. fn works on a private
// draft; if it returns an error nothing is published. Otherwise the draft is
// validated and becomes the committed snapshot, which is returned. A nil
// snapshot with a nil error means the commit deleted the series.
func (s *Store) Update(uid string, fn func(tx *Tx) error) (*Series, error) {
	w := s.writer(uid)
	w.Lock()
	defer w.Unlock()

	s.mu.RLock()
	base := s.series[uid]
	_, tombstoned := s.tombs[uid]
	s.mu.RUnlock()

	tx := newTx(s, uid, base, tombstoned)
	if err := fn(tx); err != nil {
		s.logger.Debug("update rejected",
			"uid", uid,
			"error", err)
		return nil, err
	}
	if !tx.dirty {
		return base, nil
	}

	next, err := tx.finish()
	if err != nil {
		s.logger.Warn("update failed validation",
			"uid", uid,
			"error", err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if next == nil {
		delete(s.series, uid)
		s.tombs[uid] = s.clock()
		s.logger.Info("series deleted",
			"uid", uid)
		return nil, nil
	}
	s.series[uid] = next
	s.logger.Debug("series committed",
		"uid", uid,
		"version", next.Version,
		"exceptions", len(next.Exceptions),
		"deletes", len(next.Deletes))
	return next, nil
}

// IsNatural reports whether the master's rule generates rid, disregarding
// delete exceptions.
func (s *Store) IsNatural(master *schedule.Event, rid recurrence.ID) bool {
	if master == nil || rid.IsZero() || rid.DateOnly != master.Start.DateOnly {
		return false
	}
	info := master.RecurrenceInfo()
	info.EXDATE = nil

	at := rid.Time
	if rid.DateOnly {
		y, m, d := rid.Time.Date()
		at = time.Date(y, m, d, 0, 0, 0, 0, master.Start.Time.Location())
	}
	ok, err := s.engine.IsOccurrence(master.Start.Time, info, at)
	if err != nil {
		s.logger.Warn("failed to check occurrence",
			"uid", master.UID,
			"recurrence_id", rid.Encode(),
			"error", err)
		return false
	}
	return ok
}
