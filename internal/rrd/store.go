package rrd

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd/journal"
)

// Store is the archive set and predictor of one sensor.
//
// Append, Tune and Checkpoint are serialized by an exclusive lock. Queries
// share a read lock and copy the rows they return.
type Store struct {
	mu sync.RWMutex

	id         string
	hardwareID string
	start      int64
	lastUpdate int64

	archives  []*archive
	predictor *Predictor

	// journal is nil for in-memory stores.
	journal *journal.Writer
	dir     string

	// pending counts journal records since the last checkpoint.
	pending int64

	closed bool
	clock  func() time.Time
}

// StoreInfo describes a store.
type StoreInfo struct {
	SensorID   string        `json:"sensor_id"`
	HardwareID string        `json:"hardware_id,omitempty"`
	Start      int64         `json:"start"`
	LastUpdate int64         `json:"last_update"`
	Step       int64         `json:"step"`
	Period     int64         `json:"period"`
	Alpha      float64       `json:"alpha"`
	Beta       float64       `json:"beta"`
	Archives   []ArchiveSpec `json:"archives"`
}

// FailureEvent is a finest row marked failed.
type FailureEvent struct {
	Timestamp int64       `json:"timestamp"`
	Channels  ChannelMask `json:"-"`
}

func newStore(id, hardwareID string, start int64, params PredictorParams, clock func() time.Time) *Store {
	specs := Layout(params.Step)
	s := &Store{
		id:         id,
		hardwareID: hardwareID,
		start:      start,
		lastUpdate: start,
		archives:   make([]*archive, len(specs)),
		predictor:  NewPredictor(params),
		clock:      clock,
	}
	for i, spec := range specs {
		s.archives[i] = newArchive(spec, start, i == 0)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// NewMemoryStore returns a store that is not owned by a registry and not
// persisted.
func NewMemoryStore(id string, start int64, params PredictorParams) (*Store, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return newStore(id, "", start, params, nil), nil
}

// ID returns the sensor id.
func (s *Store) ID() string {
	return s.id
}

// Info returns the store metadata.
func (s *Store) Info() (StoreInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return StoreInfo{}, errors.NewNotFound("store", s.id)
	}

	params := s.predictor.Params()
	info := StoreInfo{
		SensorID:   s.id,
		HardwareID: s.hardwareID,
		Start:      s.start,
		LastUpdate: s.lastUpdate,
		Step:       params.Step,
		Period:     params.Period,
		Alpha:      params.Alpha,
		Beta:       params.Beta,
	}
	for _, a := range s.archives {
		info.Archives = append(info.Archives, a.spec)
	}
	return info, nil
}

// LastUpdate returns the timestamp of the last accepted sample, or the
// start time if there is none.
func (s *Store) LastUpdate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Append records a sample at ts. Readings outside their channel bounds are
// stored as unknown. The timestamp must be after the last update.
func (s *Store) Append(ts int64, v Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewNotFound("store", s.id)
	}
	if ts <= s.lastUpdate {
		return errors.NewOutOfOrder(ts, s.lastUpdate)
	}

	v = v.Sanitize()

	if s.journal != nil {
		if err := s.journal.Write(journal.Record{Type: journal.RecordAppend, Timestamp: ts, Values: v}); err != nil {
			return errors.Wrapf(err, "journal append for %s", s.id)
		}
		s.pending++
	}

	s.apply(ts, v)
	return nil
}

// apply updates archives and predictor. The caller holds the write lock and
// has checked ordering.
func (s *Store) apply(ts int64, v Values) {
	failed := s.predictor.Observe(ts, v)
	s.push(0, ts, &v)
	s.archives[0].mark(failed)
	s.lastUpdate = ts
}

// push adds v to the row containing ts at the given archive level, closing
// the open row first if ts is past it. A closed row is pushed on to the
// next coarser archive.
func (s *Store) push(level int, ts int64, v *Values) {
	a := s.archives[level]
	if r := a.rowStart(ts); r > a.cur {
		closedAt, closed := a.cur, a.current()
		a.roll(r)
		if level+1 < len(s.archives) {
			s.push(level+1, closedAt, &closed)
		}
	}
	a.add(v)
}

// Tune replaces the predictor smoothing constants. Learned state is kept.
func (s *Store) Tune(alpha, beta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewNotFound("store", s.id)
	}
	if err := validateSmoothing(alpha, beta); err != nil {
		return err
	}

	if s.journal != nil {
		if err := s.journal.Write(journal.Record{Type: journal.RecordTune, Alpha: alpha, Beta: beta}); err != nil {
			return errors.Wrapf(err, "journal tune for %s", s.id)
		}
		s.pending++
	}

	return s.predictor.Tune(alpha, beta)
}

// Query returns the rows of [start, end) from the finest archive able to
// cover the range. Rows older than the archive retention are left out;
// rows after the last update and up to the present are unknown. With
// MaxPoints set, at most that many of the newest rows are returned.
func (s *Store) Query(start, end int64, opts QueryOptions) (*Series, error) {
	if start > end {
		return nil, errors.NewInvalidRange(start, end)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.NewNotFound("store", s.id)
	}

	level := selectArchive(s.archives, start, end, opts)
	a := s.archives[level]

	from := a.rowStart(start)
	if oldest := a.oldest(); from < oldest {
		from = oldest
	}
	limit := end
	if now := s.clock().Unix(); now < limit {
		limit = now + 1
	}
	from = clampPoints(from, limit, a.spec.Step, opts.MaxPoints)

	series := &Series{SensorID: s.id, Step: a.spec.Step, Start: from}
	if from < limit {
		series.rows = a.read(from, limit)
	}
	return series, nil
}

// Failed reports whether the finest row containing ts is marked failed.
func (s *Store) Failed(ts int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, errors.NewNotFound("store", s.id)
	}
	return s.archives[0].flagsAt(ts) != 0, nil
}

// FirstFailure returns the oldest failed row between since and the last
// update.
func (s *Store) FirstFailure(since int64) (FailureEvent, bool, error) {
	events, err := s.failures(since, math.MaxInt64, 1)
	if err != nil || len(events) == 0 {
		return FailureEvent{}, false, err
	}
	return events[0], true, nil
}

// Failures lists failed rows in [start, end).
func (s *Store) Failures(start, end int64) ([]FailureEvent, error) {
	if start > end {
		return nil, errors.NewInvalidRange(start, end)
	}
	return s.failures(start, end, 0)
}

func (s *Store) failures(start, end int64, max int) ([]FailureEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.NewNotFound("store", s.id)
	}

	a := s.archives[0]
	from := a.rowStart(start)
	if oldest := a.oldest(); from < oldest {
		from = oldest
	}

	var out []FailureEvent
	for r := from; r <= a.cur && r < end; r += a.spec.Step {
		if m := a.flags[a.slot(r)]; m != 0 {
			out = append(out, FailureEvent{Timestamp: r, Channels: m})
			if max > 0 && len(out) >= max {
				break
			}
		}
	}
	return out, nil
}

// Forecast returns the predicted readings at ts.
func (s *Store) Forecast(ts int64) (Values, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Values{}, errors.NewNotFound("store", s.id)
	}
	return s.predictor.Predict(ts), nil
}

// Summary aggregates every channel over [start, end).
func (s *Store) Summary(start, end int64, opts QueryOptions) (Summary, error) {
	series, err := s.Query(start, end, opts)
	if err != nil {
		return Summary{}, err
	}
	return series.Summary()
}

// close marks the store deleted and releases its journal. It waits for
// in-flight operations through the write lock.
func (s *Store) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.journal != nil {
		err := s.journal.Close()
		s.journal = nil
		if err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
	}
	return nil
}

// sync flushes the journal.
func (s *Store) sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.journal == nil {
		return nil
	}
	return s.journal.Sync()
}
