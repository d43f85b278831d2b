package rrd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/logging"
	"github.com/moamoak/kerrucent/internal/rrd/journal"
)

var log = logging.Component("rrd")

// Options configures a Registry.
type Options struct {
	// Dir holds one directory per store. Empty keeps every store in memory.
	Dir string

	// Journal configures the per-store append journal.
	Journal journal.Options

	// Defaults fill the zero fields of CreateOptions.
	Defaults PredictorParams

	// Clock is the notion of the present used by queries. Default: time.Now
	Clock func() time.Time
}

// CreateOptions are the parameters of a new store. Zero fields take the
// registry defaults.
type CreateOptions struct {
	// Start is the timestamp before the first sample. Default: now - 10s.
	Start      int64
	Step       int64
	Alpha      float64
	Beta       float64
	Period     int64
	HardwareID string
}

// RegistryStats holds registry statistics.
type RegistryStats struct {
	Stores      int   `json:"stores"`
	Created     int64 `json:"created"`
	Deleted     int64 `json:"deleted"`
	Checkpoints int64 `json:"checkpoints"`
	Errors      int64 `json:"errors"`
}

// Registry owns every Store, keyed by sensor id.
type Registry struct {
	opts Options

	mu     sync.RWMutex
	stores map[string]*Store

	// locks serializes create and delete per sensor id.
	locks keyedMutex

	closed atomic.Bool

	created     atomic.Int64
	deleted     atomic.Int64
	checkpoints atomic.Int64
	errCount    atomic.Int64
}

// NewRegistry returns an empty registry. Call Open to load persisted stores.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Defaults.Step == 0 {
		opts.Defaults = DefaultPredictorParams(1)
	}
	return &Registry{
		opts:   opts,
		stores: make(map[string]*Store),
		locks:  keyedMutex{locks: make(map[string]*keyLock)},
	}
}

var sensorIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSensorID checks that id can name a store directory.
func ValidateSensorID(id string) error {
	if !sensorIDPattern.MatchString(id) {
		return errors.NewInvalidValue("sensor id", id, "must match "+sensorIDPattern.String())
	}
	return nil
}

func (r *Registry) persistent() bool {
	return r.opts.Dir != ""
}

func (r *Registry) storeDir(id string) string {
	return filepath.Join(r.opts.Dir, id)
}

// Open loads every persisted store: its snapshot, then its journal.
// Stores that cannot be read are logged and skipped.
func (r *Registry) Open(ctx context.Context) error {
	if !r.persistent() {
		return nil
	}
	if err := os.MkdirAll(r.opts.Dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".") {
			// Leftover of an interrupted create or delete.
			if err := os.RemoveAll(filepath.Join(r.opts.Dir, name)); err != nil {
				log.Warn("failed to remove leftover directory", "path", name, "error", err)
			}
			continue
		}

		s, err := r.load(name)
		if err != nil {
			r.errCount.Add(1)
			log.Error("failed to load store", "sensor_id", name, "error", err)
			continue
		}

		r.mu.Lock()
		r.stores[name] = s
		r.mu.Unlock()
		loaded++
	}

	log.Info("stores loaded", "count", loaded, "dir", r.opts.Dir)
	return nil
}

func (r *Registry) load(id string) (*Store, error) {
	dir := r.storeDir(id)

	s, err := readSnapshot(dir, r.opts.Clock)
	if err != nil {
		return nil, err
	}
	if s.id != id {
		return nil, fmt.Errorf("snapshot belongs to %q: %w", s.id, errors.ErrCorrupt)
	}

	journalDir := filepath.Join(dir, "journal")
	stats, err := journal.Replay(journalDir, func(rec journal.Record) error {
		switch rec.Type {
		case journal.RecordAppend:
			// Records already in the snapshot are skipped.
			if rec.Timestamp > s.lastUpdate {
				s.apply(rec.Timestamp, Values(rec.Values))
				s.pending++
			}
		case journal.RecordTune:
			if err := s.predictor.Tune(rec.Alpha, rec.Beta); err != nil {
				return err
			}
			s.pending++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if stats.TornSegments > 0 {
		log.Warn("journal had torn segments", "sensor_id", id, "torn", stats.TornSegments)
	}

	w, err := journal.Open(journalDir, r.opts.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.journal = w
	s.dir = dir

	log.Debug("store loaded", "sensor_id", id, "replayed", stats.Records, "last_update", s.lastUpdate)
	return s, nil
}

// Create provisions a store for id. It fails with ErrAlreadyExists if one
// exists. Nothing is left behind when creation fails.
func (r *Registry) Create(ctx context.Context, id string, o CreateOptions) (*Store, error) {
	if r.closed.Load() {
		return nil, errors.Wrap(errors.ErrClosed, "registry")
	}
	if err := ValidateSensorID(id); err != nil {
		return nil, err
	}

	params := r.opts.Defaults
	if o.Step != 0 {
		params.Step = o.Step
		if o.Period == 0 {
			// Keep the default period valid for the new step.
			params.Period = params.Period - params.Period%o.Step
		}
	}
	if o.Alpha != 0 {
		params.Alpha = o.Alpha
	}
	if o.Beta != 0 {
		params.Beta = o.Beta
	}
	if o.Period != 0 {
		params.Period = o.Period
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	start := o.Start
	if start == 0 {
		start = r.opts.Clock().Unix() - 10
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.stores[id]
	r.mu.RUnlock()
	if exists {
		return nil, errors.NewAlreadyExists("store", id)
	}

	s := newStore(id, o.HardwareID, start, params, r.opts.Clock)

	if r.persistent() {
		if err := r.persist(s); err != nil {
			r.errCount.Add(1)
			return nil, err
		}
	}

	r.mu.Lock()
	r.stores[id] = s
	r.mu.Unlock()
	r.created.Add(1)

	log.Info("store created", "sensor_id", id, "hardware_id", o.HardwareID, "step", params.Step, "start", start)
	return s, nil
}

// persist builds the store directory under a temporary name and renames it
// into place.
func (r *Registry) persist(s *Store) error {
	final := r.storeDir(s.id)
	if _, err := os.Stat(final); err == nil {
		return errors.NewAlreadyExists("store directory", s.id)
	}

	tmp := filepath.Join(r.opts.Dir, ".create-"+s.id+"-"+randomSuffix())
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := s.writeSnapshot(tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Mkdir(filepath.Join(tmp, "journal"), 0755); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("create journal dir: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("install store dir: %w", err)
	}

	w, err := journal.Open(filepath.Join(final, "journal"), r.opts.Journal)
	if err != nil {
		os.RemoveAll(final)
		return fmt.Errorf("open journal: %w", err)
	}
	s.journal = w
	s.dir = final
	return nil
}

// Get returns the store of id.
func (r *Registry) Get(id string) (*Store, error) {
	r.mu.RLock()
	s, ok := r.stores[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("store", id)
	}
	return s, nil
}

// Delete removes the store of id and its files. In-flight operations on
// the store finish first; later ones fail with ErrNotFound.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s, err := r.Get(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.stores, id)
	r.mu.Unlock()

	if err := s.close(); err != nil {
		log.Warn("closing deleted store", "sensor_id", id, "error", err)
	}

	if s.dir != "" {
		trash := filepath.Join(r.opts.Dir, ".delete-"+id+"-"+randomSuffix())
		if err := os.Rename(s.dir, trash); err != nil {
			r.errCount.Add(1)
			return fmt.Errorf("remove store dir: %w", err)
		}
		if err := os.RemoveAll(trash); err != nil {
			// Open removes the leftover on next start.
			log.Warn("failed to remove store files", "sensor_id", id, "error", err)
		}
	}

	r.deleted.Add(1)
	log.Info("store deleted", "sensor_id", id)
	return nil
}

// List returns the sensor ids in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Append records a sample in the store of id.
func (r *Registry) Append(id string, ts int64, v Values) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Append(ts, v)
}

// FirstFailure returns the oldest failed row of id since the given time.
func (r *Registry) FirstFailure(id string, since int64) (FailureEvent, bool, error) {
	s, err := r.Get(id)
	if err != nil {
		return FailureEvent{}, false, err
	}
	return s.FirstFailure(since)
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	n := len(r.stores)
	r.mu.RUnlock()
	return RegistryStats{
		Stores:      n,
		Created:     r.created.Load(),
		Deleted:     r.deleted.Load(),
		Checkpoints: r.checkpoints.Load(),
		Errors:      r.errCount.Load(),
	}
}

func (r *Registry) snapshotStores() []*Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	return out
}

// Checkpoint writes a fresh snapshot of every store with journal records
// and resets their journals.
func (r *Registry) Checkpoint(ctx context.Context) error {
	if !r.persistent() {
		return nil
	}

	var errs []error
	for _, s := range r.snapshotStores() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.checkpoint(); err != nil {
			r.errCount.Add(1)
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", s.id, err))
		}
	}
	r.checkpoints.Add(1)
	return errors.Join(errs...)
}

// checkpoint snapshots the store and resets its journal. Deleted and clean
// stores are skipped.
func (s *Store) checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.journal == nil || s.pending == 0 {
		return nil
	}
	if err := s.writeSnapshot(s.dir); err != nil {
		return err
	}
	if err := s.journal.Reset(); err != nil {
		return err
	}
	s.pending = 0
	return nil
}

// Sync flushes every journal.
func (r *Registry) Sync() error {
	var errs []error
	for _, s := range r.snapshotStores() {
		if err := s.sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes journals every syncInterval and checkpoints every
// checkpointInterval until ctx is done.
func (r *Registry) Run(ctx context.Context, syncInterval, checkpointInterval time.Duration) error {
	if !r.persistent() {
		<-ctx.Done()
		return nil
	}

	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()
	checkpointTicker := time.NewTicker(checkpointInterval)
	defer checkpointTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-syncTicker.C:
			if err := r.Sync(); err != nil {
				log.Error("journal sync failed", "error", err)
			}
		case <-checkpointTicker.C:
			start := time.Now()
			if err := r.Checkpoint(ctx); err != nil {
				log.Error("checkpoint failed", "error", err)
				continue
			}
			log.Debug("checkpoint done", "duration", time.Since(start))
		}
	}
}

// Close checkpoints every store and closes the journals. The registry
// rejects creations afterwards.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := r.Checkpoint(context.Background())

	for _, s := range r.snapshotStores() {
		s.mu.Lock()
		if s.journal != nil {
			if cerr := s.journal.Close(); cerr != nil && err == nil {
				err = cerr
			}
			s.journal = nil
		}
		s.mu.Unlock()
	}
	return err
}

func randomSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
