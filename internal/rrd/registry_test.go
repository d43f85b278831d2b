package rrd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd/journal"
)

func setupTestRegistry(t *testing.T, dir string, now int64) *Registry {
	t.Helper()
	r := NewRegistry(Options{
		Dir:      dir,
		Journal:  journal.Options{SyncMode: "sync"},
		Defaults: testParams(60),
		Clock:    fixedClock(now),
	})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestRegistryCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t, "", 100000)

	s, err := r.Create(ctx, "S1", CreateOptions{Start: 600, HardwareID: "AA:BB:CC:DD:EE:FF"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := s.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Step != 60 || info.Start != 600 || info.HardwareID != "AA:BB:CC:DD:EE:FF" || len(info.Archives) != 4 {
		t.Errorf("unexpected info %+v", info)
	}

	if _, err := r.Create(ctx, "S1", CreateOptions{}); !errors.IsAlreadyExists(err) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}

	got, err := r.Get("S1")
	if err != nil || got != s {
		t.Fatalf("Get: %v", err)
	}

	if err := r.Append("S1", 660, sample(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Append("S1", 660, sample(1)); !errors.IsOutOfOrder(err) {
		t.Errorf("expected OutOfOrderSample, got %v", err)
	}

	if err := r.Delete(ctx, "S1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("S1"); !errors.IsNotFound(err) {
		t.Errorf("Get after delete: expected NotFound, got %v", err)
	}
	if err := s.Append(720, sample(2)); !errors.IsNotFound(err) {
		t.Errorf("Append on deleted store: expected NotFound, got %v", err)
	}
	if err := r.Delete(ctx, "S1"); !errors.IsNotFound(err) {
		t.Errorf("second Delete: expected NotFound, got %v", err)
	}

	stats := r.Stats()
	if stats.Created != 1 || stats.Deleted != 1 || stats.Stores != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRegistryCreateDefaults(t *testing.T) {
	r := NewRegistry(Options{Clock: fixedClock(5000)})

	s, err := r.Create(context.Background(), "S1", CreateOptions{Step: 300})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, _ := s.Info()
	if info.Start != 4990 {
		t.Errorf("start = %d, want now-10", info.Start)
	}
	if info.Step != 300 || info.Period != 86400 {
		t.Errorf("step/period = %d/%d", info.Step, info.Period)
	}

	if _, err := r.Create(context.Background(), "S2", CreateOptions{Step: 60, Period: 90}); !errors.IsValidation(err) {
		t.Errorf("expected validation error for period, got %v", err)
	}
	if _, err := r.Get("S2"); !errors.IsNotFound(err) {
		t.Error("failed create left a store behind")
	}
}

func TestValidateSensorID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"S1", true},
		{"probe-12.kitchen_a", true},
		{"", false},
		{".hidden", false},
		{"../etc", false},
		{"a/b", false},
		{"with space", false},
		{strings.Repeat("x", 128), true},
		{strings.Repeat("x", 129), false},
	}
	for _, tt := range tests {
		err := ValidateSensorID(tt.id)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateSensorID(%q) = %v, want valid=%v", tt.id, err, tt.valid)
		}
		if err != nil && !errors.IsValidation(err) {
			t.Errorf("ValidateSensorID(%q): expected validation error, got %v", tt.id, err)
		}
	}
}

func TestRegistryConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t, t.TempDir(), 100000)
	defer r.Close()

	if _, err := r.Create(ctx, "S1", CreateOptions{Start: 30}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg       sync.WaitGroup
		deleted  atomic.Int32
		notFound atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Delete(ctx, "S1")
			switch {
			case err == nil:
				deleted.Add(1)
			case errors.IsNotFound(err):
				notFound.Add(1)
			default:
				t.Errorf("Delete: %v", err)
			}
		}()
	}
	// Appends racing the deletes either land or see NotFound.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := int64(60); ts < 6000; ts += 60 {
			if err := r.Append("S1", ts, sample(int(ts))); err != nil && !errors.IsNotFound(err) {
				t.Errorf("Append: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if deleted.Load() != 1 || notFound.Load() != 7 {
		t.Errorf("deleted=%d notFound=%d", deleted.Load(), notFound.Load())
	}
	if _, err := os.Stat(filepath.Join(r.opts.Dir, "S1")); !os.IsNotExist(err) {
		t.Errorf("store directory still present: %v", err)
	}
}

func TestRegistryCreateIsAtomic(t *testing.T) {
	dir := t.TempDir()
	r := setupTestRegistry(t, dir, 100000)
	defer r.Close()

	// A stray file where the store directory would go.
	if err := os.WriteFile(filepath.Join(dir, "S2"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := r.Create(context.Background(), "S2", CreateOptions{}); err == nil {
		t.Fatal("expected Create to fail")
	}
	if _, err := r.Get("S2"); !errors.IsNotFound(err) {
		t.Errorf("expected no store after failed create, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover %s after failed create", e.Name())
		}
	}
}

func TestRegistryPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r := setupTestRegistry(t, dir, 100000)
	if _, err := r.Create(ctx, "S1", CreateOptions{Start: 30, HardwareID: "AA:BB:CC:DD:EE:FF"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := r.Append("S1", int64(i)*60, sample(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r = setupTestRegistry(t, dir, 100000)
	defer r.Close()

	s, err := r.Get("S1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	info, _ := s.Info()
	if info.LastUpdate != 600 || info.HardwareID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("unexpected info after reopen %+v", info)
	}
	series, err := s.Query(60, 660, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i := 0; i < series.Len(); i++ {
		if _, v := series.At(i); !valuesEqual(v, sample(i+1)) {
			t.Errorf("row %d = %v, want %v", i, v, sample(i+1))
		}
	}
}

func TestRegistryJournalReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r := setupTestRegistry(t, dir, 100000)
	s, err := r.Create(ctx, "S1", CreateOptions{Start: 30})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i <= 5; i++ {
		r.Append("S1", int64(i)*60, sample(i))
	}
	if err := r.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	for i := 6; i <= 8; i++ {
		r.Append("S1", int64(i)*60, sample(i))
	}
	if err := s.Tune(0.02, 0.003); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Reopen without closing, as after a crash.
	r2 := setupTestRegistry(t, dir, 100000)
	defer r2.Close()

	s2, err := r2.Get("S1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	info, _ := s2.Info()
	if info.LastUpdate != 8*60 {
		t.Errorf("LastUpdate = %d, want %d", info.LastUpdate, 8*60)
	}
	if info.Alpha != 0.02 || info.Beta != 0.003 {
		t.Errorf("tune not replayed: %+v", info)
	}
	series, _ := s2.Query(60, 9*60, QueryOptions{})
	if series.Len() != 8 {
		t.Fatalf("rows = %d, want 8", series.Len())
	}
	for i := 0; i < 8; i++ {
		if _, v := series.At(i); !valuesEqual(v, sample(i+1)) {
			t.Errorf("row %d = %v, want %v", i, v, sample(i+1))
		}
	}

	r.Close()
}

func TestRegistryCheckpointResetsJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := setupTestRegistry(t, dir, 100000)
	defer r.Close()

	s, _ := r.Create(ctx, "S1", CreateOptions{Start: 30})
	for i := 1; i <= 20; i++ {
		r.Append("S1", int64(i)*60, sample(i))
	}
	if err := r.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if s.pending != 0 {
		t.Errorf("pending = %d after checkpoint", s.pending)
	}

	var n int
	if _, err := journal.Replay(filepath.Join(dir, "S1", "journal"), func(journal.Record) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 0 {
		t.Errorf("journal holds %d records after checkpoint", n)
	}
}

func TestRegistryOpenRemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".create-S9-abc", ".delete-S8-def"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	// A directory without a snapshot is skipped.
	os.MkdirAll(filepath.Join(dir, "broken"), 0755)

	r := setupTestRegistry(t, dir, 100000)
	defer r.Close()

	for _, name := range []string{".create-S9-abc", ".delete-S8-def"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s not removed", name)
		}
	}
	if ids := r.List(); len(ids) != 0 {
		t.Errorf("expected no stores, got %v", ids)
	}
	if r.Stats().Errors != 1 {
		t.Errorf("expected one load error, got %d", r.Stats().Errors)
	}
}

func TestRegistryListAndFirstFailure(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t, "", 100000)

	for _, id := range []string{"b", "a", "c"} {
		if _, err := r.Create(ctx, id, CreateOptions{Start: 30}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if ids := r.List(); strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("List = %v", ids)
	}

	s, _ := r.Get("a")
	if err := s.predictor.Restore(Courant, warmModel(s.predictor.Params(), 10, 1)); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v := UnknownValues()
	v[Courant] = 25
	r.Append("a", 300, v)

	ev, ok, err := r.FirstFailure("a", 0)
	if err != nil || !ok || ev.Timestamp != 300 {
		t.Errorf("FirstFailure = %+v, %v, %v", ev, ok, err)
	}
	if _, ok, _ := r.FirstFailure("b", 0); ok {
		t.Error("unexpected failure on b")
	}
	if _, _, err := r.FirstFailure("zz", 0); !errors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestRegistryRunStopsOnCancel(t *testing.T) {
	r := setupTestRegistry(t, t.TempDir(), 100000)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond, 20*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
