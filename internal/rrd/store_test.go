package rrd

import (
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/moamoak/kerrucent/internal/errors"
)

// =============================================================================
// Helpers
// =============================================================================

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func testParams(step int64) PredictorParams {
	p := DefaultPredictorParams(step)
	p.Period = 3600
	return p
}

func setupTestStore(t *testing.T, step, start, now int64) *Store {
	t.Helper()
	params := testParams(step)
	if err := params.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return newStore("S1", "AA:BB:CC:DD:EE:FF", start, params, fixedClock(now))
}

func sample(i int) Values {
	return Values{float64(1 + i%10), 230, 12, 800, 150, 850}
}

func valuesEqual(a, b Values) bool {
	for i := range a {
		if math.IsNaN(a[i]) != math.IsNaN(b[i]) {
			return false
		}
		if !math.IsNaN(a[i]) && a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Append / Query
// =============================================================================

func TestStoreRoundTrip(t *testing.T) {
	const step, start = 60, 6000
	s := setupTestStore(t, step, start, start+100*step)

	const n = 50
	for i := 1; i <= n; i++ {
		if err := s.Append(start+int64(i)*step, sample(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	series, err := s.Query(start+step, start+(n+1)*step, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Step != step {
		t.Fatalf("expected finest archive, got step %d", series.Step)
	}
	if series.Len() != n {
		t.Fatalf("expected %d rows, got %d", n, series.Len())
	}

	i := 1
	for ts, v := range series.All() {
		if want := start + int64(i)*step; ts != want {
			t.Errorf("row %d: timestamp %d, want %d", i, ts, want)
		}
		if !valuesEqual(v, sample(i)) {
			t.Errorf("row %d: got %v, want %v", i, v, sample(i))
		}
		i++
	}
}

func TestStoreOutOfBoundValuesBecomeUnknown(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)

	if err := s.Append(60, Values{15, 999, 100, 500, 500, 500}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	series, err := s.Query(60, 120, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	_, v := series.At(0)
	want := Values{15, math.NaN(), 100, 500, 500, 500}
	if !valuesEqual(v, want) {
		t.Errorf("got %v, want %v", v, want)
	}
}

func TestStoreOrderingInvariant(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)

	for i := 1; i <= 5; i++ {
		if err := s.Append(int64(i)*60, sample(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	before, _ := s.Query(0, 600, QueryOptions{})
	model := *s.predictor.Model(Courant)
	model.Seasonal = append([]float64(nil), model.Seasonal...)

	for _, ts := range []int64{300, 299, 60, -1} {
		err := s.Append(ts, sample(0))
		if !errors.IsOutOfOrder(err) {
			t.Errorf("Append(%d): expected OutOfOrderSample, got %v", ts, err)
		}
	}

	if got := s.LastUpdate(); got != 300 {
		t.Errorf("LastUpdate = %d, want 300", got)
	}
	after, _ := s.Query(0, 600, QueryOptions{})
	if before.Len() != after.Len() {
		t.Fatalf("row count changed: %d -> %d", before.Len(), after.Len())
	}
	for i := 0; i < before.Len(); i++ {
		_, a := before.At(i)
		_, b := after.At(i)
		if !valuesEqual(a, b) {
			t.Errorf("row %d changed: %v -> %v", i, a, b)
		}
	}
	if !reflect.DeepEqual(model, *s.predictor.Model(Courant)) {
		t.Error("predictor state changed after rejected append")
	}
}

func TestStoreQueryEdgeCases(t *testing.T) {
	s := setupTestStore(t, 60, 1_000_020, 1_000_200)
	if err := s.Append(1_000_080, sample(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	t.Run("invalid range", func(t *testing.T) {
		_, err := s.Query(10, 5, QueryOptions{})
		if !errors.Is(err, errors.ErrInvalidRange) {
			t.Errorf("expected InvalidRange, got %v", err)
		}
	})

	t.Run("before retention", func(t *testing.T) {
		series, err := s.Query(0, 1000, QueryOptions{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if series.Len() != 0 {
			t.Errorf("expected empty series, got %d rows", series.Len())
		}
	})

	t.Run("future", func(t *testing.T) {
		series, err := s.Query(1_000_080, 2_000_000, QueryOptions{Resolution: 60})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		// Rows 1000080 through 1000200, the present.
		if series.Len() != 3 {
			t.Fatalf("expected 3 rows up to now, got %d", series.Len())
		}
		if _, v := series.At(0); !valuesEqual(v, sample(1)) {
			t.Errorf("first row %v, want %v", v, sample(1))
		}
		for i := 1; i < series.Len(); i++ {
			if _, v := series.At(i); v.Known() != 0 {
				t.Errorf("row %d should be unknown, got %v", i, v)
			}
		}
	})

	t.Run("empty range", func(t *testing.T) {
		series, err := s.Query(1_000_080, 1_000_080, QueryOptions{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if series.Len() != 0 {
			t.Errorf("expected no rows, got %d", series.Len())
		}
	})
}

func TestStoreGapRowsAreUnknown(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)
	s.Append(60, sample(1))
	s.Append(300, sample(5))

	series, err := s.Query(60, 360, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Len() != 5 {
		t.Fatalf("expected 5 rows, got %d", series.Len())
	}
	for i := 1; i <= 3; i++ {
		if _, v := series.At(i); v.Known() != 0 {
			t.Errorf("gap row %d should be unknown, got %v", i, v)
		}
	}
}

// =============================================================================
// Consolidation
// =============================================================================

func TestConsolidationAverage(t *testing.T) {
	const hour = 3600
	s := setupTestStore(t, 60, hour, 5*hour)

	nan := math.NaN()
	inputs := []Values{
		{1, nan, nan, 100, nan, nan},
		{2, 230, nan, nan, nan, nan},
		{3, nan, nan, 300, nan, nan},
	}
	for i, v := range inputs {
		if err := s.Append(hour+int64(i+1)*60, v); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Closes the last finest row of the first hour.
	if err := s.Append(2*hour+60, UnknownValues()); err != nil {
		t.Fatalf("Append: %v", err)
	}

	series, err := s.Query(hour, 2*hour, QueryOptions{Resolution: hour})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Step != hour || series.Len() != 1 {
		t.Fatalf("expected one hourly row, got step %d len %d", series.Step, series.Len())
	}

	_, got := series.At(0)
	want := Values{2, 230, nan, 200, nan, nan}
	if !valuesEqual(got, want) {
		t.Errorf("consolidated row = %v, want %v", got, want)
	}
}

func TestConsolidationCascade(t *testing.T) {
	const step = 60
	s := setupTestStore(t, step, 0, 10*86400)

	// Two hours of constant readings, then one sample into the next hour.
	for ts := int64(step); ts <= 2*3600; ts += step {
		if err := s.Append(ts, Values{10, 200, 0, 1000, 0, 1000}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(3*3600+step, Values{20, 200, 0, 1000, 0, 1000}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	series, err := s.Query(0, 3*3600, QueryOptions{Resolution: 3600})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Len() != 3 {
		t.Fatalf("expected 3 hourly rows, got %d", series.Len())
	}
	for i := 0; i < 2; i++ {
		if _, v := series.At(i); v[Courant] != 10 {
			t.Errorf("hour %d courant = %v, want 10", i, v[Courant])
		}
	}

	coarse, err := s.Query(0, 86400, QueryOptions{Resolution: 86400})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if coarse.Step != 60*3600 || coarse.Len() != 1 {
		t.Fatalf("expected 1 row of %ds, got %d of %ds", 60*3600, coarse.Len(), coarse.Step)
	}
	if _, v := coarse.At(0); v[Courant] != 10 {
		t.Errorf("coarse courant = %v, want 10", v[Courant])
	}
}

// =============================================================================
// Archive selection
// =============================================================================

func TestSelectArchive(t *testing.T) {
	const now = 100 * 86400
	s := setupTestStore(t, 60, 0, now)
	if err := s.Append(now, sample(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name       string
		start, end int64
		opts       QueryOptions
		wantStep   int64
	}{
		{"recent hour", now - 3600, now, QueryOptions{}, 60},
		{"eleven days ago", now - 11*86400, now, QueryOptions{}, 3600},
		{"max points", now - 86400, now, QueryOptions{MaxPoints: 100}, 3600},
		{"forced resolution", now - 3600, now, QueryOptions{Resolution: 3000}, 3600},
		{"resolution past coarsest", now - 3600, now, QueryOptions{Resolution: 1 << 40}, 60 * 86400},
		{"ancient", 0, now, QueryOptions{}, 60 * 3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level := selectArchive(s.archives, tt.start, tt.end, tt.opts)
			if got := s.archives[level].spec.Step; got != tt.wantStep {
				t.Errorf("step = %d, want %d", got, tt.wantStep)
			}
		})
	}
}

func TestQueryMaxPointsIsHardBound(t *testing.T) {
	const now = 100 * 86400
	s := setupTestStore(t, 60, 0, now)
	if err := s.Append(now, sample(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name      string
		start     int64
		maxPoints int
		wantLen   int
		wantStart int64
	}{
		{"coarsest fits", 0, 2, 2, 0},
		{"coarsest cut to newest", 0, 1, 1, 60 * 86400},
		{"fine archive within cap", now - 600, 1000, 10, now - 600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series, err := s.Query(tt.start, now, QueryOptions{MaxPoints: tt.maxPoints})
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if series.Len() > tt.maxPoints {
				t.Fatalf("len = %d, above max points %d", series.Len(), tt.maxPoints)
			}
			if series.Len() != tt.wantLen || series.Start != tt.wantStart {
				t.Errorf("len %d start %d, want %d at %d", series.Len(), series.Start, tt.wantLen, tt.wantStart)
			}
		})
	}
}

func TestClampPoints(t *testing.T) {
	tests := []struct {
		from, limit, step int64
		max               int
		want              int64
	}{
		{0, 600, 60, 0, 0},
		{0, 600, 60, 10, 0},
		{0, 600, 60, 4, 360},
		{0, 601, 60, 4, 420},
		{600, 600, 60, 1, 600},
	}
	for _, tt := range tests {
		if got := clampPoints(tt.from, tt.limit, tt.step, tt.max); got != tt.want {
			t.Errorf("clampPoints(%d, %d, %d, %d) = %d, want %d", tt.from, tt.limit, tt.step, tt.max, got, tt.want)
		}
	}
}

func TestLayout(t *testing.T) {
	specs := Layout(1)
	want := []ArchiveSpec{{1, 864000}, {60, 129600}, {3600, 13392}, {86400, 3660}}
	if !reflect.DeepEqual(specs, want) {
		t.Errorf("Layout(1) = %v, want %v", specs, want)
	}

	specs = Layout(60)
	if specs[0].Rows != 14400 || specs[3].Step != 60*86400 || specs[3].Rows != 61 {
		t.Errorf("Layout(60) = %v", specs)
	}
}

// =============================================================================
// Tune
// =============================================================================

func TestTuneIdempotent(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)
	for i := 1; i <= 10; i++ {
		s.Append(int64(i)*60, sample(i))
	}

	snapshot := func() []Model {
		var out []Model
		for _, c := range Channels {
			m := *s.predictor.Model(c)
			m.Seasonal = append([]float64(nil), m.Seasonal...)
			out = append(out, m)
		}
		return out
	}

	if err := s.Tune(0.01, 0.001); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	first := snapshot()
	if err := s.Tune(0.01, 0.001); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if !reflect.DeepEqual(first, snapshot()) {
		t.Error("second Tune changed predictor state")
	}

	p := s.predictor.Params()
	if p.Alpha != 0.01 || p.Beta != 0.001 {
		t.Errorf("params not applied: %+v", p)
	}

	for _, bad := range [][2]float64{{0, 0.1}, {1, 0.1}, {0.1, -1}, {math.NaN(), 0.1}} {
		if err := s.Tune(bad[0], bad[1]); !errors.IsValidation(err) {
			t.Errorf("Tune(%v, %v): expected validation error, got %v", bad[0], bad[1], err)
		}
	}
}

// =============================================================================
// Failure flags
// =============================================================================

func TestStoreFailureFlag(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)
	buckets := s.predictor.Params().Buckets()
	if err := s.predictor.Restore(PuissanceActive, Model{Level: 100, Deviation: 5, Warm: true, Seasonal: make([]float64, buckets)}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	v := UnknownValues()
	v[PuissanceActive] = 130
	if err := s.Append(120, v); err != nil {
		t.Fatalf("Append: %v", err)
	}

	failed, err := s.Failed(130)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if !failed {
		t.Error("expected row to be failed")
	}
	if failed, _ := s.Failed(60); failed {
		t.Error("earlier row should not be failed")
	}

	ev, ok, err := s.FirstFailure(0)
	if err != nil || !ok {
		t.Fatalf("FirstFailure: ok=%v err=%v", ok, err)
	}
	if ev.Timestamp != 120 || !ev.Channels.Has(PuissanceActive) || ev.Channels.Len() != 1 {
		t.Errorf("unexpected event %+v", ev)
	}
	if _, ok, _ := s.FirstFailure(180); ok {
		t.Error("no failure expected after 180")
	}

	events, err := s.Failures(0, 1000)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 failure event, got %d", len(events))
	}
}

func TestEndToEndNoFailureWhileCold(t *testing.T) {
	const t0 = 1_700_000_000
	params := DefaultPredictorParams(1)
	s := newStore("S1", "AA:BB:CC:DD:EE:FF", t0-10, params, fixedClock(t0+10))

	for i := int64(0); i < 3; i++ {
		if err := s.Append(t0+i, sample(int(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	series, err := s.Query(t0, t0+3, QueryOptions{Resolution: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", series.Len())
	}
	for i := 0; i < 3; i++ {
		if _, v := series.At(i); !valuesEqual(v, sample(i)) {
			t.Errorf("row %d = %v, want %v", i, v, sample(i))
		}
	}
	for ts := int64(t0); ts < t0+3; ts++ {
		if failed, _ := s.Failed(ts); failed {
			t.Errorf("row %d failed on a cold predictor", ts)
		}
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestStoreConcurrentReaders(t *testing.T) {
	s := setupTestStore(t, 60, 0, 1<<40)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			s.Append(int64(i)*60, sample(i))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				series, err := s.Query(0, 500*60, QueryOptions{Resolution: 60})
				if err != nil {
					t.Errorf("Query: %v", err)
					return
				}
				for _, v := range series.All() {
					if k := v.Known(); k != 0 && k != NumChannels {
						t.Errorf("torn row with %d known channels", k)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestClosedStore(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Append(60, sample(0)); !errors.IsNotFound(err) {
		t.Errorf("Append: expected NotFound, got %v", err)
	}
	if _, err := s.Query(0, 60, QueryOptions{}); !errors.IsNotFound(err) {
		t.Errorf("Query: expected NotFound, got %v", err)
	}
	if _, err := s.Info(); !errors.IsNotFound(err) {
		t.Errorf("Info: expected NotFound, got %v", err)
	}
}

func TestForecastUnknownUntilObserved(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)
	v := UnknownValues()
	v[Courant] = 5
	if err := s.Append(60, v); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fc, err := s.Forecast(120)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if IsUnknown(fc[Courant]) {
		t.Error("observed channel forecast as unknown")
	}
	for _, c := range Channels[1:] {
		if !IsUnknown(fc[c]) {
			t.Errorf("%s = %v, want unknown", c, fc[c])
		}
	}
}

// =============================================================================
// Summary
// =============================================================================

func TestSummary(t *testing.T) {
	s := setupTestStore(t, 60, 0, 10000)
	for i := 1; i <= 20; i++ {
		v := UnknownValues()
		v[Courant] = float64(i)
		if err := s.Append(int64(i)*60, v); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sum, err := s.Summary(60, 21*60, QueryOptions{Resolution: 60})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	c := sum.Channels[Courant]
	if c.Known != 20 || c.Unknown != 0 {
		t.Errorf("known/unknown = %d/%d", c.Known, c.Unknown)
	}
	if c.Min != 1 || c.Max != 20 || c.Last != 20 || c.Average != 10.5 {
		t.Errorf("unexpected summary %+v", c)
	}
	if math.Abs(c.P95-19) > 0.5 {
		t.Errorf("p95 = %v, want about 19", c.P95)
	}

	tension := sum.Channels[Tension]
	if tension.Known != 0 || !math.IsNaN(tension.Average) || !math.IsNaN(tension.P95) {
		t.Errorf("tension should be all unknown: %+v", tension)
	}
}
