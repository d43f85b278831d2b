package export

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
)

func testSeries(t *testing.T) *rrd.Series {
	t.Helper()
	s, err := rrd.NewMemoryStore("S1", 0, rrd.DefaultPredictorParams(60))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	for i := int64(1); i <= 4; i++ {
		v := rrd.Values{float64(i), 230, 12, 800, 150, 850}
		if i == 2 {
			v[rrd.Tension] = rrd.Unknown()
		}
		if err := s.Append(i*60, v); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	series, err := s.Query(60, 240, rrd.QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Len() != 3 {
		t.Fatalf("series has %d rows, want 3", series.Len())
	}
	return series
}

// =============================================================================
// Writer
// =============================================================================

func TestWriteSeriesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "S1.parquet")
	series := testSeries(t)

	n, err := NewWriter(CompressionZstd).WriteSeries(path, "S1", series)
	if err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}
	if n != 3 {
		t.Errorf("wrote %d rows, want 3", n)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	rows, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("read %d rows, want 3", len(rows))
	}
	for i, r := range rows {
		ts, want := series.At(i)
		if r.SensorID != "S1" || r.Timestamp != ts || r.Step != 60 {
			t.Errorf("row %d = %+v", i, r)
		}
		got := r.Values()
		for _, c := range rrd.Channels {
			if rrd.IsUnknown(want[c]) != rrd.IsUnknown(got[c]) || (!rrd.IsUnknown(want[c]) && want[c] != got[c]) {
				t.Errorf("row %d %s = %v, want %v", i, c, got[c], want[c])
			}
		}
	}
	if rows[1].Tension != nil {
		t.Errorf("unknown reading exported as %v", *rows[1].Tension)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"none":   CompressionNone,
		"snappy": CompressionSnappy,
		"gzip":   CompressionGzip,
		"zstd":   CompressionZstd,
		"":       CompressionZstd,
		"brotli": CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}

// =============================================================================
// Analyzer
// =============================================================================

func setupTestAnalyzer(t *testing.T) (*Analyzer, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := NewAnalyzer(dir, "256MB")
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, dir
}

func TestAnalyzerWithoutExports(t *testing.T) {
	a, _ := setupTestAnalyzer(t)
	if _, err := a.Query(context.Background(), "SELECT * FROM samples"); !errors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestAnalyzerQuery(t *testing.T) {
	ctx := context.Background()
	a, dir := setupTestAnalyzer(t)

	if _, err := NewWriter(CompressionZstd).WriteSeries(filepath.Join(dir, "S1.parquet"), "S1", testSeries(t)); err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}

	rows, err := a.Query(ctx, "SELECT count(*) AS n, count(tension) AS known FROM samples")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0]["n"] != int64(3) || rows[0]["known"] != int64(2) {
		t.Errorf("rows = %v", rows)
	}

	if _, err := a.Query(ctx, "SELECT nope FROM samples"); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if stats := a.Stats(); stats.Queries != 2 || stats.Errors != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestAnalyzerChannelStats(t *testing.T) {
	ctx := context.Background()
	a, dir := setupTestAnalyzer(t)

	if _, err := NewWriter(CompressionZstd).WriteSeries(filepath.Join(dir, "S1.parquet"), "S1", testSeries(t)); err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}

	stats, err := a.ChannelStats(ctx, "S1")
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if len(stats) != rrd.NumChannels {
		t.Fatalf("got %d channels", len(stats))
	}

	courant := stats[rrd.Courant]
	if courant.Channel != "courant" || courant.Count != 3 || courant.Min != 1 || courant.Max != 3 || courant.Avg != 2 {
		t.Errorf("courant = %+v", courant)
	}
	if tension := stats[rrd.Tension]; tension.Count != 2 {
		t.Errorf("tension = %+v", tension)
	}

	other, err := a.ChannelStats(ctx, "S9")
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if other[rrd.Courant].Count != 0 || !math.IsNaN(other[rrd.Courant].Avg) {
		t.Errorf("unknown sensor stats = %+v", other[rrd.Courant])
	}
}
