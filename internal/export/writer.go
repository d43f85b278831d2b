// Package export writes store series to Parquet files and runs ad hoc
// DuckDB queries over them.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/moamoak/kerrucent/internal/rrd"
)

// Row is one exported series row. Unknown readings are null.
type Row struct {
	SensorID           string   `parquet:"sensor_id,zstd"`
	Timestamp          int64    `parquet:"timestamp"`
	Step               int64    `parquet:"step"`
	Courant            *float64 `parquet:"courant,optional"`
	Tension            *float64 `parquet:"tension,optional"`
	Dephasage          *float64 `parquet:"dephasage,optional"`
	PuissanceActive    *float64 `parquet:"puissance_active,optional"`
	PuissanceReactive  *float64 `parquet:"puissance_reactive,optional"`
	PuissanceApparente *float64 `parquet:"puissance_apparente,optional"`
}

func nullable(v float64) *float64 {
	if rrd.IsUnknown(v) {
		return nil
	}
	return &v
}

func value(p *float64) float64 {
	if p == nil {
		return rrd.Unknown()
	}
	return *p
}

// NewRow converts one series row.
func NewRow(sensorID string, step, ts int64, v rrd.Values) Row {
	return Row{
		SensorID:           sensorID,
		Timestamp:          ts,
		Step:               step,
		Courant:            nullable(v[rrd.Courant]),
		Tension:            nullable(v[rrd.Tension]),
		Dephasage:          nullable(v[rrd.Dephasage]),
		PuissanceActive:    nullable(v[rrd.PuissanceActive]),
		PuissanceReactive:  nullable(v[rrd.PuissanceReactive]),
		PuissanceApparente: nullable(v[rrd.PuissanceApparente]),
	}
}

// Values returns the readings of the row, null as unknown.
func (r *Row) Values() rrd.Values {
	return rrd.Values{
		value(r.Courant),
		value(r.Tension),
		value(r.Dephasage),
		value(r.PuissanceActive),
		value(r.PuissanceReactive),
		value(r.PuissanceApparente),
	}
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// ParseCompressionType parses a compression name. Unknown names get zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "none":
		return CompressionNone
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Writer writes series to Parquet files.
type Writer struct {
	compression CompressionType
}

// NewWriter returns a writer using the given compression.
func NewWriter(compression CompressionType) *Writer {
	return &Writer{compression: compression}
}

// WriteSeries writes every row of series to path, replacing any existing
// file. The file appears only once complete. It returns the row count.
func (w *Writer) WriteSeries(path, sensorID string, series *rrd.Series) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	n, err := w.write(f, sensorID, series)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close file: %w", cerr)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func (w *Writer) write(f *os.File, sensorID string, series *rrd.Series) (int64, error) {
	writer := parquet.NewGenericWriter[Row](f, parquet.Compression(codec(w.compression)))

	rows := make([]Row, 0, series.Len())
	for ts, v := range series.All() {
		rows = append(rows, NewRow(sensorID, series.Step, ts, v))
	}

	n, err := writer.Write(rows)
	if err != nil {
		writer.Close()
		return 0, fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close writer: %w", err)
	}
	return int64(n), nil
}

// ReadFile reads every row of an exported file.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n < len(rows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
