package export

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
)

// Analyzer runs DuckDB queries over the exported files of a directory.
// Queries see them as the view samples.
type Analyzer struct {
	mu  sync.Mutex
	dir string
	db  *sql.DB

	queries int64
	errs    int64
}

// NewAnalyzer opens an in-memory DuckDB database for dir.
func NewAnalyzer(dir, memoryLimit string) (*Analyzer, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", quote(memoryLimit))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}
	return &Analyzer{dir: dir, db: db}, nil
}

// Close closes the database.
func (a *Analyzer) Close() error {
	return a.db.Close()
}

// Dir returns the export directory.
func (a *Analyzer) Dir() string {
	return a.dir
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// refresh points the samples view at the files currently in the directory.
func (a *Analyzer) refresh(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(a.dir, "*.parquet"))
	if err != nil {
		return fmt.Errorf("list exports: %w", err)
	}
	if len(files) == 0 {
		return errors.NewNotFound("exports in", a.dir)
	}

	glob := filepath.Join(a.dir, "*.parquet")
	_, err = a.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE OR REPLACE VIEW samples AS SELECT * FROM read_parquet('%s', union_by_name = true)", quote(glob)))
	if err != nil {
		return fmt.Errorf("create samples view: %w", err)
	}
	return nil
}

// Query runs q and returns every row as a column name to value map.
func (a *Analyzer) Query(ctx context.Context, q string) ([]map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queries++
	if err := a.refresh(ctx); err != nil {
		a.errs++
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, q)
	if err != nil {
		a.errs++
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidArgument)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ChannelStats holds the aggregates of one channel over every exported
// row of a sensor.
type ChannelStats struct {
	Channel string  `json:"channel"`
	Count   int64   `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
}

// ChannelStats aggregates the exported rows of sensorID per channel.
// Statistics of a channel without known readings are unknown.
func (a *Analyzer) ChannelStats(ctx context.Context, sensorID string) ([]ChannelStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queries++
	if err := a.refresh(ctx); err != nil {
		a.errs++
		return nil, err
	}

	parts := make([]string, 0, rrd.NumChannels)
	for _, c := range rrd.Channels {
		col := c.String()
		parts = append(parts, fmt.Sprintf(
			"SELECT '%s' AS channel, count(%s), min(%s), max(%s), avg(%s) FROM samples WHERE sensor_id = $1",
			col, col, col, col, col))
	}

	rows, err := a.db.QueryContext(ctx, strings.Join(parts, " UNION ALL "), sensorID)
	if err != nil {
		a.errs++
		return nil, fmt.Errorf("query channel stats: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]ChannelStats, rrd.NumChannels)
	for rows.Next() {
		var cs ChannelStats
		var min, max, avg sql.NullFloat64
		if err := rows.Scan(&cs.Channel, &cs.Count, &min, &max, &avg); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		cs.Min, cs.Max, cs.Avg = orUnknown(min), orUnknown(max), orUnknown(avg)
		byName[cs.Channel] = cs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UNION ALL does not keep branch order.
	out := make([]ChannelStats, 0, rrd.NumChannels)
	for _, c := range rrd.Channels {
		out = append(out, byName[c.String()])
	}
	return out, nil
}

func orUnknown(v sql.NullFloat64) float64 {
	if !v.Valid {
		return rrd.Unknown()
	}
	return v.Float64
}

// AnalyzerStats holds analyzer statistics.
type AnalyzerStats struct {
	Queries int64 `json:"queries"`
	Errors  int64 `json:"errors"`
}

// Stats returns analyzer statistics.
func (a *Analyzer) Stats() AnalyzerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AnalyzerStats{Queries: a.queries, Errors: a.errs}
}
