package rrd

import "fmt"

// ArchiveSpec describes one archive resolution.
type ArchiveSpec struct {
	// Step is the duration of one row in seconds.
	Step int64 `json:"step"`

	// Rows is the capacity of the ring.
	Rows int `json:"rows"`
}

// Span returns the time covered by a full ring.
func (s ArchiveSpec) Span() int64 {
	return s.Step * int64(s.Rows)
}

// String returns a compact description like "60s x 129600".
func (s ArchiveSpec) String() string {
	return fmt.Sprintf("%ds x %d", s.Step, s.Rows)
}

// Per-archive step multipliers and the row counts they get at a one second
// step: 10 days, 90 days, 18 months and 10 years.
var (
	archiveRatios = [...]int64{1, 60, 3600, 86400}
	archiveRows   = [...]int64{10 * 86400, 90 * 24 * 60, 18 * 31 * 24, 10 * 366}
)

// Layout returns the archive set of a store with the given finest step.
// Row counts shrink with the step so the retention periods stay fixed.
func Layout(step int64) []ArchiveSpec {
	specs := make([]ArchiveSpec, len(archiveRatios))
	for i, ratio := range archiveRatios {
		rows := archiveRows[i] / step
		if rows < 1 {
			rows = 1
		}
		specs[i] = ArchiveSpec{Step: step * ratio, Rows: int(rows)}
	}
	return specs
}

// QueryOptions tunes archive selection.
type QueryOptions struct {
	// Resolution forces the finest archive whose step is at least this
	// many seconds. Zero lets the store choose.
	Resolution int64

	// MaxPoints skips archives that would return more rows than this.
	// When even the coarsest archive exceeds it, the oldest rows are cut.
	// Zero means the archive row count is the only limit.
	MaxPoints int
}

// selectArchive picks the finest archive able to cover [start, end) within
// its recommended point count, falling back to the coarsest one.
func selectArchive(archives []*archive, start, end int64, opts QueryOptions) int {
	last := len(archives) - 1

	if opts.Resolution > 0 {
		for i, a := range archives {
			if a.spec.Step >= opts.Resolution {
				return i
			}
		}
		return last
	}

	span := end - start
	for i, a := range archives {
		if start < a.horizon() {
			continue
		}
		points := (span + a.spec.Step - 1) / a.spec.Step
		if points > int64(a.spec.Rows) {
			continue
		}
		if opts.MaxPoints > 0 && points > int64(opts.MaxPoints) {
			continue
		}
		return i
	}
	return last
}

// clampPoints moves from forward so that [from, limit) holds at most max
// rows of step seconds.
func clampPoints(from, limit, step int64, max int) int64 {
	if max <= 0 || from >= limit {
		return from
	}
	if n := (limit - from + step - 1) / step; n > int64(max) {
		from += (n - int64(max)) * step
	}
	return from
}
