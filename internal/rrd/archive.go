package rrd

import "math"

// archive is a fixed-capacity ring of consolidated rows at one resolution.
//
// Row r covers [r, r+step) and lives in slot (r/step) mod rows. The open row
// always holds the running average of what it received so far, so readers see
// it like any other row. An archive is not safe for concurrent use; the owning
// Store serializes access.
type archive struct {
	spec ArchiveSpec

	// data is row-major, NumChannels values per slot.
	data []float64

	// flags marks failed channels per row. Only set on the finest archive.
	flags []ChannelMask

	// first is the start of the first row ever opened, cur the start of the
	// open row.
	first int64
	cur   int64

	// Accumulators of the open row.
	sum   [NumChannels]float64
	count [NumChannels]uint32
}

func newArchive(spec ArchiveSpec, start int64, withFlags bool) *archive {
	a := &archive{
		spec: spec,
		data: make([]float64, spec.Rows*NumChannels),
	}
	for i := range a.data {
		a.data[i] = math.NaN()
	}
	if withFlags {
		a.flags = make([]ChannelMask, spec.Rows)
	}
	a.cur = a.rowStart(start)
	a.first = a.cur
	return a
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// rowStart returns the start of the row containing ts.
func (a *archive) rowStart(ts int64) int64 {
	return floorDiv(ts, a.spec.Step) * a.spec.Step
}

func (a *archive) slot(row int64) int {
	n := int64(a.spec.Rows)
	i := floorDiv(row, a.spec.Step) % n
	if i < 0 {
		i += n
	}
	return int(i)
}

func (a *archive) row(row int64) []float64 {
	i := a.slot(row) * NumChannels
	return a.data[i : i+NumChannels]
}

// horizon is the start of the oldest row the ring can hold given its open
// row, whether or not data was ever written there.
func (a *archive) horizon() int64 {
	return a.cur - int64(a.spec.Rows-1)*a.spec.Step
}

// oldest is the start of the oldest retained row.
func (a *archive) oldest() int64 {
	if h := a.horizon(); h > a.first {
		return h
	}
	return a.first
}

// add accumulates the known readings of v into the open row.
func (a *archive) add(v *Values) {
	r := a.row(a.cur)
	for c, x := range v {
		if math.IsNaN(x) {
			continue
		}
		a.sum[c] += x
		a.count[c]++
		r[c] = a.sum[c] / float64(a.count[c])
	}
}

// current returns the consolidated readings of the open row.
func (a *archive) current() Values {
	var v Values
	copy(v[:], a.row(a.cur))
	return v
}

// roll closes the open row and opens the row starting at next. Skipped rows
// become unknown.
func (a *archive) roll(next int64) {
	gap := (next - a.cur) / a.spec.Step
	if gap > int64(a.spec.Rows) {
		gap = int64(a.spec.Rows)
	}
	for i := int64(1); i <= gap; i++ {
		a.clear(a.cur + i*a.spec.Step)
	}
	a.cur = next
	a.sum = [NumChannels]float64{}
	a.count = [NumChannels]uint32{}
}

func (a *archive) clear(row int64) {
	r := a.row(row)
	for c := range r {
		r[c] = math.NaN()
	}
	if a.flags != nil {
		a.flags[a.slot(row)] = 0
	}
}

// mark flags channels of the open row as failed.
func (a *archive) mark(m ChannelMask) {
	if a.flags != nil && m != 0 {
		a.flags[a.slot(a.cur)] |= m
	}
}

// flagsAt returns the failure mark of the row containing ts.
func (a *archive) flagsAt(ts int64) ChannelMask {
	if a.flags == nil {
		return 0
	}
	r := a.rowStart(ts)
	if r < a.oldest() || r > a.cur {
		return 0
	}
	return a.flags[a.slot(r)]
}

// read copies rows starting at from, up to but excluding to. Rows after the
// open row are unknown. from must be row aligned.
func (a *archive) read(from, to int64) []Values {
	if to <= from {
		return nil
	}
	n := (to - from + a.spec.Step - 1) / a.spec.Step
	out := make([]Values, 0, n)
	for r := from; r < to; r += a.spec.Step {
		if r > a.cur || r < a.oldest() {
			out = append(out, UnknownValues())
			continue
		}
		var v Values
		copy(v[:], a.row(r))
		out = append(out, v)
	}
	return out
}
