package rrd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/moamoak/kerrucent/internal/errors"
)

// Snapshot encoding format (binary, little-endian):
// - Magic (8 bytes) + Version (4 bytes)
// - Sensor id, hardware id (2 bytes length + bytes each)
// - Start, LastUpdate (8 bytes each)
// - Alpha, Beta (float64), Period, Step (8 bytes), FailureThreshold,
//   FailureWindow (4 bytes)
// - Archive count (4 bytes), then per archive: Step (8), Rows (4), First (8),
//   Cur (8), accumulator sums (6 x float64) and counts (6 x 4), rows x 6
//   float64 values, a flags marker byte and, when set, rows flag bytes
// - Per channel model: Level, Trend, Deviation (float64), Warm (1),
//   SeasonStart, Observed, History (8 each), bucket count (4) + float64s,
//   seen word count (4) + uint64s (zero words once warm)
// - CRC32 of everything above (4 bytes)

const (
	snapshotMagic   = 0x4B52534E41500001
	snapshotVersion = 2
	snapshotFile    = "store.snap"
)

type snapWriter struct {
	w   *bufio.Writer
	crc hash.Hash32
	buf [8]byte
	err error
}

func (e *snapWriter) write(p []byte) {
	if e.err != nil {
		return
	}
	e.crc.Write(p)
	_, e.err = e.w.Write(p)
}

func (e *snapWriter) u8(v uint8) { e.write([]byte{v}) }

func (e *snapWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *snapWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:], v)
	e.write(e.buf[:])
}

func (e *snapWriter) i64(v int64)   { e.u64(uint64(v)) }
func (e *snapWriter) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *snapWriter) str(s string) {
	binary.LittleEndian.PutUint16(e.buf[:2], uint16(len(s)))
	e.write(e.buf[:2])
	e.write([]byte(s))
}

func (e *snapWriter) floats(vs []float64) {
	chunk := make([]byte, 0, 8*1024)
	for _, v := range vs {
		chunk = binary.LittleEndian.AppendUint64(chunk, math.Float64bits(v))
		if len(chunk) == cap(chunk) {
			e.write(chunk)
			chunk = chunk[:0]
		}
	}
	e.write(chunk)
}

// encodeSnapshot writes the complete state of s to w. The caller holds a
// lock on s.
func (s *Store) encodeSnapshot(w io.Writer) error {
	e := &snapWriter{w: bufio.NewWriterSize(w, 64*1024), crc: crc32.NewIEEE()}

	e.u64(snapshotMagic)
	e.u32(snapshotVersion)
	e.str(s.id)
	e.str(s.hardwareID)
	e.i64(s.start)
	e.i64(s.lastUpdate)

	p := s.predictor.Params()
	e.f64(p.Alpha)
	e.f64(p.Beta)
	e.i64(p.Period)
	e.i64(p.Step)
	e.u32(uint32(p.FailureThreshold))
	e.u32(uint32(p.FailureWindow))

	e.u32(uint32(len(s.archives)))
	for _, a := range s.archives {
		e.i64(a.spec.Step)
		e.u32(uint32(a.spec.Rows))
		e.i64(a.first)
		e.i64(a.cur)
		for c := 0; c < NumChannels; c++ {
			e.f64(a.sum[c])
		}
		for c := 0; c < NumChannels; c++ {
			e.u32(a.count[c])
		}
		e.floats(a.data)
		if a.flags != nil {
			e.u8(1)
			flags := make([]byte, len(a.flags))
			for i, m := range a.flags {
				flags[i] = byte(m)
			}
			e.write(flags)
		} else {
			e.u8(0)
		}
	}

	for _, m := range s.predictor.models {
		e.f64(m.Level)
		e.f64(m.Trend)
		e.f64(m.Deviation)
		if m.Warm {
			e.u8(1)
		} else {
			e.u8(0)
		}
		e.i64(m.SeasonStart)
		e.i64(m.Observed)
		e.u64(m.History)
		e.u32(uint32(len(m.Seasonal)))
		e.floats(m.Seasonal)
		e.u32(uint32(len(m.Seen)))
		for _, w := range m.Seen {
			e.u64(w)
		}
	}

	if e.err != nil {
		return e.err
	}

	binary.LittleEndian.PutUint32(e.buf[:4], e.crc.Sum32())
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return err
	}
	return e.w.Flush()
}

type snapReader struct {
	r   *bufio.Reader
	crc hash.Hash32
	buf [8]byte
	err error
}

func (d *snapReader) read(p []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		d.err = err
		return
	}
	d.crc.Write(p)
}

func (d *snapReader) u8() uint8 {
	d.read(d.buf[:1])
	return d.buf[0]
}

func (d *snapReader) u32() uint32 {
	d.read(d.buf[:4])
	return binary.LittleEndian.Uint32(d.buf[:4])
}

func (d *snapReader) u64() uint64 {
	d.read(d.buf[:])
	return binary.LittleEndian.Uint64(d.buf[:])
}

func (d *snapReader) i64() int64   { return int64(d.u64()) }
func (d *snapReader) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *snapReader) str() string {
	d.read(d.buf[:2])
	n := binary.LittleEndian.Uint16(d.buf[:2])
	b := make([]byte, n)
	d.read(b)
	return string(b)
}

func (d *snapReader) floats(out []float64) {
	chunk := make([]byte, 8*1024)
	for i := 0; i < len(out) && d.err == nil; {
		n := len(out) - i
		if n > len(chunk)/8 {
			n = len(chunk) / 8
		}
		d.read(chunk[:n*8])
		for j := 0; j < n; j++ {
			out[i+j] = math.Float64frombits(binary.LittleEndian.Uint64(chunk[j*8:]))
		}
		i += n
	}
}

// decodeSnapshot rebuilds a store from r.
func decodeSnapshot(r io.Reader, clock func() time.Time) (*Store, error) {
	d := &snapReader{r: bufio.NewReaderSize(r, 64*1024), crc: crc32.NewIEEE()}

	if magic := d.u64(); d.err == nil && magic != snapshotMagic {
		return nil, fmt.Errorf("invalid magic %x: %w", magic, errors.ErrCorrupt)
	}
	if version := d.u32(); d.err == nil && version != snapshotVersion {
		return nil, fmt.Errorf("unsupported version %d: %w", version, errors.ErrCorrupt)
	}

	id := d.str()
	hardwareID := d.str()
	start := d.i64()
	lastUpdate := d.i64()

	params := PredictorParams{
		Alpha:            d.f64(),
		Beta:             d.f64(),
		Period:           d.i64(),
		Step:             d.i64(),
		FailureThreshold: int(d.u32()),
		FailureWindow:    int(d.u32()),
	}
	if d.err != nil {
		return nil, fmt.Errorf("read header: %w", d.err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("predictor params: %v: %w", err, errors.ErrCorrupt)
	}

	s := newStore(id, hardwareID, start, params, clock)
	s.lastUpdate = lastUpdate

	if n := d.u32(); d.err == nil && int(n) != len(s.archives) {
		return nil, fmt.Errorf("archive count %d: %w", n, errors.ErrCorrupt)
	}
	for _, a := range s.archives {
		step, rows := d.i64(), int(d.u32())
		if d.err == nil && (step != a.spec.Step || rows != a.spec.Rows) {
			return nil, fmt.Errorf("archive %ds x %d does not match layout %s: %w", step, rows, a.spec, errors.ErrCorrupt)
		}
		a.first = d.i64()
		a.cur = d.i64()
		for c := 0; c < NumChannels; c++ {
			a.sum[c] = d.f64()
		}
		for c := 0; c < NumChannels; c++ {
			a.count[c] = d.u32()
		}
		d.floats(a.data)
		hasFlags := d.u8() == 1
		if hasFlags != (a.flags != nil) {
			return nil, fmt.Errorf("archive %s flags marker: %w", a.spec, errors.ErrCorrupt)
		}
		if hasFlags {
			flags := make([]byte, len(a.flags))
			d.read(flags)
			for i, b := range flags {
				a.flags[i] = ChannelMask(b)
			}
		}
	}

	for c := range s.predictor.models {
		m := Model{
			Level:     d.f64(),
			Trend:     d.f64(),
			Deviation: d.f64(),
		}
		m.Warm = d.u8() == 1
		m.SeasonStart = d.i64()
		m.Observed = d.i64()
		m.History = d.u64()
		if n := int(d.u32()); d.err == nil && n != params.Buckets() {
			return nil, fmt.Errorf("seasonal length %d: %w", n, errors.ErrCorrupt)
		}
		m.Seasonal = make([]float64, params.Buckets())
		d.floats(m.Seasonal)
		if n := int(d.u32()); n > 0 {
			if n != seenWords(params.Buckets()) {
				return nil, fmt.Errorf("seen length %d: %w", n, errors.ErrCorrupt)
			}
			m.Seen = make([]uint64, n)
			for i := range m.Seen {
				m.Seen[i] = d.u64()
			}
		}
		s.predictor.models[c] = &m
	}

	if d.err != nil {
		return nil, fmt.Errorf("read snapshot: %w", d.err)
	}

	want := d.crc.Sum32()
	var trailer [4]byte
	if _, err := io.ReadFull(d.r, trailer[:]); err != nil {
		return nil, fmt.Errorf("read checksum: %w", err)
	}
	if got := binary.LittleEndian.Uint32(trailer[:]); got != want {
		return nil, fmt.Errorf("checksum mismatch: expected %x, got %x: %w", want, got, errors.ErrCorrupt)
	}

	return s, nil
}

// writeSnapshot atomically replaces dir/store.snap.
func (s *Store) writeSnapshot(dir string) error {
	tmp, err := os.CreateTemp(dir, snapshotFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if err := s.encodeSnapshot(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, snapshotFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}

// readSnapshot loads dir/store.snap.
func readSnapshot(dir string, clock func() time.Time) (*Store, error) {
	f, err := os.Open(filepath.Join(dir, snapshotFile))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return decodeSnapshot(f, clock)
}
