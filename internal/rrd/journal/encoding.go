package journal

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Channels is the number of readings carried by an append record.
const Channels = 6

// RecordType distinguishes journal records.
type RecordType uint8

const (
	// RecordAppend is one accepted sample.
	RecordAppend RecordType = 1

	// RecordTune is a change of smoothing constants.
	RecordTune RecordType = 2
)

// String returns the record type name.
func (t RecordType) String() string {
	switch t {
	case RecordAppend:
		return "append"
	case RecordTune:
		return "tune"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// Record is one journal entry.
type Record struct {
	Type RecordType

	// Append fields.
	Timestamp int64
	Values    [Channels]float64

	// Tune fields.
	Alpha float64
	Beta  float64
}

// Record encoding format (binary, little-endian):
// - Type (1 byte)
// - append: Timestamp (8 bytes) + Values (6 x 8 bytes, float64 bits)
// - tune: Alpha (8 bytes) + Beta (8 bytes)

const (
	appendPayloadSize = 1 + 8 + Channels*8
	tunePayloadSize   = 1 + 8 + 8
)

// encodeRecord appends the encoding of rec to buf.
func encodeRecord(buf []byte, rec Record) ([]byte, error) {
	switch rec.Type {
	case RecordAppend:
		buf = append(buf, byte(RecordAppend))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Timestamp))
		for _, v := range rec.Values {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	case RecordTune:
		buf = append(buf, byte(RecordTune))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(rec.Alpha))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(rec.Beta))
	default:
		return nil, fmt.Errorf("unknown record type %d", rec.Type)
	}
	return buf, nil
}

// decodeRecord decodes one record payload.
func decodeRecord(data []byte) (Record, error) {
	if len(data) < 1 {
		return Record{}, fmt.Errorf("data too short for record type")
	}

	rec := Record{Type: RecordType(data[0])}
	switch rec.Type {
	case RecordAppend:
		if len(data) != appendPayloadSize {
			return Record{}, fmt.Errorf("append record: expected %d bytes, got %d", appendPayloadSize, len(data))
		}
		rec.Timestamp = int64(binary.LittleEndian.Uint64(data[1:]))
		offset := 9
		for i := range rec.Values {
			rec.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}
	case RecordTune:
		if len(data) != tunePayloadSize {
			return Record{}, fmt.Errorf("tune record: expected %d bytes, got %d", tunePayloadSize, len(data))
		}
		rec.Alpha = math.Float64frombits(binary.LittleEndian.Uint64(data[1:]))
		rec.Beta = math.Float64frombits(binary.LittleEndian.Uint64(data[9:]))
	default:
		return Record{}, fmt.Errorf("unknown record type %d", data[0])
	}
	return rec, nil
}
