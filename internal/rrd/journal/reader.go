package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Reader reads records from one segment file.
type Reader struct {
	path string
	file *os.File
	r    *bufio.Reader
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Segments int
	Records  int64

	// TornSegments counts segments that ended in a truncated or corrupt
	// record, which is what an interrupted write leaves behind.
	TornSegments int
}

// NewReader opens a segment and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != journalMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(journalMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{path: path, file: f, r: bufio.NewReader(f)}, nil
}

// Next reads the next record. It returns io.EOF when there are no more.
func (r *Reader) Next() (Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > appendPayloadSize {
		return Record{}, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Record{}, fmt.Errorf("read payload: %w", err)
	}

	if actualCRC := crc32.ChecksumIEEE(payload); actualCRC != expectedCRC {
		return Record{}, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actualCRC)
	}

	return decodeRecord(payload)
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// Replay calls fn for every record of every segment in dir, oldest first.
// A segment stops at its first unreadable record; later segments are still
// read. An error returned by fn aborts the replay.
func Replay(dir string, fn func(Record) error) (ReplayStats, error) {
	var stats ReplayStats

	segments, err := listSegments(dir)
	if err != nil {
		return stats, fmt.Errorf("list segments: %w", err)
	}

	for _, s := range segments {
		r, err := NewReader(s.path)
		if err != nil {
			// A crash right after creating a segment leaves a short header.
			stats.TornSegments++
			continue
		}
		stats.Segments++

		for {
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				stats.TornSegments++
				break
			}
			if err := fn(rec); err != nil {
				r.Close()
				return stats, err
			}
			stats.Records++
		}
		r.Close()
	}

	return stats, nil
}
