// Package journal is the append log of a store.
//
// Every accepted sample and every tune is written as one CRC-protected
// record. On startup the journal is replayed on top of the last snapshot; a
// checkpoint writes a fresh snapshot and resets the journal.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Writer appends records to segment files.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64

	writer *bufio.Writer
	buf    []byte

	opts Options

	stats WriterStats
}

// Options configures the journal writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 16MB
	MaxSegmentSize int64

	// SyncMode controls how writes reach the disk.
	// "async" - buffered, flushed by Sync
	// "sync" - flushed after each record
	// "fsync" - flushed and fsynced after each record
	SyncMode string

	// BufferSize is the size of the write buffer.
	// Default: 16KB
	BufferSize int
}

// DefaultOptions returns default journal options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 16 * 1024 * 1024,
		SyncMode:       "async",
		BufferSize:     16 * 1024,
	}
}

// WriterStats holds journal writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	journalMagic     = 0x4B524A4E4C000001 // "KRJNL" + version 1
	journalVersion   = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// Open creates the journal directory if needed and starts a new segment
// after any existing ones.
func Open(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
		buf:  make([]byte, 0, appendPayloadSize),
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.segmentSeq = segments[len(segments)-1].seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	return w, nil
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("journal closed")
	}

	payload, err := encodeRecord(w.buf[:0], rec)
	if err != nil {
		w.stats.Errors++
		return fmt.Errorf("encode record: %w", err)
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.currentSize += recordSize
	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode == "sync" || w.opts.SyncMode == "fsync" {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

// Sync flushes buffered records to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if w.opts.SyncMode == "fsync" {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}

	w.stats.SyncsPerformed++
	return nil
}

// Reset drops every record written so far. It is called once the state
// they describe is safely in a snapshot.
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateUnlocked(); err != nil {
		return fmt.Errorf("rotate segment: %w", err)
	}

	segments, err := listSegments(w.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for _, s := range segments {
		if s.path == w.currentPath {
			continue
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment: %w", err)
		}
	}
	return nil
}

func (w *Writer) rotateUnlocked() error {
	if w.currentSegment != nil {
		if w.writer != nil {
			if err := w.writer.Flush(); err != nil {
				return err
			}
		}
		if err := w.currentSegment.Close(); err != nil {
			return err
		}
	}

	segmentPath := filepath.Join(w.dir, fmt.Sprintf("%016d.wal", w.segmentSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], journalMagic)
	binary.LittleEndian.PutUint32(header[8:12], journalVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.segmentSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment == nil {
		return nil
	}

	var err error
	if w.writer != nil {
		err = w.writer.Flush()
	}
	if cerr := w.currentSegment.Close(); err == nil {
		err = cerr
	}
	w.currentSegment = nil
	w.writer = nil
	return err
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Dir returns the journal directory.
func (w *Writer) Dir() string {
	return w.dir
}

// segmentInfo holds information about a segment file.
type segmentInfo struct {
	path string
	seq  int64
}

// listSegments returns all segment files in order.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}
