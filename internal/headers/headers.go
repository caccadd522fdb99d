// Package headers implements the fixed-width flat-file header store. A
// plain file beats a KV engine here: records are fixed-width by
// construction, so the store is really an append-only array indexed by
// height.
package headers

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is an append-only, fixed-record-size store of raw block headers,
// indexed by height. Every record is RecordSize bytes; shorter raw headers
// are zero-padded on Append so every height lands at a predictable offset
// so file offsets stay fixed-width.
type File struct {
	RecordSize int

	mu sync.Mutex
	f  *os.File
}

// Open opens (creating if absent) a header file at path with the given
// fixed record size.
func Open(path string, recordSize int) (*File, error) {
	if recordSize <= 0 {
		return nil, fmt.Errorf("headers: record size must be positive, got %d", recordSize)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("headers: open %s: %w", path, err)
	}
	return &File{RecordSize: recordSize, f: f}, nil
}

// Close closes the underlying file.
func (h *File) Close() error { return h.f.Close() }

// Len reports how many whole records the file currently holds.
func (h *File) Len() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()) / uint64(h.RecordSize), nil
}

// Append writes raw (zero-padded to RecordSize) as the next
// record. raw longer than RecordSize is an error: it would silently lose
// header bytes, which a coin descriptor misconfiguration should surface
// loudly rather than corrupt future offsets.
func (h *File) Append(raw []byte) error {
	if len(raw) > h.RecordSize {
		return fmt.Errorf("headers: record of %d bytes exceeds fixed record size %d", len(raw), h.RecordSize)
	}
	buf := make([]byte, h.RecordSize)
	copy(buf, raw)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := h.f.Write(buf)
	return err
}

// At returns the raw (still zero-padded) record stored at height.
func (h *File) At(height uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, h.RecordSize)
	n, err := h.f.ReadAt(buf, int64(height)*int64(h.RecordSize))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("headers: read height %d: %w", height, err)
	}
	return buf, nil
}

// Truncate discards every record at or above newLen, used by the main loop
// to drop the header records of blocks backed out by a reorg.
func (h *File) Truncate(newLen uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Truncate(int64(newLen) * int64(h.RecordSize))
}
