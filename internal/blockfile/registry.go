package blockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// entry is the bookkeeping kept per prefetched block.
type entry struct {
	Height uint64
	Size   int64
}

// Registry is the hex-hash -> (height, size) bookkeeping for prefetched
// block files: an explicit, constructor-injected value, never a
// package-level singleton.
type Registry struct {
	dir string

	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry creates a Registry rooted at dir (conventionally
// "<datadir>/meta/blocks").
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, entries: make(map[string]entry)}
}

// Dir returns the directory prefetched block files live in.
func (r *Registry) Dir() string { return r.dir }

// FileName returns the conventional filename for a block at height with
// hexHash.
func (r *Registry) FileName(hexHash string, height uint64) string {
	return filepath.Join(r.dir, fmt.Sprintf("%d-%s", height, hexHash))
}

// Record marks hexHash as present on disk at height with the given size.
func (r *Registry) Record(hexHash string, height uint64, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[hexHash] = entry{Height: height, Size: size}
}

// Lookup returns the recorded (height, size) for hexHash.
func (r *Registry) Lookup(hexHash string) (height uint64, size int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hexHash]
	return e.Height, e.Size, ok
}

// Forget removes hexHash from the registry without touching the file.
func (r *Registry) Forget(hexHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, hexHash)
}

// SweepLegacy removes the fixed-name block files an earlier on-disk layout
// left behind ("block0000123"-style names and orphaned *.tmp downloads),
// run once on first start.
func (r *Registry) SweepLegacy() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		legacy := len(name) == len("block0000000") && name[:5] == "block" && allDigits(name[5:])
		if legacy || filepath.Ext(name) == ".tmp" {
			if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Sweep deletes every recorded file whose height is below minHeight.
func (r *Registry) Sweep(minHeight uint64) (deleted int, totalSize int64, err error) {
	r.mu.Lock()
	toDelete := make(map[string]entry)
	for hexHash, e := range r.entries {
		if e.Height < minHeight {
			toDelete[hexHash] = e
			delete(r.entries, hexHash)
		}
	}
	r.mu.Unlock()

	for hexHash, e := range toDelete {
		path := r.FileName(hexHash, e.Height)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			if err == nil {
				err = rmErr
			}
			continue
		}
		deleted++
		totalSize += e.Size
	}
	return deleted, totalSize, err
}
