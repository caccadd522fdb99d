package daemonrpc

import (
	"context"
	"fmt"
	"os"
)

// Fake is an in-memory Client used by tests across the engine/advance/
// backup/reorgdrv packages; it never talks to a real daemon.
type Fake struct {
	Hashes  []string // Hashes[h] is the hex hash at height h
	Blocks  map[string][]byte
	height  uint64
}

// NewFake builds a Fake whose Height reflects len(hashes)-1.
func NewFake(hashes []string, blocks map[string][]byte) *Fake {
	f := &Fake{Hashes: hashes, Blocks: blocks}
	if len(hashes) > 0 {
		f.height = uint64(len(hashes) - 1)
	}
	return f
}

func (f *Fake) Height(_ context.Context) (uint64, error) {
	return f.height, nil
}

func (f *Fake) BlockHexHashes(_ context.Context, first uint64, count int) ([]string, error) {
	if first > uint64(len(f.Hashes)) {
		return nil, nil
	}
	end := first + uint64(count)
	if end > uint64(len(f.Hashes)) {
		end = uint64(len(f.Hashes))
	}
	return append([]string(nil), f.Hashes[first:end]...), nil
}

func (f *Fake) GetBlock(_ context.Context, hexHash string, filename string) (int64, error) {
	b, ok := f.Blocks[hexHash]
	if !ok {
		return 0, fmt.Errorf("daemonrpc: fake has no block %s", hexHash)
	}
	if err := os.WriteFile(filename, b, 0o644); err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}
