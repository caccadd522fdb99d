package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemBackend is an in-memory Backend implementation used by package tests
// across store/advance/backup/flush/engine: it exercises the same
// Backend/Batch contract the bbolt and badger backends do without needing
// a file on disk.
type MemBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemBackend constructs an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

func (m *MemBackend) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemBackend) ForEach(_ context.Context, prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.Unlock()

	for i, k := range keys {
		if err := fn([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemBackend) NewBatch() Batch {
	return &memBatch{backend: m}
}

func (m *MemBackend) Close() error { return nil }

type memBatch struct {
	backend *MemBackend
	puts    map[string][]byte
	deletes [][]byte
}

func (b *memBatch) Put(key, value []byte) {
	if b.puts == nil {
		b.puts = make(map[string][]byte)
	}
	b.puts[string(key)] = append([]byte(nil), value...)
}

func (b *memBatch) Delete(key []byte) {
	b.deletes = append(b.deletes, append([]byte(nil), key...))
}

func (b *memBatch) Commit() error {
	b.backend.mu.Lock()
	defer b.backend.mu.Unlock()
	for _, k := range b.deletes {
		delete(b.backend.data, string(k))
	}
	for k, v := range b.puts {
		b.backend.data[k] = v
	}
	return nil
}
