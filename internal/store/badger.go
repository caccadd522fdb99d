package store

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements Backend over a badger.DB; it backs asset_db,
// whose write volume and key variety differ enough from the other two
// stores to justify its own engine.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (creating if absent) a badger-backed Backend at dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger %s (is another process holding the lock?): %w", dir, err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *BadgerBackend) ForEach(_ context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte(nil), item.KeyCopy(nil)...)
			var err error
			value, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			err = fn(key, value)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerBackend) NewBatch() Batch {
	return &badgerBatch{backend: b}
}

func (b *BadgerBackend) Close() error { return b.db.Close() }

type badgerBatch struct {
	backend *BadgerBackend
	puts    map[string][]byte
	deletes [][]byte
}

func (t *badgerBatch) Put(key, value []byte) {
	if t.puts == nil {
		t.puts = make(map[string][]byte)
	}
	t.puts[string(key)] = append([]byte(nil), value...)
}

func (t *badgerBatch) Delete(key []byte) {
	t.deletes = append(t.deletes, append([]byte(nil), key...))
}

func (t *badgerBatch) Commit() error {
	wb := t.backend.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range t.deletes {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	for k, v := range t.puts {
		if err := wb.Set([]byte(k), v); err != nil {
			return err
		}
	}
	return wb.Flush()
}
