package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketMain = []byte("main")

// BboltBackend implements Backend over a single bbolt bucket; utxo_db and
// suid_db each get their own instance over a distinct file.
type BboltBackend struct {
	db *bolt.DB
}

// OpenBbolt opens (creating if absent) a bbolt-backed Backend at path.
func OpenBbolt(path string) (*BboltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMain)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &BboltBackend{db: db}, nil
}

func (b *BboltBackend) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMain).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *BboltBackend) ForEach(_ context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMain).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltBackend) NewBatch() Batch {
	return &bboltBatch{backend: b}
}

func (b *BboltBackend) Close() error { return b.db.Close() }

type bboltBatch struct {
	backend *BboltBackend
	puts    map[string][]byte
	deletes [][]byte
}

func (t *bboltBatch) Put(key, value []byte) {
	if t.puts == nil {
		t.puts = make(map[string][]byte)
	}
	t.puts[string(key)] = append([]byte(nil), value...)
}

func (t *bboltBatch) Delete(key []byte) {
	t.deletes = append(t.deletes, append([]byte(nil), key...))
}

func (t *bboltBatch) Commit() error {
	return t.backend.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMain)
		for _, k := range t.deletes {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		for k, v := range t.puts {
			if err := bkt.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
