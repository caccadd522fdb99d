// Package store adapts the two persistent KV engines used by the indexer
// (bbolt for utxo_db/suid_db, badger for asset_db) behind one narrow
// interface the cache/advance/backup packages program against.
package store

import "context"

// Backend is the minimal KV contract every index family is persisted
// through: point reads, prefix scans, and atomic batches.
type Backend interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	ForEach(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	NewBatch() Batch
	Close() error
}

// Batch accumulates puts and deletes for one atomic commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Commit() error
}
