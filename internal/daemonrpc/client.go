// Package daemonrpc declares the daemon surface the indexer consumes; the
// concrete transport lives with the composition root.
package daemonrpc

import "context"

// Client is the read-only surface the engine needs from the node daemon.
type Client interface {
	// Height returns the daemon's current best-chain height.
	Height(ctx context.Context) (uint64, error)
	// BlockHexHashes returns count block hashes starting at height first,
	// in increasing-height order.
	BlockHexHashes(ctx context.Context, first uint64, count int) ([]string, error)
	// GetBlock streams the raw block bytes for hexHash to filename,
	// returning the number of bytes written.
	GetBlock(ctx context.Context, hexHash string, filename string) (int64, error)
}
