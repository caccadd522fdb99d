// Package prefetch downloads a bounded window of upcoming blocks to disk
// concurrently, ahead of the advance engine needing them. Downloads land
// under a temporary name and are renamed only on success, so a partial
// file is never observed as complete.
package prefetch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mewc-labs/mewc-index/internal/blockfile"
	"github.com/mewc-labs/mewc-index/internal/daemonrpc"
	"github.com/mewc-labs/mewc-index/internal/logging"
	"github.com/mewc-labs/mewc-index/internal/metrics"
)

// Prefetcher bounds concurrent block downloads with a weighted semaphore
// and records completed downloads in a Registry.
type Prefetcher struct {
	daemon   daemonrpc.Client
	registry *blockfile.Registry
	sem      *semaphore.Weighted

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

// New creates a Prefetcher that writes into registry and never runs more
// than limit downloads concurrently.
func New(daemon daemonrpc.Client, registry *blockfile.Registry, limit int64) *Prefetcher {
	return &Prefetcher{
		daemon:   daemon,
		registry: registry,
		sem:      semaphore.NewWeighted(limit),
		pending:  make(map[string]context.CancelFunc),
	}
}

// HeightHash pairs a height with its hex-encoded block hash.
type HeightHash struct {
	Height  uint64
	HexHash string
}

// PrefetchMany spawns at most one download per hash not already on disk or
// in flight. It returns
// immediately; downloads continue in the background until ctx is
// cancelled.
func (p *Prefetcher) PrefetchMany(ctx context.Context, pairs []HeightHash) {
	for _, hh := range pairs {
		hh := hh
		p.mu.Lock()
		_, inFlight := p.pending[hh.HexHash]
		_, _, onDisk := p.registry.Lookup(hh.HexHash)
		if inFlight || onDisk {
			p.mu.Unlock()
			continue
		}
		childCtx, cancel := context.WithCancel(ctx)
		p.pending[hh.HexHash] = cancel
		p.mu.Unlock()

		go p.fetchOne(childCtx, hh)
	}
}

func (p *Prefetcher) fetchOne(ctx context.Context, hh HeightHash) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, hh.HexHash)
		p.mu.Unlock()
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)
	metrics.PrefetchInFlight.Inc()
	defer metrics.PrefetchInFlight.Dec()

	final := p.registry.FileName(hh.HexHash, hh.Height)
	tmp := final + ".tmp"
	size, err := p.daemon.GetBlock(ctx, hh.HexHash, tmp)
	if err != nil {
		// Logged and dropped; the main loop's next polling pass retries.
		logging.Prefetch.Warn().Err(err).Uint64("height", hh.Height).Str("hash", hh.HexHash).Msg("block download failed")
		_ = os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		logging.Prefetch.Warn().Err(err).Str("hash", hh.HexHash).Msg("block rename failed")
		_ = os.Remove(tmp)
		return
	}
	p.registry.Record(hh.HexHash, hh.Height, size)
}

// Wait blocks until any download currently tracked for hexHash has
// completed; the registry must not be read while its entry is in flight.
func (p *Prefetcher) Wait(ctx context.Context, hexHash string) error {
	for {
		p.mu.Lock()
		_, inFlight := p.pending[hexHash]
		p.mu.Unlock()
		if !inFlight {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Located waits for hexHash to finish downloading (if in flight) and
// returns its recorded (height, size, path), ready for blockfile.Acquire;
// the caller performs the Acquire itself.
func (p *Prefetcher) Located(ctx context.Context, hexHash string) (height uint64, size int64, path string, err error) {
	if err := p.Wait(ctx, hexHash); err != nil {
		return 0, 0, "", err
	}
	height, size, ok := p.registry.Lookup(hexHash)
	if !ok {
		return 0, 0, "", fmt.Errorf("prefetch: block %s missing", hexHash)
	}
	return height, size, p.registry.FileName(hexHash, height), nil
}
