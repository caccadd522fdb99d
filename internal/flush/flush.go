// Package flush implements the periodic flush coordinator and the actual
// flush-to-disk operation: deciding when pending cache mutations must be
// persisted, then writing all fourteen mutation families, the indexer
// state record, and the header file extension in one batch per backing
// store.
package flush

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mewc-labs/mewc-index/internal/backup"
	"github.com/mewc-labs/mewc-index/internal/cache"
	"github.com/mewc-labs/mewc-index/internal/headers"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/store"
)

// DefaultInterval is how often the coordinator re-evaluates the flush
// triggers while idle.
const DefaultInterval = 5 * time.Second

// Coordinator evaluates the flush triggers against the live
// cache and exposes the decision as two atomic flags: Due (a flush should
// happen now) and MustFlushUTXO (the UTXO family specifically must be
// included, not just deferred as a pure asset-side flush). The engine's
// main loop does not read either flag; it flushes every family at the end
// of each batch.
type Coordinator struct {
	Cache    *cache.Cache
	CacheMB  uint64
	Interval time.Duration

	processingBlocks atomic.Bool
	caughtUp         atomic.Bool
	blocksBuffered   atomic.Int64
	lagBlocks        atomic.Int64

	due           atomic.Bool
	mustFlushUTXO atomic.Bool
}

// NewCoordinator constructs a Coordinator bound to c, budgeted at cacheMB.
func NewCoordinator(c *cache.Cache, cacheMB uint64) *Coordinator {
	return &Coordinator{Cache: c, CacheMB: cacheMB, Interval: DefaultInterval}
}

// SetProcessingBlocks marks whether the main loop is mid-batch; the
// coordinator defers any flush decision while true, since a backup pass
// requires the caches be either fully empty or fully consistent with one
// in-flight batch, never torn mid-block.
func (co *Coordinator) SetProcessingBlocks(v bool) { co.processingBlocks.Store(v) }

// SetCaughtUp records whether the engine believes it has reached the
// daemon's tip.
func (co *Coordinator) SetCaughtUp(v bool) { co.caughtUp.Store(v) }

// SetBlocksBuffered records how many already-advanced blocks are sitting
// unflushed in the cache.
func (co *Coordinator) SetBlocksBuffered(n int64) { co.blocksBuffered.Store(n) }

// SetLagBlocks records how far behind the daemon's reported tip the
// engine's last-seen height is.
func (co *Coordinator) SetLagBlocks(n int64) { co.lagBlocks.Store(n) }

// Due reports whether a flush should happen now.
func (co *Coordinator) Due() bool { return co.due.Load() }

// MustFlushUTXO reports whether the next flush must include the UTXO
// family rather than only the asset-side families.
func (co *Coordinator) MustFlushUTXO() bool { return co.mustFlushUTXO.Load() }

// Reset clears the Due/MustFlushUTXO flags once the engine has acted on
// them, typically right after a successful FlushAll.
func (co *Coordinator) Reset() {
	co.due.Store(false)
	co.mustFlushUTXO.Store(false)
}

// Evaluate re-checks the flush triggers against the cache's current
// estimated size and updates Due/MustFlushUTXO accordingly. Safe to call
// from both the ticking Run loop and synchronously after each advanced
// block; evaluating twice in a row is harmless.
func (co *Coordinator) Evaluate() {
	if co.processingBlocks.Load() {
		return
	}
	utxoMB, assetMB := co.Cache.EstimateMB()
	histMB := co.Cache.EstimateHistMB()
	combined := utxoMB + assetMB

	force := combined >= co.CacheMB ||
		histMB >= co.CacheMB/5 ||
		(co.caughtUp.Load() && co.blocksBuffered.Load() >= 1) ||
		co.lagBlocks.Load() > 1

	if !force {
		return
	}
	co.due.Store(true)
	if combined*10 >= co.CacheMB*8 {
		co.mustFlushUTXO.Store(true)
	}
}

// Run ticks Evaluate every co.Interval (or DefaultInterval if unset) until
// ctx is cancelled.
func (co *Coordinator) Run(ctx context.Context) {
	interval := co.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			co.Evaluate()
		}
	}
}

// Input bundles everything FlushAll needs to commit one flush.
type Input struct {
	Stores *store.Stores
	Cache  *cache.Cache
	State  indexstate.State

	// Headers and PendingHeaders extend the flat header file by one record
	// per block advanced since the last flush, in height order.
	Headers        *headers.File
	PendingHeaders [][]byte

	// Undos holds one encoded backup.UndoRecord per height advanced since
	// the last flush that falls within the coin's undo window (heights
	// older than that are omitted entirely).
	Undos map[uint64][]byte
}

// AllEmpty reports whether in has nothing pending, letting the caller
// skip FlushAll outright.
func (in Input) AllEmpty() bool {
	return len(in.PendingHeaders) == 0 && in.Cache.Empty() && len(in.Undos) == 0
}

// FlushAll commits every pending mutation in in to its backing store in
// one batch per store (utxo_db, asset_db, suid_db), extends the header
// file, and clears the cache on success. It is idempotent: calling it
// again immediately with nothing new pending is a no-op.
func FlushAll(ctx context.Context, in Input) error {
	if in.AllEmpty() {
		return nil
	}

	for _, raw := range in.PendingHeaders {
		if err := in.Headers.Append(raw); err != nil {
			return err
		}
	}

	utxoBatch := in.Stores.UTXO.NewBatch()
	applyFamily(utxoBatch, in.Cache.UTXO)
	applyFamily(utxoBatch, in.Cache.History)
	utxoBatch.Put(store.PrefixIndexerState, in.State.Encode())
	if err := utxoBatch.Commit(); err != nil {
		return err
	}

	suidBatch := in.Stores.SUID.NewBatch()
	applyFamily(suidBatch, in.Cache.AssetID)
	applyFamily(suidBatch, in.Cache.H160ID)
	if err := suidBatch.Commit(); err != nil {
		return err
	}

	assetBatch := in.Stores.Asset.NewBatch()
	applyFamily(assetBatch, in.Cache.Metadata)
	applyFamily(assetBatch, in.Cache.MetadataHistory)
	applyBroadcasts(assetBatch, in.Cache.Broadcasts)
	applyFamily(assetBatch, in.Cache.Tags)
	applyFamily(assetBatch, in.Cache.TagHistory)
	applyFamily(assetBatch, in.Cache.Freezes)
	applyFamily(assetBatch, in.Cache.FreezeHistory)
	applyFamily(assetBatch, in.Cache.Verifiers)
	applyFamily(assetBatch, in.Cache.VerifierHistory)
	applyFamily(assetBatch, in.Cache.Associations)
	applyFamily(assetBatch, in.Cache.AssociationHistory)
	for height, blob := range in.Undos {
		assetBatch.Put(backup.UndoKey(height), blob)
	}
	if err := assetBatch.Commit(); err != nil {
		return err
	}

	in.Cache.Clear()
	return nil
}

// applyFamily stages f's deletes then puts into batch. Deletes must
// precede puts within a single batch commit: a Family.Revert of a
// not-yet-flushed key discards the staged Put outright and never reaches
// here, but a Revert of an already-flushed key stages an explicit Delete
// that must win over any same-key Put recorded earlier in the same batch
// window (see cache.Family.Revert).
func applyFamily(batch store.Batch, f *cache.Family) {
	for _, k := range f.Deletes {
		batch.Delete(k)
	}
	for k, v := range f.Puts {
		batch.Put([]byte(k), v)
	}
}

func applyBroadcasts(batch store.Batch, f *cache.BroadcastFamily) {
	for _, k := range f.Deletes {
		batch.Delete(k)
	}
	for k, v := range f.Puts {
		batch.Put([]byte(k), v)
	}
}
