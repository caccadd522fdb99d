// Package engine implements the indexer's main loop: fetch block hashes,
// prefetch and advance them in batches, flush, and run the
// caught-up/syncing/reorging state machine. Advance, backup, and flush run
// one at a time on the goroutine executing Run; each advance batch, with
// its flush, holds a slot of a bounded block-processor pool, while reorg
// backups and the reorg and shutdown flushes run without one. Client reads
// get an independently bounded pool so queries never starve the indexer
// and vice versa.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mewc-labs/mewc-index/internal/advance"
	"github.com/mewc-labs/mewc-index/internal/backup"
	"github.com/mewc-labs/mewc-index/internal/blockfile"
	"github.com/mewc-labs/mewc-index/internal/cache"
	"github.com/mewc-labs/mewc-index/internal/daemonrpc"
	"github.com/mewc-labs/mewc-index/internal/flush"
	"github.com/mewc-labs/mewc-index/internal/headers"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/logging"
	"github.com/mewc-labs/mewc-index/internal/metrics"
	"github.com/mewc-labs/mewc-index/internal/prefetch"
	"github.com/mewc-labs/mewc-index/internal/reorgdrv"
	"github.com/mewc-labs/mewc-index/internal/store"
	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// State names the phases of the main loop
type State int32

const (
	StateStarting State = iota
	StateSyncing
	StateCaughtUp
	StateReorging
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSyncing:
		return "syncing"
	case StateCaughtUp:
		return "caught_up"
	case StateReorging:
		return "reorging"
	default:
		return "unknown"
	}
}

// TouchedSets is the notification payload emitted once per committed
// flush while caught up.
type TouchedSets struct {
	HashX                map[string]struct{}
	AssetName            map[string]struct{}
	Qualifier            map[string]struct{}
	H160                 map[string]struct{}
	BroadcastAsset       map[string]struct{}
	FrozenAsset          map[string]struct{}
	ValidatorAsset       map[string]struct{}
	QualifierAssociation map[string]struct{}
}

// Config bundles the runtime options the loop itself consults;
// internal/config.Config is the on-disk superset cmd/mewc-indexerd loads
// this from.
type Config struct {
	CacheMB       uint64
	BPWorkers     int
	ClientWorkers int
	PollingDelay  time.Duration
	FetchLimit    int
	WriteBadVouts bool
	BadVoutsDir   string
}

// Loop is the single-writer main loop. One Loop owns one Cache and one
// IndexerState; advance, backup, and flush only ever run one at a time on
// the goroutine executing Run. advanceBatch holds one weight-1 bpPool slot
// while it advances and flushes; runReorg, TriggerReorg, and shutdown take
// no slot.
type Loop struct {
	Daemon   daemonrpc.Client
	Stores   *store.Stores
	Params   coin.Params
	Registry *blockfile.Registry
	Headers  *headers.File
	Prefetch *prefetch.Prefetcher
	Reorg    *reorgdrv.Driver
	Notify   chan TouchedSets

	Cache       *cache.Cache
	Coordinator *flush.Coordinator

	cfg Config

	// bpPool bounds the block-processor pool; because advance/
	// backup/flush must run one-at-a-time against a single cache and state
	// record, the loop only ever holds one weight-1 slot at a time, but the
	// pool is sized to cfg.BPWorkers so future parallel-decode work (e.g.
	// concurrently pre-parsing several blocks' transactions before the
	// serialized mutate pass) has somewhere to run without new plumbing.
	bpPool *semaphore.Weighted
	// clientPool independently bounds client-facing reads, exposed for
	// the query-server collaborator via AcquireClientSlot/
	// ReleaseClientSlot.
	clientPool *semaphore.Weighted

	state atomic.Int32
	ok    atomic.Bool

	caughtUpEvent chan struct{}
	backedUpEvent chan struct{}

	stateRecord indexstate.State
}

// NewLoop constructs a Loop ready to Run. initial is the IndexerState
// recovered from the utxo_db at startup (or the zero value with the
// first-sync flag set on a fresh store).
func NewLoop(daemon daemonrpc.Client, stores *store.Stores, params coin.Params, registry *blockfile.Registry, hdrs *headers.File, pf *prefetch.Prefetcher, initial indexstate.State, cfg Config) *Loop {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 2000
	}
	if cfg.PollingDelay <= 0 {
		cfg.PollingDelay = 3 * time.Second
	}
	c := cache.New()
	l := &Loop{
		Daemon:   daemon,
		Stores:   stores,
		Params:   params,
		Registry: registry,
		Headers:  hdrs,
		Prefetch: pf,
		Reorg:    &reorgdrv.Driver{Daemon: daemon, Headers: hdrs},
		Notify:   make(chan TouchedSets, 16),

		Cache:       c,
		Coordinator: flush.NewCoordinator(c, cfg.CacheMB),

		cfg:        cfg,
		bpPool:     semaphore.NewWeighted(int64(atLeastOne(cfg.BPWorkers))),
		clientPool: semaphore.NewWeighted(int64(atLeastOne(cfg.ClientWorkers))),

		caughtUpEvent: make(chan struct{}, 1),
		backedUpEvent: make(chan struct{}, 1),

		stateRecord: initial,
	}
	l.setState(StateStarting)
	return l
}

func atLeastOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// State reports the loop's current phase.
func (l *Loop) State() State { return State(l.state.Load()) }

// IndexerState returns a copy of the currently tracked index state.
func (l *Loop) IndexerState() indexstate.State { return l.stateRecord.Copy() }

// CaughtUp fires once each time the loop finds no new block hashes to
// fetch.
func (l *Loop) CaughtUp() <-chan struct{} { return l.caughtUpEvent }

// BackedUp fires once each time a reorg resync completes.
func (l *Loop) BackedUp() <-chan struct{} { return l.backedUpEvent }

// AcquireClientSlot bounds concurrent client-facing store reads against
// cfg.ClientWorkers, independent of the BP pool guarding advance/backup/
// flush. Callers (the query-server collaborator) must call
// ReleaseClientSlot when done.
func (l *Loop) AcquireClientSlot(ctx context.Context) error {
	return l.clientPool.Acquire(ctx, 1)
}

// ReleaseClientSlot releases a slot acquired by AcquireClientSlot.
func (l *Loop) ReleaseClientSlot() { l.clientPool.Release(1) }

// Run drives the main loop until ctx is cancelled or a fatal error occurs.
// On cancellation (ctx.Err() != nil) it stops prefetching — the
// prefetcher's in-flight downloads are children of ctx and are cancelled
// automatically — and, only if no fatal error has left the in-memory state
// suspect, performs one final safe flush before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.ok.Store(true)
	for {
		if ctx.Err() != nil {
			return l.shutdown()
		}
		if err := l.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return l.shutdown()
			}
			l.ok.Store(false)
			return fmt.Errorf("engine: fatal: %w", err)
		}
	}
}

func (l *Loop) shutdown() error {
	logging.Engine.Info().Bool("ok", l.ok.Load()).Msg("main loop stopping")
	if !l.ok.Load() {
		return nil
	}
	ctx := context.Background()
	in := flush.Input{Stores: l.Stores, Cache: l.Cache, State: l.stateRecord, Headers: l.Headers}
	if in.AllEmpty() {
		return nil
	}
	if err := flush.FlushAll(ctx, in); err != nil {
		return fmt.Errorf("engine: final flush on shutdown: %w", err)
	}
	metrics.FlushesTotal.Inc()
	l.Coordinator.Reset()
	return nil
}

// tick runs one fetch-hashes/advance/maybe-reorg iteration.
func (l *Loop) tick(ctx context.Context) error {
	daemonHeight, err := l.Daemon.Height(ctx)
	if err != nil {
		return fmt.Errorf("engine: daemon height: %w", err)
	}
	metrics.DaemonHeight.Set(float64(daemonHeight))

	// State.Height counts indexed blocks, so it is also the next height to
	// fetch (0 on first sync = the genesis block itself).
	first := l.stateRecord.Height
	count := 0
	if daemonHeight+1 > first {
		count = l.cfg.FetchLimit
		if l.Params.PrefetchLimit != nil {
			if pl := l.Params.PrefetchLimit(l.stateRecord.Height); pl > 0 && pl < count {
				count = pl
			}
		}
		if remain := daemonHeight + 1 - first; remain < uint64(count) {
			count = int(remain)
		}
	}

	var hashes []string
	if count > 0 {
		hashes, err = l.Daemon.BlockHexHashes(ctx, first, count)
		if err != nil {
			return fmt.Errorf("engine: block_hex_hashes: %w", err)
		}
	}

	if len(hashes) == 0 {
		l.setState(StateCaughtUp)
		l.Coordinator.SetCaughtUp(true)
		// The first full sync ends the moment the daemon has nothing more
		// for us; the cleared flag persists with the next flush.
		l.stateRecord.FirstSync = false
		l.emit(l.caughtUpEvent)
		select {
		case <-ctx.Done():
		case <-time.After(l.cfg.PollingDelay):
		}
		return nil
	}

	l.setState(StateSyncing)
	l.Coordinator.SetCaughtUp(false)
	if behind := int64(daemonHeight+1) - int64(l.stateRecord.Height); behind > 0 {
		metrics.BlocksBehind.Set(float64(behind))
		l.Coordinator.SetLagBlocks(behind)
	} else {
		metrics.BlocksBehind.Set(0)
		l.Coordinator.SetLagBlocks(0)
	}

	pairs := make([]prefetch.HeightHash, len(hashes))
	for i, hh := range hashes {
		pairs[i] = prefetch.HeightHash{Height: first + uint64(i), HexHash: hh}
	}
	l.Prefetch.PrefetchMany(ctx, pairs)

	needsReorg, err := l.advanceBatch(ctx, pairs, daemonHeight)
	if err != nil {
		return err
	}
	if needsReorg {
		l.setState(StateReorging)
		if err := l.runReorg(ctx); err != nil {
			return err
		}
	}
	return nil
}

// advanceBatch walks pairs in order under the block-processor pool,
// advancing each block into the cache. If a block's prevhash mismatches
// the tip, it flushes whatever was advanced so far — undo info must be
// durable before any backup — and reports that a reorg is needed instead
// of treating the mismatch as fatal.
func (l *Loop) advanceBatch(ctx context.Context, pairs []prefetch.HeightHash, daemonHeight uint64) (needsReorg bool, err error) {
	if err := l.bpPool.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer l.bpPool.Release(1)

	l.Coordinator.SetProcessingBlocks(true)
	var pendingHeaders [][]byte
	undos := make(map[uint64][]byte)

	for _, hh := range pairs {
		if err := ctx.Err(); err != nil {
			l.Coordinator.SetProcessingBlocks(false)
			return false, err
		}

		height, size, path, lerr := l.Prefetch.Located(ctx, hh.HexHash)
		if lerr != nil {
			l.Coordinator.SetProcessingBlocks(false)
			if ctx.Err() != nil {
				return false, fmt.Errorf("engine: locate prefetched block %s: %w", hh.HexHash, lerr)
			}
			// The download failed and the prefetcher dropped it: commit what
			// this batch advanced, wait one polling delay, and let the next
			// tick request the block again.
			logging.Engine.Warn().Err(lerr).Str("hash", hh.HexHash).Msg("prefetched block unavailable, retrying next pass")
			if ferr := l.flushBatch(ctx, pendingHeaders, undos); ferr != nil {
				return false, ferr
			}
			select {
			case <-ctx.Done():
			case <-time.After(l.cfg.PollingDelay):
			}
			return false, nil
		}
		handle, herr := blockfile.Acquire(path, hh.HexHash, height, size, l.Params)
		if herr != nil {
			l.Coordinator.SetProcessingBlocks(false)
			return false, fmt.Errorf("engine: acquire block %s: %w", hh.HexHash, herr)
		}

		eng := &advance.Engine{
			Stores: l.Stores, Params: l.Params, Cache: l.Cache, State: l.stateRecord,
			WriteBadVouts: l.cfg.WriteBadVouts, BadVoutsDir: l.cfg.BadVoutsDir,
		}
		res, aerr := eng.AdvanceBlock(ctx, handle)
		handle.Release()
		if aerr != nil {
			if errors.Is(aerr, advance.ErrReorgDetected) {
				logging.Engine.Warn().Uint64("height", height).Msg("prevhash mismatch, flushing partial batch before reorg")
				l.Coordinator.SetProcessingBlocks(false)
				if ferr := l.flushBatch(ctx, pendingHeaders, undos); ferr != nil {
					return false, ferr
				}
				return true, nil
			}
			l.Coordinator.SetProcessingBlocks(false)
			return false, aerr
		}

		l.stateRecord = eng.State
		pendingHeaders = append(pendingHeaders, res.HeaderRaw[:])

		if height >= l.Params.MinUndoHeight(daemonHeight) {
			undos[height] = backup.FromCache(l.Cache).Encode()
		}
		l.Cache.ClearUndos()

		metrics.IndexedHeight.Set(float64(l.stateRecord.Height - 1))
		l.Coordinator.SetBlocksBuffered(int64(len(pendingHeaders)))
		l.Coordinator.Evaluate()
	}
	l.Coordinator.SetProcessingBlocks(false)

	// Batch completion is itself a flush trigger: every batch ends in one
	// full flush. The Coordinator.Evaluate calls in the loop above return
	// early, since processingBlocks is set for the whole loop.
	if err := l.flushBatch(ctx, pendingHeaders, undos); err != nil {
		return false, err
	}
	return false, nil
}

// flushBatch commits pendingHeaders/undos plus whatever the cache is
// holding in one FlushAll call. Every family flushes together; the
// coordinator's Due/MustFlushUTXO flags are not consulted, so there is
// never a partial flush here.
func (l *Loop) flushBatch(ctx context.Context, pendingHeaders [][]byte, undos map[uint64][]byte) error {
	in := flush.Input{
		Stores: l.Stores, Cache: l.Cache, State: l.stateRecord,
		Headers: l.Headers, PendingHeaders: pendingHeaders, Undos: undos,
	}
	if in.AllEmpty() {
		return nil
	}
	utxoMB, assetMB := l.Cache.EstimateMB()
	metrics.CacheUTXOMB.Set(float64(utxoMB))
	metrics.CacheAssetMB.Set(float64(assetMB))
	metrics.CacheHistMB.Set(float64(l.Cache.EstimateHistMB()))

	start := time.Now()
	if err := flush.FlushAll(ctx, in); err != nil {
		return fmt.Errorf("engine: flush: %w", err)
	}
	metrics.FlushesTotal.Inc()
	metrics.CacheUTXOMB.Set(0)
	metrics.CacheAssetMB.Set(0)
	metrics.CacheHistMB.Set(0)
	metrics.FlushDurationSeconds.Observe(time.Since(start).Seconds())
	l.Coordinator.Reset()
	l.Coordinator.SetBlocksBuffered(0)
	if l.State() == StateCaughtUp {
		l.dispatchNotifications()
	}
	return nil
}

// dispatchNotifications emits the eight touched sets and
// clears them, leaving pending mutation buffers (already empty here, since
// this is only ever called right after a flush) untouched.
func (l *Loop) dispatchNotifications() {
	sets := TouchedSets{
		HashX:                l.Cache.TouchedHashX,
		AssetName:            l.Cache.AssetTouched,
		Qualifier:            l.Cache.QualifierTouched,
		H160:                 l.Cache.H160Touched,
		BroadcastAsset:       l.Cache.BroadcastTouched,
		FrozenAsset:          l.Cache.FrozenTouched,
		ValidatorAsset:       l.Cache.ValidatorTouched,
		QualifierAssociation: l.Cache.QualifierAssociationTouched,
	}
	select {
	case l.Notify <- sets:
	default:
		logging.Engine.Warn().Msg("notification channel full, dropping touched-set emission")
	}
	l.Cache.ClearTouched()
}

func (l *Loop) emit(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runReorg drives the unwind-then-resync sequence from the
// current tip down to the daemon-agreed fork point.
func (l *Loop) runReorg(ctx context.Context) error {
	if l.stateRecord.Height == 0 {
		return fmt.Errorf("engine: reorg signalled with nothing indexed")
	}
	metrics.ReorgsTotal.Inc()
	// The tip block sits at Height-1 (Height counts indexed blocks).
	forkHeight, err := l.Reorg.Resync(ctx, l.stateRecord.Height-1, l.Cache.Clear, l.backupHeight)
	if err != nil {
		return fmt.Errorf("engine: reorg resync: %w", err)
	}
	return l.finishReorg(ctx, forkHeight)
}

// TriggerReorg simulates a reorg of exactly n blocks without requiring a
// detected prevhash mismatch first. Exposed for operator tooling and
// tests.
func (l *Loop) TriggerReorg(ctx context.Context, n uint64) error {
	if l.stateRecord.Height == 0 {
		return fmt.Errorf("engine: cannot simulate a reorg with nothing indexed")
	}
	tip := l.stateRecord.Height - 1
	if n == 0 || n > tip {
		return fmt.Errorf("engine: cannot simulate a reorg of %d blocks at tip height %d", n, tip)
	}
	metrics.ReorgsTotal.Inc()
	forkHeight := tip - n
	if err := l.Reorg.ResyncTo(ctx, tip, forkHeight, l.Cache.Clear, l.backupHeight); err != nil {
		return fmt.Errorf("engine: simulated reorg: %w", err)
	}
	return l.finishReorg(ctx, forkHeight)
}

func (l *Loop) finishReorg(ctx context.Context, forkHeight uint64) error {
	in := flush.Input{Stores: l.Stores, Cache: l.Cache, State: l.stateRecord, Headers: l.Headers}
	if !in.AllEmpty() {
		if err := flush.FlushAll(ctx, in); err != nil {
			return fmt.Errorf("engine: flush_backup: %w", err)
		}
		metrics.FlushesTotal.Inc()
		l.Coordinator.Reset()
	}
	if err := l.Headers.Truncate(forkHeight + 1); err != nil {
		return fmt.Errorf("engine: truncate headers to height %d: %w", forkHeight, err)
	}
	metrics.IndexedHeight.Set(float64(l.stateRecord.Height - 1))
	l.setState(StateSyncing)
	l.dispatchNotifications()
	l.emit(l.backedUpEvent)
	return nil
}

// backupHeight is a reorgdrv.BackupFunc: it loads height's undo record,
// locates (or re-fetches) its raw block file, verifies the block's hash
// still matches the live tip before mutating anything, and reverses its
// effects into the cache.
func (l *Loop) backupHeight(ctx context.Context, height uint64) error {
	undo, err := backup.ReadUndo(ctx, l.Stores, height, backup.DecodeUndoRecord)
	if err != nil {
		return fmt.Errorf("engine: read undo for height %d: %w", height, err)
	}

	localHash, err := l.Reorg.LocalHeaderHash(height)
	if err != nil {
		return fmt.Errorf("engine: local header hash at height %d: %w", height, err)
	}
	hexHash := reorgdrv.HexHash(localHash)
	if tipHex := reorgdrv.HexHash(l.stateRecord.Tip); tipHex != hexHash {
		return fmt.Errorf("engine: tip mismatch at height %d: state.tip=%s block=%s", height, tipHex, hexHash)
	}

	blkHeight, size, path, lerr := l.Prefetch.Located(ctx, hexHash)
	if lerr != nil {
		// Already swept from meta/blocks/ by tip-5 retention or never
		// prefetched this far back: re-fetch directly, bypassing the
		// bounded prefetch window since this is a synchronous, one-off read.
		path = l.Registry.FileName(hexHash, height)
		sz, gerr := l.Daemon.GetBlock(ctx, hexHash, path)
		if gerr != nil {
			return fmt.Errorf("engine: refetch block %s for backup: %w", hexHash, gerr)
		}
		l.Registry.Record(hexHash, height, sz)
		blkHeight, size = height, sz
	}

	handle, herr := blockfile.Acquire(path, hexHash, blkHeight, size, l.Params)
	if herr != nil {
		return fmt.Errorf("engine: acquire block %s for backup: %w", hexHash, herr)
	}
	defer handle.Release()

	eng := &backup.Engine{Stores: l.Stores, Params: l.Params, Cache: l.Cache, State: l.stateRecord}
	if err := eng.BackupBlock(ctx, handle, undo); err != nil {
		return err
	}
	l.stateRecord = eng.State
	metrics.BlocksBackedUpTotal.Inc()
	return nil
}

