// Package reorgdrv finds where the locally indexed chain diverges from
// the daemon's reported best chain and drives the unwind-then-resync
// sequence that repairs it: probe for the fork point, clear the caches,
// back blocks out one at a time until the local tip matches.
package reorgdrv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mewc-labs/mewc-index/internal/daemonrpc"
	"github.com/mewc-labs/mewc-index/internal/headers"
	"github.com/mewc-labs/mewc-index/internal/logging"
)

// Driver locates the fork point between the locally stored header chain
// and the daemon's chain.
type Driver struct {
	Daemon  daemonrpc.Client
	Headers *headers.File
}

// LocalHeaderHash returns the double-SHA256 of the raw header record
// stored at height.
func (d *Driver) LocalHeaderHash(height uint64) ([32]byte, error) {
	raw, err := d.Headers.At(height)
	if err != nil {
		return [32]byte{}, err
	}
	// Header records may be zero-padded past 80 bytes on disk for
	// fixed-width offsets; the padding never enters the hash.
	if len(raw) > 80 {
		raw = raw[:80]
	}
	first := sha256.Sum256(raw)
	return sha256.Sum256(first[:]), nil
}

// hexHash renders a block hash the way node daemons conventionally display
// them: byte-reversed, lowercase hex.
func hexHash(h [32]byte) string {
	var rev [32]byte
	for i := range h {
		rev[i] = h[31-i]
	}
	return hex.EncodeToString(rev[:])
}

// HexHash exposes the package's byte-reversed hex encoding for callers
// (internal/engine) that need to compare a state tip hash against a
// daemon-reported hex hash the same way this package does internally.
func HexHash(h [32]byte) string { return hexHash(h) }

func (d *Driver) matches(ctx context.Context, height uint64) (bool, error) {
	local, err := d.LocalHeaderHash(height)
	if err != nil {
		return false, err
	}
	hashes, err := d.Daemon.BlockHexHashes(ctx, height, 1)
	if err != nil {
		return false, err
	}
	if len(hashes) == 0 {
		return false, fmt.Errorf("reorgdrv: daemon reports no hash at height %d", height)
	}
	return hashes[0] == hexHash(local), nil
}

// FindDivergence performs a doubling-window probe (localHeight-1,
// localHeight-2, localHeight-4, localHeight-8, ...) against the daemon's
// reported hash at each candidate height until it finds one that still
// matches, then binary-searches the resulting bracket for the exact last
// common height. It returns the highest height at which the local and
// daemon chains still agree; every local block above that height must be
// backed out.
func (d *Driver) FindDivergence(ctx context.Context, localHeight uint64) (uint64, error) {
	if localHeight == 0 {
		return 0, nil
	}
	if ok, err := d.matches(ctx, localHeight); err != nil {
		return 0, err
	} else if ok {
		return localHeight, nil
	}

	lo, hi := uint64(0), localHeight
	step := uint64(1)
	foundLo := false
	for {
		var probe uint64
		if localHeight > step {
			probe = localHeight - step
		}
		ok, err := d.matches(ctx, probe)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = probe
			foundLo = true
			break
		}
		if probe == 0 {
			return 0, nil
		}
		hi = probe
		step *= 2
	}
	if !foundLo {
		return 0, nil
	}

	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		ok, err := d.matches(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// BackupFunc reverses exactly one block at height.
type BackupFunc func(ctx context.Context, height uint64) error

// Resync finds the fork point below currentHeight. When blocks must be
// backed out, it first clears the engine's cache unconditionally — an
// interrupted or early-returned flush may have left residue no backup pass
// can tolerate — then calls backup once per block from currentHeight down
// to fork+1 in strictly descending order. When the local tip still matches
// the daemon, it returns currentHeight without clearing the cache or
// calling backup. The returned forkHeight is the
// driver's completion signal: the caller resumes forward sync from
// forkHeight+1.
func (d *Driver) Resync(ctx context.Context, currentHeight uint64, clearCache func(), backup BackupFunc) (forkHeight uint64, err error) {
	forkHeight, err = d.FindDivergence(ctx, currentHeight)
	if err != nil {
		return 0, err
	}
	if forkHeight >= currentHeight {
		return forkHeight, nil
	}
	logging.Reorg.Info().
		Uint64("fork_height", forkHeight).
		Uint64("blocks", currentHeight-forkHeight).
		Msg("chain reorganisation detected")

	clearCache()
	for h := currentHeight; h > forkHeight; h-- {
		if err := backup(ctx, h); err != nil {
			return 0, fmt.Errorf("reorgdrv: backup height %d: %w", h, err)
		}
	}
	return forkHeight, nil
}

// ResyncTo backs out blocks from currentHeight down to forkHeight+1
// without consulting the daemon for the real divergence point, for the
// simulated-reorg path (an operator-supplied depth rather than a detected
// prevhash mismatch). It shares Resync's
// unconditional-cache-clear-then-backup-loop shape but skips
// FindDivergence entirely.
func (d *Driver) ResyncTo(ctx context.Context, currentHeight, forkHeight uint64, clearCache func(), backup BackupFunc) error {
	if forkHeight >= currentHeight {
		return fmt.Errorf("reorgdrv: fork height %d must be below current height %d", forkHeight, currentHeight)
	}
	clearCache()
	for h := currentHeight; h > forkHeight; h-- {
		if err := backup(ctx, h); err != nil {
			return fmt.Errorf("reorgdrv: backup height %d: %w", h, err)
		}
	}
	return nil
}
