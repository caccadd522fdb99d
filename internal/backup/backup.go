// Package backup implements the backup engine: reversing one block's
// effects using the undo records the advance engine produced.
package backup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mewc-labs/mewc-index/internal/assets"
	"github.com/mewc-labs/mewc-index/internal/blockfile"
	"github.com/mewc-labs/mewc-index/internal/cache"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/store"
	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// ErrNonContiguousAssetIDs is raised when the asset (or h160) ids being
// unwound are not a contiguous suffix of the currently allocated range;
// ids are assigned strictly per block, so a gap here means the undo data
// does not belong to this block.
var ErrNonContiguousAssetIDs = errors.New("backup: asset ids being reversed are not contiguous with the current count")

// ErrNonContiguousH160IDs mirrors ErrNonContiguousAssetIDs for address ids.
var ErrNonContiguousH160IDs = errors.New("backup: h160 ids being reversed are not contiguous with the current count")

// ErrUTXOUndoExhausted is raised if a block's reverse transaction walk
// needs more spent-UTXO undo records than were recorded for it.
var ErrUTXOUndoExhausted = errors.New("backup: UTXO undo buffer exhausted before reverse walk completed")

// UndoRecord is everything needed to reverse one block: one undo list per
// mutation family, in the same forward-application order the advance
// engine produced them in (so replay consumes them from the tail).
type UndoRecord struct {
	UTXO               [][]byte // 28-byte old UTXOValue, one per spent input
	AssetIDs           [][]byte // id(4) ++ name, one per id allocated this block
	H160IDs            [][]byte // id(4) ++ h160(20)
	Metadata           [][]byte // id(4) ++ priorLen(2) ++ priorRaw
	MetadataHistory    [][]byte // full history row keys to delete
	Tags               [][]byte // prefix(1) ++ idPart(8) ++ hasPrior(1) ++ prior
	TagHistory         [][]byte // full history row keys to delete
	Freezes            [][]byte // assetID(4) ++ hasPrior(1) ++ prior
	FreezeHistory      [][]byte
	Verifiers          [][]byte // assetID(4) ++ hasPrior(1) ++ prior
	VerifierHistory    [][]byte
	Associations       [][]byte // qualifierID(4) ++ restrictedID(4) ++ hasPrior(1) ++ prior
	AssociationHistory [][]byte
	Broadcasts         [][]byte // assetID(4) ++ outpoint(9)
	HistoryIndex       [][]byte // full history-index row keys to delete
}

// FromCache snapshots the pending undo buffers of c. Used when backing out
// a block whose mutations have not yet been flushed to disk (the common
// case: a reorg discovered at the tip, before any flush).
func FromCache(c *cache.Cache) UndoRecord {
	return UndoRecord{
		UTXO:               c.UTXO.Undos,
		AssetIDs:           c.AssetID.Undos,
		H160IDs:            c.H160ID.Undos,
		Metadata:           c.Metadata.Undos,
		MetadataHistory:    c.MetadataHistory.Undos,
		Tags:               c.Tags.Undos,
		TagHistory:         c.TagHistory.Undos,
		Freezes:            c.Freezes.Undos,
		FreezeHistory:      c.FreezeHistory.Undos,
		Verifiers:          c.Verifiers.Undos,
		VerifierHistory:    c.VerifierHistory.Undos,
		Associations:       c.Associations.Undos,
		AssociationHistory: c.AssociationHistory.Undos,
		Broadcasts:         c.Broadcasts.Undos,
		HistoryIndex:       c.History.Undos,
	}
}

// Engine reverses blocks, mirroring advance.Engine's store/cache wiring.
type Engine struct {
	Stores *store.Stores
	Params coin.Params
	Cache  *cache.Cache
	State  indexstate.State
}

// BackupBlock reverses h's effects using undo, updating e.State and
// e.Cache in place: walk transactions in reverse, restore spent UTXOs by
// re-deriving their key from the transaction's own inputs, delete the
// UTXOs the block created, then unwind the asset-side families.
func (e *Engine) BackupBlock(ctx context.Context, h *blockfile.Handle, undo UndoRecord) error {
	utxoUndo := append([][]byte(nil), undo.UTXO...)
	isUnspendable := func(script []byte) bool { return e.Params.IsUnspendable(h.Height, script) }

	// The reverse walk yields the block's last transaction first; its tx
	// num is the top of the post-block counter.
	nextTxNum := e.State.TxCount

	var txCount, created, restored int64
	err := h.Reverse(ctx, func(pair blockfile.TxPair) error {
		txCount++
		nextTxNum--
		for i := len(pair.Tx.Outputs) - 1; i >= 0; i-- {
			script := pair.Tx.Outputs[i].Script
			if isUnspendable(script) {
				continue
			}
			key := indexstate.EncodeUTXOKey(pair.Hash, uint32(i))
			e.Cache.UTXO.Revert(key[:])
			// The address-keyed projection row is rebuilt the same way the
			// advance engine built it: hashX over the non-asset script
			// prefix.
			classification := assets.Classify(i, script)
			hashX := e.Params.HashX(script[:classification.PrefixEnd])
			lookupKey := append(append([]byte(nil), store.PrefixHashXLookup...),
				indexstate.EncodeHashXUTXOKey(hashX, uint32(i), nextTxNum)...)
			e.Cache.UTXO.Revert(lookupKey)
			created++
		}
		for i := len(pair.Tx.Inputs) - 1; i >= 0; i-- {
			in := pair.Tx.Inputs[i]
			if in.IsGeneration() {
				continue
			}
			if len(utxoUndo) == 0 {
				return ErrUTXOUndoExhausted
			}
			last := utxoUndo[len(utxoUndo)-1]
			utxoUndo = utxoUndo[:len(utxoUndo)-1]
			restoreKey := indexstate.EncodeUTXOKey(in.PrevHash, in.PrevIdx)
			e.Cache.UTXO.Put(restoreKey[:], append([]byte(nil), last...))
			var val indexstate.UTXOValue
			copy(val[:], last)
			lookupKey := append(append([]byte(nil), store.PrefixHashXLookup...),
				indexstate.EncodeHashXUTXOKey(val.HashX(), in.PrevIdx, val.TxNum())...)
			e.Cache.UTXO.Put(lookupKey, append([]byte(nil), val[indexstate.HashXLen+5:]...))
			restored++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(utxoUndo) != 0 {
		return fmt.Errorf("backup: %d UTXO undo records left unconsumed", len(utxoUndo))
	}
	e.State.UTXOCount = e.State.UTXOCount - uint64(created) + uint64(restored)
	e.State.TxCount -= uint64(txCount)

	e.unwindHistory(e.Cache.History, undo.HistoryIndex)
	if err := e.unwindMetadataUsers(ctx, undo); err != nil {
		return err
	}
	if err := e.unwindAssetIDs(undo.AssetIDs); err != nil {
		return err
	}
	if err := e.unwindH160IDs(undo.H160IDs); err != nil {
		return err
	}

	hdr := h.Header()
	e.State.Height--
	e.State.Tip = hdr.PrevHash
	e.State.ChainSize -= uint64(h.Size)
	return nil
}

// unwindAssetIDs decrements State.AssetCount by len(ids), asserting the
// ids being removed are exactly the top of the allocated range. Each
// record is id(4) ++ name, letting both interning directions be deleted.
func (e *Engine) unwindAssetIDs(ids [][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uint32]struct{}, len(ids))
	minID := ^uint32(0)
	for _, rec := range ids {
		if len(rec) < 4 {
			continue
		}
		id := binary.LittleEndian.Uint32(rec[:4])
		name := rec[4:]
		seen[id] = struct{}{}
		if id < minID {
			minID = id
		}
		e.Cache.AssetID.Revert(append(append([]byte(nil), store.PrefixIDToAsset...), rec[:4]...))
		e.Cache.AssetID.Revert(append(append([]byte(nil), store.PrefixAssetToID...), name...))
	}
	if minID != e.State.AssetCount-uint32(len(seen)) {
		return ErrNonContiguousAssetIDs
	}
	e.State.AssetCount -= uint32(len(seen))
	return nil
}

// unwindH160IDs mirrors unwindAssetIDs for address ids; each record is
// id(4) ++ 20-byte h160.
func (e *Engine) unwindH160IDs(ids [][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uint32]struct{}, len(ids))
	minID := ^uint32(0)
	for _, rec := range ids {
		if len(rec) < 4 {
			continue
		}
		id := binary.LittleEndian.Uint32(rec[:4])
		h160 := rec[4:]
		seen[id] = struct{}{}
		if id < minID {
			minID = id
		}
		e.Cache.H160ID.Revert(append(append([]byte(nil), store.PrefixIDToH160...), rec[:4]...))
		e.Cache.H160ID.Revert(append(append([]byte(nil), store.PrefixH160ToID...), h160...))
	}
	if minID != e.State.H160Count-uint32(len(seen)) {
		return ErrNonContiguousH160IDs
	}
	e.State.H160Count -= uint32(len(seen))
	return nil
}

// unwindMetadataUsers replays every asset-side undo family that still needs
// the block's interned id->name/h160 mappings resolvable; it must therefore
// run before unwindAssetIDs/unwindH160IDs revert the interning entries.
func (e *Engine) unwindMetadataUsers(ctx context.Context, undo UndoRecord) error {
	e.unwindMetadata(undo.Metadata)
	e.unwindHistory(e.Cache.MetadataHistory, undo.MetadataHistory)
	if err := e.unwindTags(ctx, undo.Tags); err != nil {
		return err
	}
	e.unwindHistory(e.Cache.TagHistory, undo.TagHistory)
	if err := e.unwindCurrent(ctx, e.Cache.Freezes, store.PrefixFreezeCurrent, 4, undo.Freezes, e.Cache.FrozenTouched); err != nil {
		return err
	}
	e.unwindHistory(e.Cache.FreezeHistory, undo.FreezeHistory)
	if err := e.unwindCurrent(ctx, e.Cache.Verifiers, store.PrefixVerifierCurrent, 4, undo.Verifiers, e.Cache.ValidatorTouched); err != nil {
		return err
	}
	e.unwindHistory(e.Cache.VerifierHistory, undo.VerifierHistory)
	if err := e.unwindCurrent(ctx, e.Cache.Associations, store.PrefixAssociationCurrent, 8, undo.Associations, e.Cache.QualifierAssociationTouched); err != nil {
		return err
	}
	e.unwindHistory(e.Cache.AssociationHistory, undo.AssociationHistory)
	return e.unwindBroadcasts(ctx, undo.Broadcasts)
}

// unwindMetadata replays metadata undo entries (id ++ priorLen ++
// priorRaw) in reverse: a zero-length prior record means the asset was
// freshly minted this block and its metadata key is deleted outright;
// otherwise the prior record is restored.
func (e *Engine) unwindMetadata(recs [][]byte) {
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if len(rec) < 6 {
			continue
		}
		idBytes := rec[0:4]
		priorLen := int(rec[4]) | int(rec[5])<<8
		key := append(append([]byte(nil), store.PrefixMetadata...), idBytes...)
		if priorLen == 0 {
			e.Cache.Metadata.Revert(key)
			continue
		}
		priorRaw := rec[6 : 6+priorLen]
		e.Cache.Metadata.Put(key, append([]byte(nil), priorRaw...))
	}
}

// unwindHistory deletes the append-only history rows this block created;
// each undo record is the full row key the advance engine wrote.
func (e *Engine) unwindHistory(fam *cache.Family, keys [][]byte) {
	for i := len(keys) - 1; i >= 0; i-- {
		fam.Revert(keys[i])
	}
}

// unwindCurrent replays one "*Current" family's prior-value undo records
// (idPart ++ hasPrior ++ prior): the superseded entry is restored, a fresh
// one is deleted. Each record's leading asset id is resolved back to its
// name so the matching touched set is re-emitted after the backup
// commits.
func (e *Engine) unwindCurrent(ctx context.Context, fam *cache.Family, prefix []byte, idLen int, recs [][]byte, touched map[string]struct{}) error {
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if len(rec) < idLen+1 {
			continue
		}
		key := append(append([]byte(nil), prefix...), rec[:idLen]...)
		if rec[idLen] != 0 {
			fam.Put(key, append([]byte(nil), rec[idLen+1:]...))
		} else {
			fam.Revert(key)
		}
		name, err := e.assetNameForID(ctx, binary.LittleEndian.Uint32(rec[:4]))
		if err != nil {
			return err
		}
		touched[name] = struct{}{}
	}
	return nil
}

// unwindTags is unwindCurrent for the tag family, whose records carry a
// leading prefix byte because every tagging writes two current rows: the
// qualifier-keyed table and its address-keyed mirror. Each record is
// prefix(1) ++ idPart(8) ++ hasPrior(1) ++ prior.
func (e *Engine) unwindTags(ctx context.Context, recs [][]byte) error {
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if len(rec) < 10 {
			continue
		}
		key := append([]byte(nil), rec[:9]...)
		if rec[9] != 0 {
			e.Cache.Tags.Put(key, append([]byte(nil), rec[10:]...))
		} else {
			e.Cache.Tags.Revert(key)
		}

		assetIDOff, h160IDOff := 1, 5
		if rec[0] == store.PrefixH160TagCurrent[0] {
			assetIDOff, h160IDOff = 5, 1
		}
		name, err := e.assetNameForID(ctx, binary.LittleEndian.Uint32(rec[assetIDOff:assetIDOff+4]))
		if err != nil {
			return err
		}
		e.Cache.QualifierTouched[name] = struct{}{}
		h160, err := e.h160ForID(ctx, binary.LittleEndian.Uint32(rec[h160IDOff:h160IDOff+4]))
		if err != nil {
			return err
		}
		e.Cache.H160Touched[string(h160)] = struct{}{}
	}
	return nil
}

// unwindBroadcasts deletes the broadcasts this block wrote, one per undo
// record (assetID(4) ++ outpoint(9)): the asset id is resolved back to its name
// (cache first, then suid_db) to re-derive the prefix‖name‖outpoint key
// applyBroadcast wrote, then Revert is used so a still-unflushed Puts entry
// is discarded outright and a flushed one gets an explicit Delete.
func (e *Engine) unwindBroadcasts(ctx context.Context, recs [][]byte) error {
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if len(rec) < 4+9 {
			continue
		}
		assetID := binary.LittleEndian.Uint32(rec[0:4])
		outpoint := rec[4 : 4+9]
		name, err := e.assetNameForID(ctx, assetID)
		if err != nil {
			return err
		}
		key := append(append([]byte(nil), store.PrefixBroadcast...), []byte(name)...)
		key = append(key, outpoint...)
		e.Cache.Broadcasts.Revert(key)
		e.Cache.BroadcastTouched[name] = struct{}{}
	}
	return nil
}

// assetNameForID resolves an asset id to its interned name, consulting the
// cache's still-unflushed id->name entries before falling back to suid_db,
// mirroring lookupOrAddAssetID's cache-then-store order.
func (e *Engine) assetNameForID(ctx context.Context, assetID uint32) (string, error) {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], assetID)
	key := append(append([]byte(nil), store.PrefixIDToAsset...), idBytes[:]...)
	if raw, ok := e.Cache.AssetID.Puts[string(key)]; ok {
		return string(raw), nil
	}
	raw, ok, err := e.Stores.SUID.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("backup: no asset name interned for id %d", assetID)
	}
	return string(raw), nil
}

// h160ForID resolves an h160 id to its interned 20-byte address hash, the
// same cache-then-store way assetNameForID resolves asset names.
func (e *Engine) h160ForID(ctx context.Context, h160ID uint32) ([]byte, error) {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], h160ID)
	key := append(append([]byte(nil), store.PrefixIDToH160...), idBytes[:]...)
	if raw, ok := e.Cache.H160ID.Puts[string(key)]; ok {
		return raw, nil
	}
	raw, ok, err := e.Stores.SUID.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("backup: no address hash interned for id %d", h160ID)
	}
	return raw, nil
}

// ReadUndo loads the persisted undo record for height from stores,
// retrying up to 5 times at 100ms: a reorg discovered immediately after a
// flush begins can race the flush commit that writes the undo blob.
func ReadUndo(ctx context.Context, stores *store.Stores, height uint64, decode func([]byte) (UndoRecord, error)) (UndoRecord, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := ctx.Err(); err != nil {
			return UndoRecord{}, err
		}
		raw, ok, err := stores.Asset.Get(ctx, UndoKey(height))
		if err != nil {
			lastErr = err
		} else if ok {
			return decode(raw)
		} else {
			lastErr = fmt.Errorf("backup: no undo info recorded for height %d", height)
		}
		select {
		case <-ctx.Done():
			return UndoRecord{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return UndoRecord{}, lastErr
}

// UndoKey builds the asset_db key an undo blob for height is stored under.
func UndoKey(height uint64) []byte {
	var h [8]byte
	binary.LittleEndian.PutUint64(h[:], height)
	return append([]byte{'Z'}, h[:]...)
}
