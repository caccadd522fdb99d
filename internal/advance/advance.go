// Package advance implements the advance engine: walking one block's
// transactions forward, spending inputs, creating outputs, applying asset
// effects, and appending undo records alongside every forward mutation.
package advance

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mewc-labs/mewc-index/internal/assets"
	"github.com/mewc-labs/mewc-index/internal/blockfile"
	"github.com/mewc-labs/mewc-index/internal/cache"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/store"
	"github.com/mewc-labs/mewc-index/internal/txdecode"
	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// ErrChain is the fatal class of error raised when the chain appears
// corrupt (spending a UTXO that doesn't exist, reissuing a non-reissuable
// asset) —, these propagate out and prevent any flush.
type ErrChain struct{ Msg string }

func (e *ErrChain) Error() string { return "advance: " + e.Msg }

// ErrNonReissuable is raised when a reissuance targets an asset whose
// metadata says it is not reissuable.
var ErrNonReissuable = errors.New("advance: asset is not reissuable")

// ErrReorgDetected is returned (without mutating state) when a block's
// prevhash does not match the current tip ordering
// check.
var ErrReorgDetected = errors.New("advance: block prevhash does not match tip")

// Engine walks blocks into the write-back cache.
type Engine struct {
	Stores *store.Stores
	Params coin.Params
	Cache  *cache.Cache
	State  indexstate.State

	WriteBadVouts bool
	BadVoutsDir   string
}

// Result reports what AdvanceBlock did, for flush/notification bookkeeping.
type Result struct {
	TxHashes   [][32]byte
	HeaderRaw  [80]byte
	BlockSize  int64
}

// recordBadVout dumps a malformed asset script to BadVoutsDir when
// WriteBadVouts is set write_bad_vouts_to_file diagnostic.
// Files land as {height}_{tag}_{txhash}-{vout}.txt. It never returns an
// error: a failure to write a diagnostic must not abort indexing.
func (e *Engine) recordBadVout(txHash [32]byte, voutIdx int, script []byte, tag string) {
	if !e.WriteBadVouts {
		return
	}
	dir := e.BadVoutsDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s_%x-%d.txt", e.State.Height, tag, txHash, voutIdx))
	line := fmt.Sprintf("tag=%s script=%x\n", tag, script)
	_ = os.WriteFile(path, []byte(line), 0o644)
}

// AdvanceBlock advances the engine's state by one block
// It does not flush; the caller (internal/engine) decides when to persist.
func (e *Engine) AdvanceBlock(ctx context.Context, h *blockfile.Handle) (*Result, error) {
	hdr := h.Header()
	if hdr.PrevHash != e.State.Tip {
		return nil, ErrReorgDetected
	}

	isUnspendable := func(script []byte) bool { return e.Params.IsUnspendable(h.Height, script) }

	res := &Result{HeaderRaw: hdr.Raw, BlockSize: h.Size}
	txNum := e.State.TxCount

	err := h.Forward(ctx, func(pair blockfile.TxPair) error {
		if err := e.applyTx(ctx, pair.Tx, pair.Hash, txNum, isUnspendable); err != nil {
			return err
		}
		res.TxHashes = append(res.TxHashes, pair.Hash)
		txNum++
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.State.Height++
	e.State.Tip = hdr.HeaderHash()
	e.State.ChainSize += uint64(h.Size)
	e.State.TxCount = txNum
	return res, nil
}

// applyTx applies one transaction's effects steps 1-7.
func (e *Engine) applyTx(ctx context.Context, tx *txdecode.Tx, txHash [32]byte, txNum uint64, isUnspendable func([]byte) bool) error {
	// Asset ids seen among inputs, keyed by each input's own hashX: a
	// transfer output only qualifies for a broadcast when the SAME address
	// consumed that asset, so a flat transaction-wide set would be wrong
	// for multi-input, multi-asset transactions.
	inputAssetIDs := make(map[[indexstate.HashXLen]byte]map[uint32]struct{})
	txHashXs := make(map[[indexstate.HashXLen]byte]struct{})

	for _, in := range tx.Inputs {
		if in.IsGeneration() {
			continue
		}
		val, err := e.spendUTXO(ctx, in.PrevHash, in.PrevIdx)
		if err != nil {
			return err
		}
		spentHashX := val.HashX()
		e.Cache.TouchedHashX[string(spentHashX[:])] = struct{}{}
		txHashXs[spentHashX] = struct{}{}
		if val.AssetID() != indexstate.NullU32 {
			if inputAssetIDs[spentHashX] == nil {
				inputAssetIDs[spentHashX] = make(map[uint32]struct{})
			}
			inputAssetIDs[spentHashX][val.AssetID()] = struct{}{}
		}
	}

	var sawVerifierOutput *assets.AssetOp
	var sawRestrictedOutput string

	for idx, out := range tx.Outputs {
		if isUnspendable(out.Script) {
			continue
		}
		classification := assets.Classify(idx, out.Script)
		hashXInput := out.Script[:classification.PrefixEnd]
		hashXArr := e.Params.HashX(hashXInput)

		assetID := indexstate.NullU32
		switch classification.Null {
		case assets.NullAddressTag:
			if err := e.applyAddressTag(ctx, classification.Asset, out.Script, txNum, txHash, idx); err != nil {
				return err
			}
		case assets.NullVerifier:
			sawVerifierOutput = classification.Asset
		case assets.NullGlobalRestriction:
			if err := e.applyGlobalFreeze(ctx, classification.Asset, txNum, txHash, idx); err != nil {
				return err
			}
		}

		if classification.Asset != nil && classification.Null == assets.NullNone {
			id, err := e.applyAssetOutput(ctx, classification.Asset, txNum, inputAssetIDs[hashXArr], txHash, idx)
			if err != nil {
				return err
			}
			assetID = id
			// A restricted-asset output of any script type (o/q/r/t),
			// not just issue/reissue, pairs with a same-transaction
			// verifier output.
			name := assetNameOf(classification.Asset)
			if len(name) > 0 && name[0] == '$' {
				sawRestrictedOutput = name
			}
		}

		utxoKey := indexstate.EncodeUTXOKey(txHash, uint32(idx))
		utxoVal := indexstate.EncodeUTXOValue(hashXArr, txNum, out.Value, assetID)
		e.Cache.UTXO.Put(utxoKey[:], utxoVal[:])
		lookupKey := append(append([]byte(nil), store.PrefixHashXLookup...),
			indexstate.EncodeHashXUTXOKey(hashXArr, uint32(idx), txNum)...)
		e.Cache.UTXO.Put(lookupKey, utxoVal[indexstate.HashXLen+5:])
		e.State.UTXOCount++
		e.Cache.TouchedHashX[string(hashXArr[:])] = struct{}{}
		txHashXs[hashXArr] = struct{}{}
	}

	if sawVerifierOutput != nil && sawRestrictedOutput != "" {
		if err := e.applyVerifier(ctx, sawRestrictedOutput, sawVerifierOutput, txNum); err != nil {
			return err
		}
	}

	// Per-transaction history-index rows, one per address the transaction
	// touched.
	for hashX := range txHashXs {
		histKey := append(append([]byte(nil), store.PrefixUTXOHistory...),
			indexstate.EncodeHistoryKey(hashX, txNum)...)
		e.Cache.History.Put(histKey, nil)
		e.Cache.History.AppendUndo(histKey)
	}

	return nil
}

// spendUTXO removes the UTXO at (prevHash, prevIdx), appends its value to
// the UTXO undo buffer, and returns it. Per step 1.
func (e *Engine) spendUTXO(ctx context.Context, prevHash [32]byte, prevIdx uint32) (indexstate.UTXOValue, error) {
	key := indexstate.EncodeUTXOKey(prevHash, prevIdx)
	if raw, ok := e.Cache.UTXO.Puts[string(key[:])]; ok {
		var val indexstate.UTXOValue
		copy(val[:], raw)
		delete(e.Cache.UTXO.Puts, string(key[:]))
		e.dropHashXLookup(val, prevIdx)
		e.Cache.UTXO.AppendUndo(append([]byte(nil), val[:]...))
		e.State.UTXOCount--
		return val, nil
	}

	raw, ok, err := e.Stores.UTXO.Get(ctx, key[:])
	if err != nil {
		return indexstate.UTXOValue{}, err
	}
	if !ok {
		return indexstate.UTXOValue{}, &ErrChain{Msg: fmt.Sprintf("UTXO %x/%d not found", prevHash, prevIdx)}
	}
	var val indexstate.UTXOValue
	copy(val[:], raw)
	e.Cache.UTXO.Delete(key[:])
	e.dropHashXLookup(val, prevIdx)
	e.Cache.UTXO.AppendUndo(append([]byte(nil), val[:]...))
	e.State.UTXOCount--
	return val, nil
}

// dropHashXLookup removes the address-keyed projection row of a spent
// UTXO; its key is rebuilt from the spent value's own hashX and tx num
// plus the outpoint's vout.
func (e *Engine) dropHashXLookup(val indexstate.UTXOValue, vout uint32) {
	lookupKey := append(append([]byte(nil), store.PrefixHashXLookup...),
		indexstate.EncodeHashXUTXOKey(val.HashX(), vout, val.TxNum())...)
	e.Cache.UTXO.Revert(lookupKey)
}

func assetNameOf(op *assets.AssetOp) string {
	switch op.Type {
	case assets.ScriptIssue:
		f, err := assets.ParseIssue(op.Blob)
		if err == nil {
			return f.Name
		}
	case assets.ScriptReissue:
		f, err := assets.ParseReissue(op.Blob)
		if err == nil {
			return f.Name
		}
	case assets.ScriptTransfer:
		f, err := assets.ParseTransfer(op.Blob)
		if err == nil {
			return f.Name
		}
	case assets.ScriptOwnership:
		name, err := assets.ParseOwnership(op.Blob)
		if err == nil {
			return name
		}
	}
	return ""
}

// lookupOrAddAssetID interns name, consulting the cache then the store
// before allocating a new id step 4.
func (e *Engine) lookupOrAddAssetID(ctx context.Context, name string) (uint32, error) {
	key := append(append([]byte(nil), store.PrefixAssetToID...), []byte(name)...)
	if raw, ok := e.Cache.AssetID.Puts[string(key)]; ok {
		return binary.LittleEndian.Uint32(raw), nil
	}
	if raw, ok, err := e.Stores.SUID.Get(ctx, key); err != nil {
		return 0, err
	} else if ok {
		return binary.LittleEndian.Uint32(raw), nil
	}

	id := e.State.AssetCount
	e.State.AssetCount++
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], id)

	e.Cache.AssetID.Put(key, idBytes[:])
	idToAssetKey := append(append([]byte(nil), store.PrefixIDToAsset...), idBytes[:]...)
	e.Cache.AssetID.Put(idToAssetKey, []byte(name))
	// Undo record is id ++ name so backup can delete both the forward
	// (name -> id) and reverse (id -> name) interning entries.
	e.Cache.AssetID.AppendUndo(append(append([]byte(nil), idBytes[:]...), name...))
	return id, nil
}

// lookupOrAddH160ID interns a 20-byte address hash, mirroring
// lookupOrAddAssetID.
func (e *Engine) lookupOrAddH160ID(ctx context.Context, h160 []byte) (uint32, error) {
	key := append(append([]byte(nil), store.PrefixH160ToID...), h160...)
	if raw, ok := e.Cache.H160ID.Puts[string(key)]; ok {
		return binary.LittleEndian.Uint32(raw), nil
	}
	if raw, ok, err := e.Stores.SUID.Get(ctx, key); err != nil {
		return 0, err
	} else if ok {
		return binary.LittleEndian.Uint32(raw), nil
	}

	id := e.State.H160Count
	e.State.H160Count++
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], id)

	e.Cache.H160ID.Put(key, idBytes[:])
	idToH160Key := append(append([]byte(nil), store.PrefixIDToH160...), idBytes[:]...)
	e.Cache.H160ID.Put(idToH160Key, h160)
	// Undo record is id ++ h160 so backup can delete both interning
	// directions.
	e.Cache.H160ID.AppendUndo(append(append([]byte(nil), idBytes[:]...), h160...))
	return id, nil
}

// applyAssetOutput dispatches on op.Type. inputAssetIDs holds the asset
// ids consumed by inputs belonging to THIS output's hashX (nil when that
// address spent nothing); broadcast eligibility is decided against it, not
// against the whole transaction's inputs.
func (e *Engine) applyAssetOutput(ctx context.Context, op *assets.AssetOp, txNum uint64, inputAssetIDs map[uint32]struct{}, txHash [32]byte, voutIdx int) (uint32, error) {
	switch op.Type {
	case assets.ScriptOwnership:
		name, err := assets.ParseOwnership(op.Blob)
		if err != nil {
			e.recordBadVout(txHash, voutIdx, op.Blob, "ownership")
			return indexstate.NullU32, nil //nolint: malformed blob; hashed as-is
		}
		id, err := e.lookupOrAddAssetID(ctx, name)
		if err != nil {
			return 0, err
		}
		// An ownership token mints with a fixed, indivisible,
		// non-reissuable supply the first time it appears.
		if _, exists, err := e.getMetadata(ctx, id); err != nil {
			return 0, err
		} else if !exists {
			meta := encodeMetadata(assets.OwnershipSupply, 0, false, false, [34]byte{},
				indexstate.EncodeOutpoint(uint32(voutIdx), txNum), indexstate.EncodeOutpoint(uint32(voutIdx), txNum))
			e.putMetadata(id, meta, txNum)
			e.Cache.AssetTouched[name] = struct{}{}
		}
		return id, nil

	case assets.ScriptIssue:
		f, err := assets.ParseIssue(op.Blob)
		if err != nil {
			e.recordBadVout(txHash, voutIdx, op.Blob, "issue")
			return indexstate.NullU32, nil
		}
		id, err := e.lookupOrAddAssetID(ctx, f.Name)
		if err != nil {
			return 0, err
		}
		meta := encodeMetadata(f.Supply, f.Divisions, f.Reissuable, f.HasAssociatedData, f.AssociatedData,
			indexstate.EncodeOutpoint(uint32(voutIdx), txNum), indexstate.EncodeOutpoint(uint32(voutIdx), txNum))
		e.putMetadata(id, meta, txNum)
		e.Cache.AssetTouched[f.Name] = struct{}{}
		return id, nil

	case assets.ScriptReissue:
		f, err := assets.ParseReissue(op.Blob)
		if err != nil {
			e.recordBadVout(txHash, voutIdx, op.Blob, "reissue")
			return indexstate.NullU32, nil
		}
		id, err := e.lookupOrAddAssetID(ctx, f.Name)
		if err != nil {
			return 0, err
		}
		old, ok, err := e.getMetadata(ctx, id)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, &ErrChain{Msg: "reissuance of unknown asset " + f.Name}
		}
		if !old.Reissuable {
			return 0, ErrNonReissuable
		}
		divisions := old.Divisions
		divisionsOutpoint := old.DivisionsOutpoint
		if f.Divisions != 0xFF {
			divisions = f.Divisions
			divisionsOutpoint = indexstate.EncodeOutpoint(uint32(voutIdx), txNum)
		}
		assocData := old.AssociatedData
		hasAssoc := old.HasAssociatedData
		assocOutpoint := old.AssociatedDataOutpoint
		if f.HasAssociatedData {
			assocData = f.AssociatedData
			hasAssoc = true
			assocOutpoint = indexstate.EncodeOutpoint(uint32(voutIdx), txNum)
		}
		newSupply := old.Supply + f.SupplyDelta

		// Append the full prior record (length-prefixed) to the undo
		// buffer before overwriting step 5.
		priorRaw := old.Encode()
		undo := make([]byte, 0, 4+4+len(priorRaw))
		var idBytes [4]byte
		binary.LittleEndian.PutUint32(idBytes[:], id)
		undo = append(undo, idBytes[:]...)
		undo = append(undo, byte(len(priorRaw)), byte(len(priorRaw)>>8))
		undo = append(undo, priorRaw...)
		e.Cache.Metadata.AppendUndo(undo)

		newMeta := metadataRecord{
			Supply:                 newSupply,
			Divisions:              divisions,
			Reissuable:             true,
			HasAssociatedData:      hasAssoc,
			AssociatedData:         assocData,
			DivisionsOutpoint:      divisionsOutpoint,
			AssociatedDataOutpoint: assocOutpoint,
		}
		e.Cache.Metadata.Put(metadataKey(id), newMeta.Encode())
		e.appendMetadataHistory(id, txNum, newMeta.Encode())
		e.Cache.AssetTouched[f.Name] = struct{}{}
		return id, nil

	case assets.ScriptTransfer:
		f, err := assets.ParseTransfer(op.Blob)
		if err != nil {
			e.recordBadVout(txHash, voutIdx, op.Blob, "transfer")
			return indexstate.NullU32, nil
		}
		id, err := e.lookupOrAddAssetID(ctx, f.Name)
		if err != nil {
			return 0, err
		}
		if f.HasBroadcast && assets.IsBroadcastEligible(f.Name) {
			if _, consumed := inputAssetIDs[id]; consumed {
				e.applyBroadcast(id, f.Name, voutIdx, txNum, f.BroadcastData, f.BroadcastExpiry)
			}
		}
		return id, nil
	}
	return indexstate.NullU32, nil
}

func (e *Engine) applyBroadcast(assetID uint32, name string, voutIdx int, txNum uint64, data [34]byte, expiry uint64) {
	outpoint := indexstate.EncodeOutpoint(uint32(voutIdx), txNum)
	key := append(append([]byte(nil), store.PrefixBroadcast...), []byte(name)...)
	key = append(key, outpoint[:]...)
	val := append(append([]byte(nil), data[:]...), wireU64(expiry)...)
	e.Cache.Broadcasts.Put(key, val)
	e.Cache.BroadcastTouched[name] = struct{}{}

	// Undo record is assetID ++ outpoint so backup can re-derive the
	// broadcast key (asset id -> name, then the same outpoint) without
	// needing the name to travel with the undo bytes.
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], assetID)
	undo := append(append([]byte(nil), idBytes[:]...), outpoint[:]...)
	e.Cache.Broadcasts.AppendUndo(undo)
}

func wireU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func metadataKey(assetID uint32) []byte {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], assetID)
	return append(append([]byte(nil), store.PrefixMetadata...), idBytes[:]...)
}

type metadataRecord struct {
	Supply                 uint64
	Divisions              byte
	Reissuable             bool
	HasAssociatedData      bool
	AssociatedData         [34]byte
	DivisionsOutpoint      indexstate.OutpointKey
	AssociatedDataOutpoint indexstate.OutpointKey
}

func encodeMetadata(supply uint64, divisions byte, reissuable, hasAssoc bool, assoc [34]byte, divOut, assocOut indexstate.OutpointKey) metadataRecord {
	return metadataRecord{
		Supply: supply, Divisions: divisions, Reissuable: reissuable,
		HasAssociatedData: hasAssoc, AssociatedData: assoc,
		DivisionsOutpoint: divOut, AssociatedDataOutpoint: assocOut,
	}
}

func (r metadataRecord) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(wireU64(r.Supply))
	buf.WriteByte(r.Divisions)
	if r.Reissuable {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if r.HasAssociatedData {
		buf.WriteByte(1)
		buf.Write(r.AssociatedData[:])
	} else {
		buf.WriteByte(0)
	}
	buf.Write(r.DivisionsOutpoint[:])
	buf.Write(r.AssociatedDataOutpoint[:])
	return buf.Bytes()
}

func decodeMetadata(b []byte) (metadataRecord, error) {
	var r metadataRecord
	if len(b) < 8+1+1+1 {
		return r, errors.New("advance: truncated metadata record")
	}
	r.Supply = binary.LittleEndian.Uint64(b[0:8])
	r.Divisions = b[8]
	r.Reissuable = b[9] != 0
	off := 10
	r.HasAssociatedData = b[off] != 0
	off++
	if r.HasAssociatedData {
		if len(b) < off+34 {
			return r, errors.New("advance: truncated associated data")
		}
		copy(r.AssociatedData[:], b[off:off+34])
		off += 34
	}
	if len(b) < off+18 {
		return r, errors.New("advance: truncated outpoints")
	}
	copy(r.DivisionsOutpoint[:], b[off:off+9])
	copy(r.AssociatedDataOutpoint[:], b[off+9:off+18])
	return r, nil
}

func (e *Engine) putMetadata(assetID uint32, rec metadataRecord, txNum uint64) {
	e.Cache.Metadata.Put(metadataKey(assetID), rec.Encode())
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], assetID)
	e.Cache.Metadata.AppendUndo(append(idBytes[:], 0, 0)) // zero-length prior record: fresh mint
	e.appendMetadataHistory(assetID, txNum, rec.Encode())
}

func (e *Engine) getMetadata(ctx context.Context, assetID uint32) (metadataRecord, bool, error) {
	key := metadataKey(assetID)
	if raw, ok := e.Cache.Metadata.Puts[string(key)]; ok {
		rec, err := decodeMetadata(raw)
		return rec, true, err
	}
	raw, ok, err := e.Stores.Asset.Get(ctx, key)
	if err != nil || !ok {
		return metadataRecord{}, ok, err
	}
	rec, err := decodeMetadata(raw)
	return rec, true, err
}

func (e *Engine) appendMetadataHistory(assetID uint32, txNum uint64, payload []byte) {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], assetID)
	key := append(append([]byte(nil), store.PrefixMetadataHistory...), idBytes[:]...)
	outpoint := indexstate.EncodeOutpoint(0, txNum)
	key = append(key, outpoint[:]...)
	e.Cache.MetadataHistory.Put(key, payload)
	e.Cache.MetadataHistory.AppendUndo(key)
}

// currentValue resolves the live value at key for a "*Current" family,
// consulting the cache's still-unflushed puts before the backing store,
// the same order every other read in this engine uses.
func (e *Engine) currentValue(ctx context.Context, fam *cache.Family, backend store.Backend, key []byte) ([]byte, bool, error) {
	if raw, ok := fam.Puts[string(key)]; ok {
		return raw, true, nil
	}
	return backend.Get(ctx, key)
}

// priorValueUndo builds an undo record of idPart ++ hasPrior ++ prior so
// backup can restore the superseded current-table entry (or delete a fresh
// one) step 6's "with a prior-value undo entry".
func priorValueUndo(idPart []byte, prior []byte, hadPrior bool) []byte {
	undo := append([]byte(nil), idPart...)
	if hadPrior {
		undo = append(undo, 1)
		undo = append(undo, prior...)
	} else {
		undo = append(undo, 0)
	}
	return undo
}

// applyAddressTag records a qualifier tagging (or revoking) an address,
// step 2's null-address-tag template. The current table
// always tracks the latest outpoint; the set/clear flag only lands in the
// history row.
func (e *Engine) applyAddressTag(ctx context.Context, op *assets.AssetOp, script []byte, txNum uint64, txHash [32]byte, voutIdx int) error {
	f, err := assets.ParseNullOp(op.Blob)
	if err != nil || f.Name == "" {
		e.recordBadVout(txHash, voutIdx, script, "tag")
		return nil
	}
	assetID, err := e.lookupOrAddAssetID(ctx, f.Name)
	if err != nil {
		return err
	}
	h160, err := firstPush20(script)
	if err != nil {
		e.recordBadVout(txHash, voutIdx, script, "tag")
		return nil
	}
	h160ID, err := e.lookupOrAddH160ID(ctx, h160)
	if err != nil {
		return err
	}
	var assetIDBytes, h160IDBytes [4]byte
	binary.LittleEndian.PutUint32(assetIDBytes[:], assetID)
	binary.LittleEndian.PutUint32(h160IDBytes[:], h160ID)
	outpoint := indexstate.EncodeOutpoint(uint32(voutIdx), txNum)

	// The tag lives in both directions: qualifier-keyed and its
	// address-keyed mirror. Each direction gets
	// its own prior-value undo record, led by its prefix byte so backup can
	// rebuild the exact key.
	forward := append(append([]byte(nil), assetIDBytes[:]...), h160IDBytes[:]...)
	mirror := append(append([]byte(nil), h160IDBytes[:]...), assetIDBytes[:]...)
	for _, dir := range []struct {
		current, history []byte
		idPart           []byte
	}{
		{store.PrefixAssetTagCurrent, store.PrefixAssetTagHistory, forward},
		{store.PrefixH160TagCurrent, store.PrefixH160TagHistory, mirror},
	} {
		currentKey := append(append([]byte(nil), dir.current...), dir.idPart...)
		prior, hadPrior, err := e.currentValue(ctx, e.Cache.Tags, e.Stores.Asset, currentKey)
		if err != nil {
			return err
		}
		e.Cache.Tags.Put(currentKey, outpoint[:])
		undo := append(append([]byte(nil), dir.current...), priorValueUndo(dir.idPart, prior, hadPrior)...)
		e.Cache.Tags.AppendUndo(undo)

		histKey := append(append([]byte(nil), dir.history...), dir.idPart...)
		histKey = append(histKey, outpoint[:]...)
		e.Cache.TagHistory.Put(histKey, []byte{f.Flag})
		e.Cache.TagHistory.AppendUndo(histKey)
	}

	e.Cache.QualifierTouched[f.Name] = struct{}{}
	e.Cache.H160Touched[string(h160)] = struct{}{}
	return nil
}

// firstPush20 extracts the 20-byte address-hash push immediately following
// the OP_MEWC_ASSET opcode at the start of script (the null-address-tag
// template's second element).
func firstPush20(script []byte) ([]byte, error) {
	if len(script) < 1 || script[0] != assets.OpMewcAsset {
		return nil, errors.New("advance: script does not start with OP_MEWC_ASSET")
	}
	rest := script[1:]
	if len(rest) >= 21 && rest[0] == 0x14 {
		return rest[1:21], nil
	}
	return nil, errors.New("advance: no 20-byte push found")
}

// applyGlobalFreeze records a restricted asset's global freeze state, per
// step 2's null-global-restriction template.
func (e *Engine) applyGlobalFreeze(ctx context.Context, op *assets.AssetOp, txNum uint64, txHash [32]byte, voutIdx int) error {
	f, err := assets.ParseNullOp(op.Blob)
	if err != nil || f.Name == "" {
		e.recordBadVout(txHash, voutIdx, op.Blob, "freeze")
		return nil
	}
	assetID, err := e.lookupOrAddAssetID(ctx, f.Name)
	if err != nil {
		return err
	}
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], assetID)
	key := append(append([]byte(nil), store.PrefixFreezeCurrent...), idBytes[:]...)
	prior, hadPrior, err := e.currentValue(ctx, e.Cache.Freezes, e.Stores.Asset, key)
	if err != nil {
		return err
	}
	outpoint := indexstate.EncodeOutpoint(uint32(voutIdx), txNum)
	e.Cache.Freezes.Put(key, outpoint[:])
	e.Cache.Freezes.AppendUndo(priorValueUndo(idBytes[:], prior, hadPrior))

	histKey := append(append([]byte(nil), store.PrefixFreezeHistory...), idBytes[:]...)
	histKey = append(histKey, outpoint[:]...)
	e.Cache.FreezeHistory.Put(histKey, []byte{f.Flag})
	e.Cache.FreezeHistory.AppendUndo(histKey)

	e.Cache.FrozenTouched[f.Name] = struct{}{}
	return nil
}

// applyVerifier records a verifier-string assignment on restrictedName, and
// reconciles qualifier associations against the prior verifier string, per
// step 6.
func (e *Engine) applyVerifier(ctx context.Context, restrictedName string, op *assets.AssetOp, txNum uint64) error {
	restrictedID, err := e.lookupOrAddAssetID(ctx, restrictedName)
	if err != nil {
		return err
	}
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], restrictedID)

	oldVerifier, hadOld, err := e.getVerifierString(ctx, restrictedID)
	if err != nil {
		return err
	}

	newVerifier := string(op.Blob)
	key := append(append([]byte(nil), store.PrefixVerifierCurrent...), idBytes[:]...)
	prior, hadPrior, err := e.currentValue(ctx, e.Cache.Verifiers, e.Stores.Asset, key)
	if err != nil {
		return err
	}
	outpoint := indexstate.EncodeOutpoint(0, txNum)
	e.Cache.Verifiers.Put(key, outpoint[:])
	e.Cache.Verifiers.AppendUndo(priorValueUndo(idBytes[:], prior, hadPrior))

	histKey := append(append([]byte(nil), store.PrefixVerifierHistory...), idBytes[:]...)
	histKey = append(histKey, outpoint[:]...)
	e.Cache.VerifierHistory.Put(histKey, []byte(newVerifier))
	e.Cache.VerifierHistory.AppendUndo(histKey)

	oldQualifiers := qualifierNamesInVerifier(oldVerifier, hadOld)
	newQualifiers := qualifierNamesInVerifier(newVerifier, true)

	for q := range oldQualifiers {
		if _, stillPresent := newQualifiers[q]; !stillPresent {
			if err := e.setAssociation(ctx, q, restrictedName, txNum, false); err != nil {
				return err
			}
		}
	}
	for q := range newQualifiers {
		if _, wasPresent := oldQualifiers[q]; !wasPresent {
			if err := e.setAssociation(ctx, q, restrictedName, txNum, true); err != nil {
				return err
			}
		}
	}

	e.Cache.ValidatorTouched[restrictedName] = struct{}{}
	return nil
}

// getVerifierString resolves the current verifier string for restrictedID
// in two steps, cache before store at each step (mirroring getMetadata):
// first the "current" pointer (the outpoint of the most recent verifier
// history row), then the history row itself at that outpoint. Consulting
// only the on-disk store would miss a verifier change made earlier in the
// same unflushed batch (internal/engine.advanceBatch advances several
// blocks against one cache before a single flush), mis-reconciling qualifier
// associations for the second change.
func (e *Engine) getVerifierString(ctx context.Context, restrictedID uint32) (string, bool, error) {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], restrictedID)

	currentKey := append(append([]byte(nil), store.PrefixVerifierCurrent...), idBytes[:]...)
	outpoint, ok := e.Cache.Verifiers.Puts[string(currentKey)]
	if !ok {
		raw, stored, err := e.Stores.Asset.Get(ctx, currentKey)
		if err != nil {
			return "", false, err
		}
		if !stored {
			return "", false, nil
		}
		outpoint = raw
	}

	histKey := append(append([]byte(nil), store.PrefixVerifierHistory...), idBytes[:]...)
	histKey = append(histKey, outpoint...)
	if raw, ok := e.Cache.VerifierHistory.Puts[string(histKey)]; ok {
		return string(raw), true, nil
	}
	raw, stored, err := e.Stores.Asset.Get(ctx, histKey)
	if err != nil {
		return "", false, err
	}
	if !stored {
		return "", false, fmt.Errorf("advance: verifier history row missing for asset id %d", restrictedID)
	}
	return string(raw), true, nil
}

// qualifierNamesInVerifier extracts the qualifier names referenced by a
// boolean verifier expression. Qualifiers appear in verifier strings
// without their '#' prefix; the returned set carries the canonical
// '#'-prefixed names used everywhere else in the index. The literal
// "true" (an always-passing verifier) names no qualifier, and operators
// (AND/OR/NOT and parens) are not themselves qualifiers.
func qualifierNamesInVerifier(expr string, present bool) map[string]struct{} {
	out := make(map[string]struct{})
	if !present {
		return out
	}
	var cur []rune
	flush := func() {
		if len(cur) == 0 {
			return
		}
		tok := string(cur)
		cur = cur[:0]
		if tok == "true" || tok == "TRUE" {
			return
		}
		if tok[0] != '#' {
			tok = "#" + tok
		}
		out[tok] = struct{}{}
	}
	for _, r := range expr {
		switch r {
		case '&', '|', '!', '(', ')', ' ':
			flush()
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

func (e *Engine) setAssociation(ctx context.Context, qualifierName, restrictedName string, txNum uint64, added bool) error {
	qualifierID, err := e.lookupOrAddAssetID(ctx, qualifierName)
	if err != nil {
		return err
	}
	restrictedID, err := e.lookupOrAddAssetID(ctx, restrictedName)
	if err != nil {
		return err
	}
	var qID, rID [4]byte
	binary.LittleEndian.PutUint32(qID[:], qualifierID)
	binary.LittleEndian.PutUint32(rID[:], restrictedID)

	idPart := append(append([]byte(nil), qID[:]...), rID[:]...)
	key := append(append([]byte(nil), store.PrefixAssociationCurrent...), idPart...)
	prior, hadPrior, err := e.currentValue(ctx, e.Cache.Associations, e.Stores.Asset, key)
	if err != nil {
		return err
	}
	outpoint := indexstate.EncodeOutpoint(0, txNum)
	if added {
		e.Cache.Associations.Put(key, outpoint[:])
	} else {
		e.Cache.Associations.Revert(key)
	}
	e.Cache.Associations.AppendUndo(priorValueUndo(idPart, prior, hadPrior))

	histKey := append(append([]byte(nil), store.PrefixAssociationHistory...), idPart...)
	histKey = append(histKey, outpoint[:]...)
	flag := byte(0)
	if added {
		flag = 1
	}
	e.Cache.AssociationHistory.Put(histKey, []byte{flag})
	e.Cache.AssociationHistory.AppendUndo(histKey)

	e.Cache.QualifierAssociationTouched[qualifierName] = struct{}{}
	return nil
}
