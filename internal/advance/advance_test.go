package advance

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/mewc-labs/mewc-index/internal/assets"
	"github.com/mewc-labs/mewc-index/internal/cache"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/store"
	"github.com/mewc-labs/mewc-index/internal/txdecode"
	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// memBackend is a minimal in-memory store.Backend used only by this
// package's tests.
type memBackend struct {
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (m *memBackend) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memBackend) ForEach(_ context.Context, prefix []byte, fn func(k, v []byte) error) error {
	for k, v := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *memBackend) NewBatch() store.Batch { return &memBatch{m: m} }
func (m *memBackend) Close() error          { return nil }

type memBatch struct {
	m       *memBackend
	puts    map[string][]byte
	deletes [][]byte
}

func (b *memBatch) Put(key, value []byte) {
	if b.puts == nil {
		b.puts = make(map[string][]byte)
	}
	b.puts[string(key)] = value
}
func (b *memBatch) Delete(key []byte) { b.deletes = append(b.deletes, key) }
func (b *memBatch) Commit() error {
	for _, k := range b.deletes {
		delete(b.m.data, string(k))
	}
	for k, v := range b.puts {
		b.m.data[k] = v
	}
	return nil
}

func newTestEngine() *Engine {
	return &Engine{
		Stores: &store.Stores{UTXO: newMemBackend(), Asset: newMemBackend(), SUID: newMemBackend()},
		Cache:  cache.New(),
		State:  indexstate.State{},
	}
}

func TestLookupOrAddAssetIDInternsOnce(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id1, err := e.lookupOrAddAssetID(ctx, "FOO")
	if err != nil {
		t.Fatalf("lookupOrAddAssetID: %v", err)
	}
	id2, err := e.lookupOrAddAssetID(ctx, "FOO")
	if err != nil {
		t.Fatalf("lookupOrAddAssetID (second): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected stable id, got %d then %d", id1, id2)
	}
	if e.State.AssetCount != 1 {
		t.Fatalf("expected AssetCount 1, got %d", e.State.AssetCount)
	}

	id3, err := e.lookupOrAddAssetID(ctx, "BAR")
	if err != nil {
		t.Fatalf("lookupOrAddAssetID (BAR): %v", err)
	}
	if id3 == id1 {
		t.Fatalf("expected distinct id for distinct name")
	}
	if e.State.AssetCount != 2 {
		t.Fatalf("expected AssetCount 2, got %d", e.State.AssetCount)
	}
}

func TestLookupOrAddAssetIDPersistedInStore(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, err := e.lookupOrAddAssetID(ctx, "FOO")
	if err != nil {
		t.Fatalf("lookupOrAddAssetID: %v", err)
	}

	// Simulate a flush: move the cache's pending puts into the backing
	// store and clear the cache, then confirm the id is still found.
	for k, v := range e.Cache.AssetID.Puts {
		batch := e.Stores.SUID.NewBatch()
		batch.Put([]byte(k), v)
		if err := batch.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	e.Cache.AssetID.Clear()

	id2, err := e.lookupOrAddAssetID(ctx, "FOO")
	if err != nil {
		t.Fatalf("lookupOrAddAssetID after flush: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected id %d to survive flush, got %d", id, id2)
	}
	if e.State.AssetCount != 1 {
		t.Fatalf("flushed lookup must not allocate a new id, AssetCount = %d", e.State.AssetCount)
	}
}

func TestSpendUTXOFromCache(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	var txHash [32]byte
	txHash[0] = 0xAB
	key := indexstate.EncodeUTXOKey(txHash, 2)
	val := indexstate.EncodeUTXOValue([11]byte{1, 2, 3}, 7, 5000, indexstate.NullU32)
	e.Cache.UTXO.Put(key[:], val[:])

	got, err := e.spendUTXO(ctx, txHash, 2)
	if err != nil {
		t.Fatalf("spendUTXO: %v", err)
	}
	if got.Value() != 5000 {
		t.Fatalf("expected value 5000, got %d", got.Value())
	}
	if _, stillPresent := e.Cache.UTXO.Puts[string(key[:])]; stillPresent {
		t.Fatalf("spent UTXO should be removed from cache puts")
	}
	if len(e.Cache.UTXO.Undos) != 1 {
		t.Fatalf("expected one undo record, got %d", len(e.Cache.UTXO.Undos))
	}
}

func TestSpendUTXOMissingIsChainError(t *testing.T) {
	e := newTestEngine()
	var txHash [32]byte
	_, err := e.spendUTXO(context.Background(), txHash, 0)
	if err == nil {
		t.Fatalf("expected an error spending a nonexistent UTXO")
	}
	if _, ok := err.(*ErrChain); !ok {
		t.Fatalf("expected *ErrChain, got %T", err)
	}
}

func TestFirstPush20(t *testing.T) {
	script := append([]byte{assets.OpMewcAsset, 0x14}, make([]byte, 20)...)
	h160, err := firstPush20(script)
	if err != nil {
		t.Fatalf("firstPush20: %v", err)
	}
	if len(h160) != 20 {
		t.Fatalf("expected 20 bytes, got %d", len(h160))
	}

	if _, err := firstPush20([]byte{0x76, 0xa9}); err == nil {
		t.Fatalf("expected error for script not starting with OP_MEWC_ASSET")
	}
}

func TestQualifierNamesInVerifier(t *testing.T) {
	got := qualifierNamesInVerifier("#KYC&(#AML|#ACCREDITED)", true)
	for _, want := range []string{"#KYC", "#AML", "#ACCREDITED"} {
		if _, ok := got[want]; !ok {
			t.Fatalf("expected %s in parsed qualifier set, got %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected exactly 3 qualifiers, got %d: %v", len(got), got)
	}

	if empty := qualifierNamesInVerifier("#KYC", false); len(empty) != 0 {
		t.Fatalf("present=false must yield empty set, got %v", empty)
	}
}

func TestQualifierNamesInVerifierBareTokensGetPrefixed(t *testing.T) {
	// Verifier strings reference qualifiers without their '#' prefix; the
	// extracted set must carry the canonical prefixed names.
	got := qualifierNamesInVerifier("KYC&!SANCTIONED", true)
	for _, want := range []string{"#KYC", "#SANCTIONED"} {
		if _, ok := got[want]; !ok {
			t.Fatalf("expected %s, got %v", want, got)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 qualifiers, got %v", got)
	}

	if got := qualifierNamesInVerifier("true", true); len(got) != 0 {
		t.Fatalf("the literal \"true\" names no qualifier, got %v", got)
	}
}

func TestApplyAddressTagRecordsPriorValueUndo(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	payload := []byte{byte(len("#QUAL"))}
	payload = append(payload, "#QUAL"...)
	payload = append(payload, 1) // set
	op := &assets.AssetOp{Type: assets.ScriptIssue, Blob: payload}
	script := append([]byte{assets.OpMewcAsset, 0x14}, make([]byte, 20)...)

	if err := e.applyAddressTag(ctx, op, script, 3, [32]byte{}, 0); err != nil {
		t.Fatalf("applyAddressTag (first): %v", err)
	}
	// One undo per direction: qualifier-keyed plus the address-keyed mirror.
	if len(e.Cache.Tags.Undos) != 2 {
		t.Fatalf("expected two tag undo records, got %d", len(e.Cache.Tags.Undos))
	}
	// First tagging: no prior value, record is prefix(1) ++ idPart(8) ++ 0.
	first := e.Cache.Tags.Undos[0]
	if len(first) != 10 || first[0] != store.PrefixAssetTagCurrent[0] || first[9] != 0 {
		t.Fatalf("expected fresh-tag undo prefix++idPart++0, got %x", first)
	}
	if mirror := e.Cache.Tags.Undos[1]; mirror[0] != store.PrefixH160TagCurrent[0] {
		t.Fatalf("expected address-keyed mirror undo, got %x", mirror)
	}

	if err := e.applyAddressTag(ctx, op, script, 9, [32]byte{}, 0); err != nil {
		t.Fatalf("applyAddressTag (second): %v", err)
	}
	// Re-tagging the same (qualifier, address): prior outpoint travels in
	// the undo record so backup can restore it.
	second := e.Cache.Tags.Undos[2]
	if len(second) != 10+9 || second[9] != 1 {
		t.Fatalf("expected prior-value undo prefix++idPart++1++outpoint, got %x", second)
	}
	prior := indexstate.OutpointKey{}
	copy(prior[:], second[10:])
	if prior.TxNum() != 3 {
		t.Fatalf("expected prior outpoint tx num 3, got %d", prior.TxNum())
	}

	if _, ok := e.Cache.QualifierTouched["#QUAL"]; !ok {
		t.Fatalf("expected #QUAL in QualifierTouched")
	}
	if len(e.Cache.TagHistory.Puts) != 4 {
		t.Fatalf("expected four tag history rows (both directions, both blocks), got %d", len(e.Cache.TagHistory.Puts))
	}
}

func TestApplyAssetOutputIssueThenReissue(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	issueBlob := buildIssueBlob(t, "MYASSET", 1000, 0, true, false)
	id, err := e.applyAssetOutput(ctx, &assets.AssetOp{Type: assets.ScriptIssue, Blob: issueBlob}, 0, nil, [32]byte{}, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	meta, ok, err := e.getMetadata(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected issued metadata present, ok=%v err=%v", ok, err)
	}
	if meta.Supply != 1000 {
		t.Fatalf("expected supply 1000, got %d", meta.Supply)
	}

	reissueBlob := buildReissueBlob(t, "MYASSET", 500, 0xFF, false)
	id2, err := e.applyAssetOutput(ctx, &assets.AssetOp{Type: assets.ScriptReissue, Blob: reissueBlob}, 1, nil, [32]byte{}, 0)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if id2 != id {
		t.Fatalf("reissue must resolve to the same asset id")
	}

	meta2, ok, err := e.getMetadata(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected reissued metadata present")
	}
	if meta2.Supply != 1500 {
		t.Fatalf("expected supply 1500 after reissue, got %d", meta2.Supply)
	}
	// One fresh-mint undo from the issue, one prior-record undo from the
	// reissue.
	if len(e.Cache.Metadata.Undos) != 2 {
		t.Fatalf("expected two metadata undo records, got %d", len(e.Cache.Metadata.Undos))
	}
	reissueUndo := e.Cache.Metadata.Undos[1]
	priorLen := int(reissueUndo[4]) | int(reissueUndo[5])<<8
	if priorLen == 0 {
		t.Fatalf("reissue undo must carry the prior metadata record")
	}
}

func TestApplyAssetOutputReissueNonReissuableFails(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	issueBlob := buildIssueBlob(t, "FIXED", 1000, 0, false, false)
	if _, err := e.applyAssetOutput(ctx, &assets.AssetOp{Type: assets.ScriptIssue, Blob: issueBlob}, 0, nil, [32]byte{}, 0); err != nil {
		t.Fatalf("issue: %v", err)
	}

	reissueBlob := buildReissueBlob(t, "FIXED", 100, 0xFF, false)
	if _, err := e.applyAssetOutput(ctx, &assets.AssetOp{Type: assets.ScriptReissue, Blob: reissueBlob}, 1, nil, [32]byte{}, 0); err != ErrNonReissuable {
		t.Fatalf("expected ErrNonReissuable, got %v", err)
	}
}

func buildIssueBlob(t *testing.T, name string, supply uint64, divisions byte, reissuable, hasAssoc bool) []byte {
	t.Helper()
	b := []byte{byte(len(name))}
	b = append(b, name...)
	b = appendU64(t, b, supply)
	b = append(b, divisions)
	if reissuable {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	if hasAssoc {
		b = append(b, 1)
		b = append(b, make([]byte, 34)...)
	} else {
		b = append(b, 0)
	}
	return b
}

func buildReissueBlob(t *testing.T, name string, supplyDelta uint64, divisions byte, hasAssoc bool) []byte {
	t.Helper()
	b := []byte{byte(len(name))}
	b = append(b, name...)
	b = appendU64(t, b, supplyDelta)
	b = append(b, divisions)
	if hasAssoc {
		b = append(b, 1)
		b = append(b, make([]byte, 34)...)
	} else {
		b = append(b, 0)
	}
	return b
}

// TestGetVerifierStringPrefersUnflushedCacheOverStore covers an unflushed
// multi-block batch (internal/engine.advanceBatch advances several blocks
// against one cache before a single flush): a second
// verifier change for the same restricted asset within the batch must see
// the first change's "old" verifier from cache, not a stale/missing read
// from disk.
func TestGetVerifierStringPrefersUnflushedCacheOverStore(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	const restrictedID = uint32(42)

	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], restrictedID)

	staleOutpoint := indexstate.EncodeOutpoint(0, 1)
	staleCurrentKey := append(append([]byte(nil), store.PrefixVerifierCurrent...), idBytes[:]...)
	staleHistKey := append(append([]byte(nil), store.PrefixVerifierHistory...), idBytes[:]...)
	staleHistKey = append(staleHistKey, staleOutpoint[:]...)
	b := e.Stores.Asset.NewBatch()
	b.Put(staleCurrentKey, staleOutpoint[:])
	b.Put(staleHistKey, []byte("old-on-disk"))
	if err := b.Commit(); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	freshOutpoint := indexstate.EncodeOutpoint(0, 2)
	freshCurrentKey := append(append([]byte(nil), store.PrefixVerifierCurrent...), idBytes[:]...)
	freshHistKey := append(append([]byte(nil), store.PrefixVerifierHistory...), idBytes[:]...)
	freshHistKey = append(freshHistKey, freshOutpoint[:]...)
	e.Cache.Verifiers.Put(freshCurrentKey, freshOutpoint[:])
	e.Cache.VerifierHistory.Put(freshHistKey, []byte("fresh-in-cache"))

	got, ok, err := e.getVerifierString(ctx, restrictedID)
	if err != nil {
		t.Fatalf("getVerifierString: %v", err)
	}
	if !ok {
		t.Fatalf("expected a verifier string to be found")
	}
	if got != "fresh-in-cache" {
		t.Fatalf("expected getVerifierString to prefer the unflushed cache entry, got %q", got)
	}
}

// TestApplyTxAppliesVerifierForTransferRestrictedOutput covers a
// transaction whose restricted-asset output is a transfer (script type
// 't'), not an issuance or reissuance. sawRestrictedOutput must still be
// set so the accompanying null-verifier output gets reconciled.
func TestApplyTxAppliesVerifierForTransferRestrictedOutput(t *testing.T) {
	e := newTestEngine()
	e.Params = coin.Params{HashX: func([]byte) [11]byte { return [11]byte{} }}
	ctx := context.Background()

	const restrictedName = "$RESTRICTED"

	verifierPayload := append([]byte("rvn"), 'q')
	verifierPayload = append(verifierPayload, []byte("true")...)
	verifierScript := []byte{assets.OpMewcAsset, assets.OpReserved}
	verifierScript = append(verifierScript, pushBytes(verifierPayload)...)

	transferBlob := append([]byte("rvn"), 't')
	transferBlob = append(transferBlob, byte(len(restrictedName)))
	transferBlob = append(transferBlob, restrictedName...)
	transferBlob = appendU64(t, transferBlob, 100)
	transferScript := []byte{0x76, 0xa9, 0x14}
	transferScript = append(transferScript, make([]byte, 20)...)
	transferScript = append(transferScript, 0x88, 0xac, assets.OpMewcAsset)
	transferScript = append(transferScript, pushBytes(transferBlob)...)

	tx := &txdecode.Tx{
		Outputs: []txdecode.TxOut{
			{Value: 0, Script: verifierScript},
			{Value: 1000, Script: transferScript},
		},
	}

	if err := e.applyTx(ctx, tx, [32]byte{1}, 0, func([]byte) bool { return false }); err != nil {
		t.Fatalf("applyTx: %v", err)
	}

	if _, ok := e.Cache.ValidatorTouched[restrictedName]; !ok {
		t.Fatalf("expected %q in ValidatorTouched: a transfer-type restricted output must still trigger applyVerifier", restrictedName)
	}
}

// TestApplyTxMalformedScriptHashedAsIs covers an output whose OP_PUSHDATA
// claims more bytes than the script holds: block processing must not
// abort, and the output still gets a UTXO entry with the native-coin
// sentinel asset id.
func TestApplyTxMalformedScriptHashedAsIs(t *testing.T) {
	e := newTestEngine()
	e.Params = coin.Params{HashX: func([]byte) [11]byte { return [11]byte{7} }}

	// OP_MEWC_ASSET then OP_PUSHDATA1 claiming 200 bytes with only 2
	// present.
	bad := []byte{assets.OpMewcAsset, 0x4c, 200, 0xde, 0xad}
	tx := &txdecode.Tx{Outputs: []txdecode.TxOut{{Value: 1234, Script: bad}}}

	txHash := [32]byte{9}
	if err := e.applyTx(context.Background(), tx, txHash, 0, func([]byte) bool { return false }); err != nil {
		t.Fatalf("applyTx must tolerate a malformed script: %v", err)
	}

	key := indexstate.EncodeUTXOKey(txHash, 0)
	raw, ok := e.Cache.UTXO.Puts[string(key[:])]
	if !ok {
		t.Fatalf("expected a UTXO entry for the malformed output")
	}
	var val indexstate.UTXOValue
	copy(val[:], raw)
	if val.AssetID() != indexstate.NullU32 {
		t.Fatalf("malformed output must carry the native-coin asset id, got %x", val.AssetID())
	}
	if val.Value() != 1234 {
		t.Fatalf("value mismatch: %d", val.Value())
	}
}

// TestApplyTxBroadcastIsPerHashXAndKeyedByRealVout drives a multi-input,
// multi-address, multi-asset transaction through applyTx: address A's
// input consumed the broadcast-eligible asset, address B's input consumed
// a different one. Only A's transfer output (at a non-zero vout) may emit
// a broadcast, and the persisted key must carry that output's real vout.
func TestApplyTxBroadcastIsPerHashXAndKeyedByRealVout(t *testing.T) {
	e := newTestEngine()
	// hashX is the leading 11 bytes of the script, so each address is
	// pinned by its script prefix.
	e.Params = coin.Params{HashX: func(script []byte) [11]byte {
		var out [11]byte
		copy(out[:], script)
		return out
	}}
	ctx := context.Background()

	const msgName = "MSGCHAN!"
	msgID, err := e.lookupOrAddAssetID(ctx, msgName)
	if err != nil {
		t.Fatalf("intern %s: %v", msgName, err)
	}
	otherID, err := e.lookupOrAddAssetID(ctx, "OTHER")
	if err != nil {
		t.Fatalf("intern OTHER: %v", err)
	}

	prefixA := bytesRepeat(0xAA, 12)
	prefixB := bytesRepeat(0xBB, 12)
	hashXA := e.Params.HashX(prefixA)
	hashXB := e.Params.HashX(prefixB)

	// Address A's input carries the eligible asset, address B's a
	// different one.
	var prevA, prevB [32]byte
	prevA[0], prevB[0] = 1, 2
	keyA := indexstate.EncodeUTXOKey(prevA, 0)
	valA := indexstate.EncodeUTXOValue(hashXA, 1, 100, msgID)
	e.Cache.UTXO.Put(keyA[:], valA[:])
	keyB := indexstate.EncodeUTXOKey(prevB, 0)
	valB := indexstate.EncodeUTXOValue(hashXB, 2, 100, otherID)
	e.Cache.UTXO.Put(keyB[:], valB[:])

	blob := append([]byte("rvn"), 't')
	blob = append(blob, byte(len(msgName)))
	blob = append(blob, msgName...)
	blob = appendU64(t, blob, 50)
	var data [34]byte
	data[0] = 0xD0
	blob = append(blob, data[:]...)
	blob = appendU64(t, blob, 1234) // expiry

	transferTo := func(prefix []byte) []byte {
		script := append([]byte(nil), prefix...)
		script = append(script, assets.OpMewcAsset)
		return append(script, pushBytes(blob)...)
	}

	tx := &txdecode.Tx{
		Inputs: []txdecode.TxIn{
			{PrevHash: prevA, PrevIdx: 0, Sequence: 0xFFFFFFFF},
			{PrevHash: prevB, PrevIdx: 0, Sequence: 0xFFFFFFFF},
		},
		Outputs: []txdecode.TxOut{
			{Value: 0, Script: append([]byte(nil), prefixA...)}, // plain change
			{Value: 50, Script: transferTo(prefixA)},
			{Value: 50, Script: transferTo(prefixB)},
		},
	}

	const txNum = uint64(5)
	if err := e.applyTx(ctx, tx, [32]byte{9}, txNum, func([]byte) bool { return false }); err != nil {
		t.Fatalf("applyTx: %v", err)
	}

	// Only address A consumed MSGCHAN!, so only its output (vout 1) emits.
	if len(e.Cache.Broadcasts.Puts) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(e.Cache.Broadcasts.Puts))
	}
	wantOutpoint := indexstate.EncodeOutpoint(1, txNum)
	wantKey := append(append([]byte(nil), store.PrefixBroadcast...), msgName...)
	wantKey = append(wantKey, wantOutpoint[:]...)
	payload, ok := e.Cache.Broadcasts.Puts[string(wantKey)]
	if !ok {
		t.Fatalf("broadcast not keyed by the real outpoint (vout 1); keys: %x", broadcastKeys(e.Cache.Broadcasts.Puts))
	}
	if payload[0] != 0xD0 {
		t.Fatalf("broadcast payload mismatch: %x", payload)
	}

	if len(e.Cache.Broadcasts.Undos) != 1 {
		t.Fatalf("expected one broadcast undo record, got %d", len(e.Cache.Broadcasts.Undos))
	}
	undo := e.Cache.Broadcasts.Undos[0]
	if binary.LittleEndian.Uint32(undo[0:4]) != msgID {
		t.Fatalf("undo asset id mismatch: %x", undo)
	}
	var undoOutpoint indexstate.OutpointKey
	copy(undoOutpoint[:], undo[4:])
	if undoOutpoint.Vout() != 1 || undoOutpoint.TxNum() != txNum {
		t.Fatalf("undo outpoint mismatch: vout=%d txnum=%d", undoOutpoint.Vout(), undoOutpoint.TxNum())
	}

	if _, touched := e.Cache.BroadcastTouched[msgName]; !touched {
		t.Fatalf("expected %q in BroadcastTouched", msgName)
	}
}

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func broadcastKeys(puts map[string][]byte) [][]byte {
	var out [][]byte
	for k := range puts {
		out = append(out, []byte(k))
	}
	return out
}

func pushBytes(b []byte) []byte {
	return append([]byte{byte(len(b))}, b...)
}

func appendU64(t *testing.T, b []byte, v uint64) []byte {
	t.Helper()
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	return append(b, tmp[:]...)
}
