package backup

import (
	"context"
	"testing"

	"github.com/mewc-labs/mewc-index/internal/cache"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/store"
)

// emptyBackend is a store.Backend that never has anything. No test in this
// file uses it; TestReadUndoContextCancelled passes nil stores instead.
type emptyBackend struct{}

func (emptyBackend) Get(context.Context, []byte) ([]byte, bool, error) { return nil, false, nil }
func (emptyBackend) ForEach(context.Context, []byte, func([]byte, []byte) error) error {
	return nil
}
func (emptyBackend) NewBatch() store.Batch { return nil }
func (emptyBackend) Close() error          { return nil }

func TestUnwindAssetIDsContiguous(t *testing.T) {
	e := &Engine{Cache: cache.New(), State: indexstate.State{AssetCount: 3}}

	rec := append(encodeU32(2), "FOO"...)
	if err := e.unwindAssetIDs([][]byte{rec}); err != nil {
		t.Fatalf("unwindAssetIDs: %v", err)
	}
	if e.State.AssetCount != 2 {
		t.Fatalf("expected AssetCount 2, got %d", e.State.AssetCount)
	}
}

func TestUnwindAssetIDsNonContiguousFails(t *testing.T) {
	e := &Engine{Cache: cache.New(), State: indexstate.State{AssetCount: 5}}

	// id 2 is not the top of the allocated range (4 is), so this must fail.
	rec := append(encodeU32(2), "FOO"...)
	if err := e.unwindAssetIDs([][]byte{rec}); err != ErrNonContiguousAssetIDs {
		t.Fatalf("expected ErrNonContiguousAssetIDs, got %v", err)
	}
}

func TestFamilyRevertDiscardsStagedPutInsteadOfDeleting(t *testing.T) {
	f := cache.New().AssetID
	f.Put([]byte("k"), []byte("v"))
	f.Revert([]byte("k"))

	if _, ok := f.Puts["k"]; ok {
		t.Fatalf("expected staged put to be discarded")
	}
	if len(f.Deletes) != 0 {
		t.Fatalf("expected no explicit delete when the put was only staged, got %d", len(f.Deletes))
	}
}

func TestFamilyRevertDeletesAlreadyFlushedEntry(t *testing.T) {
	f := cache.New().AssetID
	f.Revert([]byte("k"))

	if len(f.Deletes) != 1 {
		t.Fatalf("expected one explicit delete for an entry not staged in Puts, got %d", len(f.Deletes))
	}
}

func TestReadUndoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadUndo(ctx, nil, 0, func(b []byte) (UndoRecord, error) { return UndoRecord{}, nil })
	if err == nil {
		t.Fatalf("expected an error when stores is nil and context is already cancelled")
	}
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestUnwindCurrentRestoresPriorValue(t *testing.T) {
	c := cache.New()
	assetID := uint32(4)
	name := "$RSTR"

	idToAssetKey := append(append([]byte(nil), store.PrefixIDToAsset...), encodeU32(assetID)...)
	c.AssetID.Puts[string(idToAssetKey)] = []byte(name)

	prior := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9}
	key := append(append([]byte(nil), store.PrefixFreezeCurrent...), encodeU32(assetID)...)
	c.Freezes.Put(key, []byte("new-outpoint"))

	undo := append(encodeU32(assetID), 1)
	undo = append(undo, prior...)

	e := &Engine{Cache: c}
	if err := e.unwindCurrent(context.Background(), c.Freezes, store.PrefixFreezeCurrent, 4, [][]byte{undo}, c.FrozenTouched); err != nil {
		t.Fatalf("unwindCurrent: %v", err)
	}

	got, ok := c.Freezes.Puts[string(key)]
	if !ok {
		t.Fatalf("expected the prior freeze outpoint restored")
	}
	if string(got) != string(prior) {
		t.Fatalf("restored %x, want %x", got, prior)
	}
	if _, touched := c.FrozenTouched[name]; !touched {
		t.Fatalf("expected %q in FrozenTouched after unwinding its freeze", name)
	}
}

func TestUnwindCurrentDeletesFreshEntry(t *testing.T) {
	c := cache.New()
	assetID := uint32(6)
	idToAssetKey := append(append([]byte(nil), store.PrefixIDToAsset...), encodeU32(assetID)...)
	c.AssetID.Puts[string(idToAssetKey)] = []byte("#Q")

	key := append(append([]byte(nil), store.PrefixFreezeCurrent...), encodeU32(assetID)...)
	c.Freezes.Put(key, []byte("fresh"))

	undo := append(encodeU32(assetID), 0) // no prior value

	e := &Engine{Cache: c}
	if err := e.unwindCurrent(context.Background(), c.Freezes, store.PrefixFreezeCurrent, 4, [][]byte{undo}, c.FrozenTouched); err != nil {
		t.Fatalf("unwindCurrent: %v", err)
	}
	if _, ok := c.Freezes.Puts[string(key)]; ok {
		t.Fatalf("expected the fresh freeze entry discarded")
	}
	if len(c.Freezes.Deletes) != 0 {
		t.Fatalf("a still-staged entry must be discarded, not deleted, got %d deletes", len(c.Freezes.Deletes))
	}
}

func TestUnwindBroadcastsDiscardsStagedPut(t *testing.T) {
	c := cache.New()
	assetID := uint32(7)
	name := "FOO!"

	idToAssetKey := append(append([]byte(nil), store.PrefixIDToAsset...), encodeU32(assetID)...)
	c.AssetID.Puts[string(idToAssetKey)] = []byte(name)

	outpoint := make([]byte, 9) // vout=0, txnum=5
	outpoint[4] = 5
	broadcastKey := append(append([]byte(nil), store.PrefixBroadcast...), name...)
	broadcastKey = append(broadcastKey, outpoint...)
	c.Broadcasts.Put(broadcastKey, []byte("payload"))

	undo := append(append([]byte(nil), encodeU32(assetID)...), outpoint...)
	c.Broadcasts.AppendUndo(undo)

	e := &Engine{Cache: c}
	if err := e.unwindBroadcasts(context.Background(), c.Broadcasts.Undos); err != nil {
		t.Fatalf("unwindBroadcasts: %v", err)
	}

	if _, ok := c.Broadcasts.Puts[string(broadcastKey)]; ok {
		t.Fatalf("expected staged broadcast put to be discarded")
	}
	if len(c.Broadcasts.Deletes) != 0 {
		t.Fatalf("expected no explicit delete for a still-unflushed broadcast, got %d", len(c.Broadcasts.Deletes))
	}
	if _, touched := c.BroadcastTouched[name]; !touched {
		t.Fatalf("expected %q in BroadcastTouched after unwinding its broadcast", name)
	}
}

func TestUnwindBroadcastsDeletesAlreadyFlushedEntry(t *testing.T) {
	c := cache.New()
	assetID := uint32(9)
	name := "BAR~"

	idToAssetKey := append(append([]byte(nil), store.PrefixIDToAsset...), encodeU32(assetID)...)
	c.AssetID.Puts[string(idToAssetKey)] = []byte(name)

	outpoint := make([]byte, 9)
	outpoint[4] = 2
	broadcastKey := append(append([]byte(nil), store.PrefixBroadcast...), name...)
	broadcastKey = append(broadcastKey, outpoint...)
	// Not staged in Puts: simulates a broadcast already flushed to disk in
	// an earlier batch.

	undo := append(append([]byte(nil), encodeU32(assetID)...), outpoint...)

	e := &Engine{Cache: c}
	if err := e.unwindBroadcasts(context.Background(), [][]byte{undo}); err != nil {
		t.Fatalf("unwindBroadcasts: %v", err)
	}

	if len(c.Broadcasts.Deletes) != 1 {
		t.Fatalf("expected one explicit delete, got %d", len(c.Broadcasts.Deletes))
	}
	if string(c.Broadcasts.Deletes[0]) != string(broadcastKey) {
		t.Fatalf("expected delete key %x, got %x", broadcastKey, c.Broadcasts.Deletes[0])
	}
}
