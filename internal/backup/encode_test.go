package backup

import (
	"bytes"
	"testing"
)

func TestUndoRecordRoundTrip(t *testing.T) {
	want := UndoRecord{
		UTXO:       [][]byte{{1, 2, 3}, {}, {9}},
		AssetIDs:   [][]byte{{0, 0, 0, 1, 'A', 'B'}},
		Metadata:   [][]byte{{0, 0, 0, 2, 0, 0}},
		Broadcasts: [][]byte{{0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0, 7}},
	}
	got, err := DecodeUndoRecord(want.Encode())
	if err != nil {
		t.Fatalf("DecodeUndoRecord: %v", err)
	}
	if len(got.UTXO) != len(want.UTXO) {
		t.Fatalf("UTXO len mismatch: got %d want %d", len(got.UTXO), len(want.UTXO))
	}
	for i := range want.UTXO {
		if !bytes.Equal(got.UTXO[i], want.UTXO[i]) {
			t.Fatalf("UTXO[%d] mismatch: got %x want %x", i, got.UTXO[i], want.UTXO[i])
		}
	}
	if len(got.AssetIDs) != 1 || !bytes.Equal(got.AssetIDs[0], want.AssetIDs[0]) {
		t.Fatalf("AssetIDs mismatch: %v", got.AssetIDs)
	}
	if len(got.Metadata) != 1 || !bytes.Equal(got.Metadata[0], want.Metadata[0]) {
		t.Fatalf("Metadata mismatch: %v", got.Metadata)
	}
	if len(got.Broadcasts) != 1 || !bytes.Equal(got.Broadcasts[0], want.Broadcasts[0]) {
		t.Fatalf("Broadcasts mismatch: %v", got.Broadcasts)
	}
	if len(got.H160IDs) != 0 || len(got.Tags) != 0 {
		t.Fatalf("expected untouched families to decode empty, got H160IDs=%v Tags=%v", got.H160IDs, got.Tags)
	}
}

func TestDecodeUndoRecordRejectsTruncated(t *testing.T) {
	if _, err := DecodeUndoRecord([]byte{0xff}); err == nil {
		t.Fatalf("expected an error decoding a truncated buffer")
	}
}
