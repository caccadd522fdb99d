package cache

import "testing"

func TestEmptyAndClear(t *testing.T) {
	c := New()
	if !c.Empty() {
		t.Fatalf("a fresh cache must be empty")
	}

	c.UTXO.Put([]byte("k"), []byte("v"))
	c.Broadcasts.Put([]byte("b"), []byte("v"))
	c.TouchedHashX["h"] = struct{}{}
	if c.Empty() {
		t.Fatalf("cache with pending puts must not report empty")
	}

	c.Clear()
	if !c.Empty() {
		t.Fatalf("Clear must leave the cache empty")
	}
	if len(c.TouchedHashX) != 0 {
		t.Fatalf("Clear must reset touched sets")
	}
}

func TestRevertDiscardsStagedOrStagesDelete(t *testing.T) {
	c := New()
	c.Tags.Put([]byte("staged"), []byte("v"))

	c.Tags.Revert([]byte("staged"))
	if _, ok := c.Tags.Puts["staged"]; ok {
		t.Fatalf("staged put should be discarded")
	}
	if len(c.Tags.Deletes) != 0 {
		t.Fatalf("no delete should be staged for a discarded put")
	}

	c.Tags.Revert([]byte("flushed"))
	if len(c.Tags.Deletes) != 1 {
		t.Fatalf("an unstaged key must get an explicit delete")
	}
}

func TestClearUndosKeepsPuts(t *testing.T) {
	c := New()
	c.UTXO.Put([]byte("k"), []byte("v"))
	c.UTXO.AppendUndo([]byte("u"))
	c.Broadcasts.AppendUndo([]byte("b"))

	c.ClearUndos()
	if len(c.UTXO.Undos) != 0 || len(c.Broadcasts.Undos) != 0 {
		t.Fatalf("ClearUndos must drop every family's undo records")
	}
	if _, ok := c.UTXO.Puts["k"]; !ok {
		t.Fatalf("ClearUndos must leave staged puts in place")
	}
}

func TestEstimateMBUsesPerEntryConstants(t *testing.T) {
	c := New()
	// 10_000 UTXO entries at ~213 bytes each is ~2 MB.
	for i := 0; i < 10_000; i++ {
		key := []byte{byte(i), byte(i >> 8), 0}
		c.UTXO.Put(append(key, 'u'), []byte("v"))
	}
	utxoMB, assetMB := c.EstimateMB()
	if utxoMB != 2 {
		t.Fatalf("expected ~2 MB of UTXO estimate, got %d", utxoMB)
	}
	if assetMB != 0 {
		t.Fatalf("expected no asset-side estimate, got %d", assetMB)
	}

	for i := 0; i < 10_000; i++ {
		key := []byte{byte(i), byte(i >> 8), 1}
		c.TagHistory.Put(append(key, 't'), []byte{1})
	}
	if hist := c.EstimateHistMB(); hist == 0 {
		t.Fatalf("expected a nonzero history estimate")
	}
}

func TestClearTouchedLeavesMutationsAlone(t *testing.T) {
	c := New()
	c.UTXO.Put([]byte("k"), []byte("v"))
	c.AssetTouched["FOO"] = struct{}{}
	c.QualifierAssociationTouched["#Q"] = struct{}{}

	c.ClearTouched()
	if len(c.AssetTouched) != 0 || len(c.QualifierAssociationTouched) != 0 {
		t.Fatalf("ClearTouched must reset the notification sets")
	}
	if _, ok := c.UTXO.Puts["k"]; !ok {
		t.Fatalf("ClearTouched must not drop pending mutations")
	}
}
