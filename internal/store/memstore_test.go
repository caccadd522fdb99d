package store

import (
	"context"
	"testing"
)

func TestMemBackendBatchAppliesDeletesBeforePuts(t *testing.T) {
	m := NewMemBackend()
	ctx := context.Background()

	b := m.NewBatch()
	b.Put([]byte("k"), []byte("v1"))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Delete and re-put the same key in one batch: the put must win, the
	// ordering flush.applyFamily relies on.
	b2 := m.NewBatch()
	b2.Delete([]byte("k"))
	b2.Put([]byte("k"), []byte("v2"))
	if err := b2.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	v, ok, err := m.Get(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if string(v) != "v2" {
		t.Fatalf("expected the put to win over the same-batch delete, got %q", v)
	}
}

func TestMemBackendForEachRespectsPrefix(t *testing.T) {
	m := NewMemBackend()
	b := m.NewBatch()
	b.Put([]byte("Ma"), []byte("1"))
	b.Put([]byte("Mb"), []byte("2"))
	b.Put([]byte("Xz"), []byte("3"))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var keys []string
	err := m.ForEach(context.Background(), []byte("M"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "Ma" || keys[1] != "Mb" {
		t.Fatalf("expected sorted M-prefixed keys, got %v", keys)
	}
}
