package prefetch

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mewc-labs/mewc-index/internal/blockfile"
	"github.com/mewc-labs/mewc-index/internal/daemonrpc"
)

func TestPrefetchManyDownloadsAndRecords(t *testing.T) {
	dir := t.TempDir()
	registry := blockfile.NewRegistry(dir)
	daemon := daemonrpc.NewFake(
		[]string{"aa", "bb"},
		map[string][]byte{"aa": []byte("block-aa"), "bb": []byte("block-bb-longer")},
	)
	p := New(daemon, registry, 2)

	ctx := context.Background()
	p.PrefetchMany(ctx, []HeightHash{{Height: 0, HexHash: "aa"}, {Height: 1, HexHash: "bb"}})

	height, size, path, err := p.Located(ctx, "bb")
	if err != nil {
		t.Fatalf("Located: %v", err)
	}
	if height != 1 {
		t.Fatalf("height = %d, want 1", height)
	}
	if size != int64(len("block-bb-longer")) {
		t.Fatalf("size = %d", size)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != "block-bb-longer" {
		t.Fatalf("downloaded content mismatch: %q, %v", raw, err)
	}

	if _, _, _, err := p.Located(ctx, "aa"); err != nil {
		t.Fatalf("Located aa: %v", err)
	}

	// No .tmp files may survive a successful download.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
}

func TestPrefetchSkipsBlocksAlreadyOnDisk(t *testing.T) {
	dir := t.TempDir()
	registry := blockfile.NewRegistry(dir)
	registry.Record("aa", 0, 3)
	if err := os.WriteFile(registry.FileName("aa", 0), []byte("old"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A daemon with no blocks at all: a re-download attempt would fail and
	// drop the entry, so the pre-seeded file surviving proves no task ran.
	daemon := daemonrpc.NewFake(nil, nil)
	p := New(daemon, registry, 1)
	p.PrefetchMany(context.Background(), []HeightHash{{Height: 0, HexHash: "aa"}})

	deadline := time.After(200 * time.Millisecond)
	for {
		p.mu.Lock()
		n := len(p.pending)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending download never drained")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, _, ok := registry.Lookup("aa"); !ok {
		t.Fatalf("expected the pre-recorded entry untouched")
	}
	raw, err := os.ReadFile(registry.FileName("aa", 0))
	if err != nil || string(raw) != "old" {
		t.Fatalf("expected the on-disk file untouched, got %q, %v", raw, err)
	}
}

func TestLocatedFailsForUnknownHash(t *testing.T) {
	registry := blockfile.NewRegistry(t.TempDir())
	p := New(daemonrpc.NewFake(nil, nil), registry, 1)
	if _, _, _, err := p.Located(context.Background(), "nope"); err == nil {
		t.Fatalf("expected an error for a hash that was never prefetched")
	}
}
