// Package blockfile owns one prefetched raw-block file at a time: scoped
// acquisition, header parsing (including the auxpow fallback), and forward
// or reverse transaction streaming.
package blockfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mewc-labs/mewc-index/internal/txdecode"
	"github.com/mewc-labs/mewc-index/internal/wire"
	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// DefaultChunkSize is the forward/reverse streaming chunk size.
const DefaultChunkSize = 25_000_000

// headerPeekSize bounds how many bytes are read up front to attempt an
// auxpow-blob parse; real auxpow blobs stay well inside it.
const headerPeekSize = 50_000

// Handle owns one raw block file between Acquire and Release.
type Handle struct {
	Path      string
	HexHash   string
	Height    uint64
	Size      int64
	ChunkSize int

	f               *os.File
	header          txdecode.Header
	headerEndOffset int64
}

// Acquire opens path, parses the header, and positions the file for
// transaction streaming. If opening or header parsing fails, Acquire closes
// the file itself and returns a nil Handle; otherwise callers must call
// Release on every exit path.
func Acquire(path, hexHash string, height uint64, size int64, p coin.Params) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockfile: open %s: %w", path, err)
	}
	h := &Handle{
		Path:      path,
		HexHash:   hexHash,
		Height:    height,
		Size:      size,
		ChunkSize: DefaultChunkSize,
		f:         f,
	}
	if err := h.parseHeader(p); err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

// Release closes the underlying file. Safe to call multiple times.
func (h *Handle) Release() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// Header returns the parsed block header.
func (h *Handle) Header() txdecode.Header { return h.header }

// HeaderEndOffset returns the byte offset at which transactions begin.
func (h *Handle) HeaderEndOffset() int64 { return h.headerEndOffset }

// parseHeader implements the three-way header branch: below
// activation, read the static header length directly; at/above
// activation with the auxpow bit set, try the auxpow-blob parse and fall
// back to a direct 80-byte header on structural failure; otherwise read
// the basic 80-byte header directly.
func (h *Handle) parseHeader(p coin.Params) error {
	if !p.IsAuxPowActive(h.Height) {
		n := p.StaticHeaderLen(h.Height)
		buf := make([]byte, n)
		if _, err := readFull(h.f, buf); err != nil {
			return fmt.Errorf("blockfile: read static header: %w", err)
		}
		hdr, consumed, err := txdecode.DecodeHeader(buf, p, h.Height)
		if err != nil {
			return fmt.Errorf("blockfile: parse header: %w", err)
		}
		h.header = hdr
		h.headerEndOffset = int64(consumed)
		if _, err := h.f.Seek(h.headerEndOffset, 0); err != nil {
			return err
		}
		return nil
	}

	peekLen := headerPeekSize
	if int64(peekLen) > h.Size {
		peekLen = int(h.Size)
	}
	buf := make([]byte, peekLen)
	n, err := readFull(h.f, buf)
	if err != nil && n == 0 {
		return fmt.Errorf("blockfile: read header peek: %w", err)
	}
	buf = buf[:n]

	hdr, consumed, err := txdecode.DecodeHeader(buf, p, h.Height)
	if err != nil {
		// Reset and fall through to a direct 80-byte read.
		if _, serr := h.f.Seek(0, 0); serr != nil {
			return serr
		}
		direct := make([]byte, 80)
		if _, err2 := readFull(h.f, direct); err2 != nil {
			return fmt.Errorf("blockfile: direct header fallback: %w", err2)
		}
		hdr2, _, err3 := txdecode.DecodeHeader(direct, coin.Params{StaticHeaderBytes: 80, BasicHeaderBytes: 80}, 0)
		if err3 != nil {
			return err3
		}
		h.header = hdr2
		h.headerEndOffset = 80
		return nil
	}
	h.header = hdr
	h.headerEndOffset = int64(consumed)
	if _, err := h.f.Seek(h.headerEndOffset, 0); err != nil {
		return err
	}
	return nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("blockfile: unexpected EOF")
		}
	}
	return total, nil
}

// TxPair is one decoded transaction and its canonical hash.
type TxPair struct {
	Tx   *txdecode.Tx
	Hash [32]byte
}

// Forward streams the block's transactions in order, reading ChunkSize
// bytes at a time and re-filling on short read. ctx is checked between
// transactions so long blocks stay cancellable.
func (h *Handle) Forward(ctx context.Context, yield func(TxPair) error) error {
	r := bufio.NewReaderSize(h.f, h.ChunkSize)
	raw, err := readChunk(r, h.ChunkSize)
	if err != nil {
		return fmt.Errorf("blockfile: read tx-count chunk: %w", err)
	}
	txCount, consumed, err := readVarUintPrefix(raw)
	if err != nil {
		return fmt.Errorf("blockfile: read tx count: %w", err)
	}
	raw = raw[consumed:]

	count := uint64(0)
	for count < txCount {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, hash, n, err := txdecode.DecodeTx(raw)
		if err != nil {
			more, rerr := readChunk(r, h.ChunkSize)
			if rerr != nil && len(more) == 0 {
				return fmt.Errorf("blockfile: incomplete block data: %d transactions remaining: %w", txCount-count, rerr)
			}
			raw = append(raw, more...)
			continue
		}
		if err := yield(TxPair{Tx: tx, Hash: hash}); err != nil {
			return err
		}
		raw = raw[n:]
		count++
	}
	return nil
}

// Reverse streams the block's transactions in reverse order. It first
// walks forward to record transaction byte offsets, then replays offsets
// from the tail.
func (h *Handle) Reverse(ctx context.Context, yield func(TxPair) error) error {
	offsets, err := h.chunkOffsets()
	if err != nil {
		return err
	}
	for n := len(offsets) - 2; n >= 0; n-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := offsets[n]
		size := offsets[n+1] - offsets[n]
		buf := make([]byte, size)
		if _, err := h.f.ReadAt(buf, start); err != nil {
			return fmt.Errorf("blockfile: read at %d: %w", start, err)
		}
		pairs, err := decodeAllTxs(buf)
		if err != nil {
			return err
		}
		for i := len(pairs) - 1; i >= 0; i-- {
			if err := yield(pairs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeAllTxs(buf []byte) ([]TxPair, error) {
	var out []TxPair
	for len(buf) > 0 {
		tx, hash, n, err := txdecode.DecodeTx(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, TxPair{Tx: tx, Hash: hash})
		buf = buf[n:]
	}
	return out, nil
}

// chunkOffsets performs the dedicated forward pass recording chunk-group
// file offsets, needed before reverse iteration can begin.
func (h *Handle) chunkOffsets() ([]int64, error) {
	base := h.headerEndOffset
	if base < 80 {
		return nil, fmt.Errorf("blockfile: invalid base offset %d, must be at least 80", base)
	}
	if _, err := h.f.Seek(base, 0); err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(h.f, h.ChunkSize)
	raw, err := readChunk(r, h.ChunkSize)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("blockfile: no transaction data after header at offset %d", base)
	}
	txCount, consumed, err := readVarUintPrefix(raw)
	if err != nil {
		return nil, err
	}
	raw = raw[consumed:]
	base += int64(consumed)

	offsets := []int64{base}
	for txCount > 0 {
		count := uint64(0)
		var cursor int
		for {
			_, _, n, err := txdecode.DecodeTx(raw[cursor:])
			if err != nil {
				break
			}
			cursor += n
			count++
		}
		if count > 0 {
			base += int64(cursor)
			offsets = append(offsets, base)
		}
		txCount -= count
		if txCount == 0 {
			return offsets, nil
		}
		more, rerr := readChunk(r, h.ChunkSize)
		if rerr != nil && len(more) == 0 {
			return nil, fmt.Errorf("blockfile: incomplete block data: %d transactions remaining", txCount)
		}
		raw = append(raw[cursor:], more...)
	}
	return offsets, nil
}

func readChunk(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.Read(buf)
	if read == 0 {
		return nil, err
	}
	return buf[:read], nil
}

func readVarUintPrefix(b []byte) (uint64, int, error) {
	c := wire.NewCursor(b)
	v, err := c.ReadVarUint()
	if err != nil {
		return 0, 0, err
	}
	return v, c.Pos(), nil
}
