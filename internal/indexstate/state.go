// Package indexstate holds the single persisted IndexerState record and the
// outpoint/UTXO key encodings shared by the cache, advance, and backup
// packages.
package indexstate

import "encoding/binary"

// NullU32 is the sentinel asset id meaning "the chain's native coin".
const NullU32 uint32 = 0xFFFFFFFF

// NullTxNumBytes is the 5-byte sentinel tx-num value used in the same
// contexts as NullU32 (e.g. an unset freeze/verifier outpoint).
var NullTxNumBytes = [5]byte{0xff, 0xff, 0xff, 0xff, 0xff}

// HashXLen is the length, in bytes, of the address fingerprint used
// throughout the index.
const HashXLen = 11

// State is the single persisted record tracking indexer progress.
type State struct {
	// Height counts indexed blocks, so it is simultaneously the next
	// height to fetch; the tip block sits at Height-1. Counting (rather
	// than storing the tip height directly) keeps the empty chain
	// representable without a signed sentinel.
	Height      uint64
	Tip         [32]byte
	ChainSize   uint64
	UTXOCount   uint64
	TxCount     uint64
	AssetCount  uint32
	H160Count   uint32
	FirstSync   bool
}

// Copy returns a value copy of s, used to snapshot state before a
// mutation pass.
func (s State) Copy() State { return s }

// Encode serializes s to a fixed-width record.
func (s State) Encode() []byte {
	b := make([]byte, 0, 8+32+8+8+8+4+4+1)
	b = appendU64(b, s.Height)
	b = append(b, s.Tip[:]...)
	b = appendU64(b, s.ChainSize)
	b = appendU64(b, s.UTXOCount)
	b = appendU64(b, s.TxCount)
	b = appendU32(b, s.AssetCount)
	b = appendU32(b, s.H160Count)
	if s.FirstSync {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

// DecodeState parses a record produced by State.Encode.
func DecodeState(b []byte) (State, error) {
	const want = 8 + 32 + 8 + 8 + 8 + 4 + 4 + 1
	if len(b) != want {
		return State{}, errShortState
	}
	var s State
	off := 0
	s.Height, off = readU64(b, off)
	copy(s.Tip[:], b[off:off+32])
	off += 32
	s.ChainSize, off = readU64(b, off)
	s.UTXOCount, off = readU64(b, off)
	s.TxCount, off = readU64(b, off)
	s.AssetCount, off = readU32(b, off)
	s.H160Count, off = readU32(b, off)
	s.FirstSync = b[off] != 0
	return s, nil
}

var errShortState = stateErr("indexstate: short state record")

type stateErr string

func (e stateErr) Error() string { return string(e) }

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU64(b []byte, off int) (uint64, int) {
	return binary.LittleEndian.Uint64(b[off : off+8]), off + 8
}

func readU32(b []byte, off int) (uint32, int) {
	return binary.LittleEndian.Uint32(b[off : off+4]), off + 4
}

// OutpointKey encodes the 9-byte "outpoint" reference used pervasively as a
// provenance pointer: 4-byte vout index ∥ 5-byte tx num.
type OutpointKey [9]byte

// EncodeOutpoint builds an OutpointKey from a vout index and tx num.
func EncodeOutpoint(vout uint32, txNum uint64) OutpointKey {
	var k OutpointKey
	binary.LittleEndian.PutUint32(k[0:4], vout)
	putU40LE(k[4:9], txNum)
	return k
}

// Vout returns the output index portion of the outpoint.
func (k OutpointKey) Vout() uint32 { return binary.LittleEndian.Uint32(k[0:4]) }

// TxNum returns the transaction sequence number portion of the outpoint.
func (k OutpointKey) TxNum() uint64 { return readU40LE(k[4:9]) }

func putU40LE(dst []byte, v uint64) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
	dst[4] = byte(v >> 32)
}

func readU40LE(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 | uint64(b[4])<<32
}

// EncodeHashXUTXOKey builds the suffix of the address-keyed UTXO lookup
// row: hashX ∥ vout ∥ tx num. Callers prepend the store prefix.
func EncodeHashXUTXOKey(hashX [HashXLen]byte, vout uint32, txNum uint64) []byte {
	out := make([]byte, 0, HashXLen+9)
	out = append(out, hashX[:]...)
	op := EncodeOutpoint(vout, txNum)
	return append(out, op[:]...)
}

// EncodeHistoryKey builds the suffix of a history-index row: hashX ∥ tx
// num. Callers prepend the store prefix.
func EncodeHistoryKey(hashX [HashXLen]byte, txNum uint64) []byte {
	out := make([]byte, 0, HashXLen+5)
	out = append(out, hashX[:]...)
	var tn [5]byte
	putU40LE(tn[:], txNum)
	return append(out, tn[:]...)
}

// UTXOKey is the 36-byte key identifying one unspent output: tx hash ∥
// little-endian output index.
type UTXOKey [36]byte

// EncodeUTXOKey builds a UTXOKey.
func EncodeUTXOKey(txHash [32]byte, vout uint32) UTXOKey {
	var k UTXOKey
	copy(k[0:32], txHash[:])
	binary.LittleEndian.PutUint32(k[32:36], vout)
	return k
}

// UTXOValue is the 28-byte value stored per UTXO: HASHX ∥ TXNUM ∥ VALUE ∥
// ASSET_ID
type UTXOValue [HashXLen + 5 + 8 + 4]byte

// EncodeUTXOValue builds a UTXOValue.
func EncodeUTXOValue(hashX [HashXLen]byte, txNum uint64, value uint64, assetID uint32) UTXOValue {
	var v UTXOValue
	copy(v[0:HashXLen], hashX[:])
	putU40LE(v[HashXLen:HashXLen+5], txNum)
	binary.LittleEndian.PutUint64(v[HashXLen+5:HashXLen+13], value)
	binary.LittleEndian.PutUint32(v[HashXLen+13:HashXLen+17], assetID)
	return v
}

// HashX returns the address-fingerprint portion of the value.
func (v UTXOValue) HashX() [HashXLen]byte {
	var h [HashXLen]byte
	copy(h[:], v[0:HashXLen])
	return h
}

// TxNum returns the transaction-sequence-number portion of the value.
func (v UTXOValue) TxNum() uint64 { return readU40LE(v[HashXLen : HashXLen+5]) }

// Value returns the base-unit amount portion of the value.
func (v UTXOValue) Value() uint64 {
	return binary.LittleEndian.Uint64(v[HashXLen+5 : HashXLen+13])
}

// AssetID returns the asset-id portion of the value (NullU32 for the
// native coin).
func (v UTXOValue) AssetID() uint32 {
	return binary.LittleEndian.Uint32(v[HashXLen+13 : HashXLen+17])
}
