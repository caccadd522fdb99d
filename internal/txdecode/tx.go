// Package txdecode parses the wire-format transactions and block headers
// the advance/backup engines walk. It knows nothing about persistence; it
// only turns bytes into structured values.
package txdecode

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/mewc-labs/mewc-index/internal/wire"
	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// ErrMalformedBlock is returned when a block's announced transaction count
// cannot be satisfied by the bytes that follow.
var ErrMalformedBlock = errors.New("txdecode: malformed block")

// TxIn is one transaction input.
type TxIn struct {
	PrevHash [32]byte
	PrevIdx  uint32
	Script   []byte
	Sequence uint32
}

// IsGeneration reports whether this input is a coinbase/generation input:
// an all-zero previous hash and a previous index of 0xFFFFFFFF.
func (in TxIn) IsGeneration() bool {
	if in.PrevIdx != 0xFFFFFFFF {
		return false
	}
	for _, b := range in.PrevHash {
		if b != 0 {
			return false
		}
	}
	return true
}

// TxOut is one transaction output.
type TxOut struct {
	Value  uint64
	Script []byte
}

// WitnessItem is one push in a single input's witness stack.
type WitnessItem []byte

// Tx is a fully parsed transaction.
type Tx struct {
	Version  uint32
	Inputs   []TxIn
	Outputs  []TxOut
	Witness  [][]WitnessItem // nil when no witness marker was present
	LockTime uint32

	// NonWitnessRange is the byte span, within the buffer Tx was decoded
	// from, that the canonical (non-witness) hash is computed over.
	NonWitnessStart int
	NonWitnessEnd   int
}

// DecodeTx parses one transaction from b starting at offset 0 and returns
// the parsed value, its canonical hash (double-SHA256 over the non-witness
// serialization), and the number of bytes consumed.
func DecodeTx(b []byte) (*Tx, [32]byte, int, error) {
	c := wire.NewCursor(b)
	tx := &Tx{}

	version, err := c.ReadU32LE()
	if err != nil {
		return nil, [32]byte{}, 0, err
	}
	tx.Version = version

	hasWitness := false
	firstCount, err := c.ReadVarUint()
	if err != nil {
		return nil, [32]byte{}, 0, err
	}
	if firstCount == 0 {
		// Possible segwit marker: 0x00 marker byte followed by a flag byte.
		flag, err := c.ReadU8()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		if flag == 0 {
			return nil, [32]byte{}, 0, ErrMalformedBlock
		}
		hasWitness = true
		firstCount, err = c.ReadVarUint()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
	}

	inputs := make([]TxIn, 0, firstCount)
	for i := uint64(0); i < firstCount; i++ {
		var in TxIn
		prevHash, err := c.ReadBytes(32)
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		copy(in.PrevHash[:], prevHash)
		in.PrevIdx, err = c.ReadU32LE()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		in.Script, err = c.ReadVarBytes()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		in.Sequence, err = c.ReadU32LE()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		inputs = append(inputs, in)
	}
	tx.Inputs = inputs

	outCount, err := c.ReadVarUint()
	if err != nil {
		return nil, [32]byte{}, 0, err
	}
	outputs := make([]TxOut, 0, outCount)
	for i := uint64(0); i < outCount; i++ {
		var out TxOut
		out.Value, err = c.ReadU64LE()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		out.Script, err = c.ReadVarBytes()
		if err != nil {
			return nil, [32]byte{}, 0, err
		}
		outputs = append(outputs, out)
	}
	tx.Outputs = outputs

	nonWitnessEnd := c.Pos()

	if hasWitness {
		witness := make([][]WitnessItem, len(inputs))
		for i := range inputs {
			itemCount, err := c.ReadVarUint()
			if err != nil {
				return nil, [32]byte{}, 0, err
			}
			items := make([]WitnessItem, 0, itemCount)
			for j := uint64(0); j < itemCount; j++ {
				item, err := c.ReadVarBytes()
				if err != nil {
					return nil, [32]byte{}, 0, err
				}
				items = append(items, item)
			}
			witness[i] = items
		}
		tx.Witness = witness
	}

	lockTime, err := c.ReadU32LE()
	if err != nil {
		return nil, [32]byte{}, 0, err
	}
	tx.LockTime = lockTime

	tx.NonWitnessStart = 0
	tx.NonWitnessEnd = nonWitnessEnd

	hash := hashNonWitness(b, tx, lockTime)
	return tx, hash, c.Pos(), nil
}

// hashNonWitness computes the canonical double-SHA256 transaction hash over
// the non-witness serialization (version, inputs, outputs, locktime),
// skipping any witness marker/flag and witness data entirely.
func hashNonWitness(raw []byte, tx *Tx, lockTime uint32) [32]byte {
	buf := make([]byte, 0, tx.NonWitnessEnd+4)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], tx.Version)
	buf = append(buf, v[:]...)
	buf = wire.PutVarUint(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevHash[:]...)
		buf = wire.PutU32LE(buf, in.PrevIdx)
		buf = wire.PutVarUint(buf, uint64(len(in.Script)))
		buf = append(buf, in.Script...)
		buf = wire.PutU32LE(buf, in.Sequence)
	}
	buf = wire.PutVarUint(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = wire.PutU64LE(buf, out.Value)
		buf = wire.PutVarUint(buf, uint64(len(out.Script)))
		buf = append(buf, out.Script...)
	}
	buf = wire.PutU32LE(buf, lockTime)

	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}

// Header is a parsed block header. Only the 80 basic bytes are retained
// even for auxpow-extended blocks; the auxpow blob is skipped but not kept.
type Header struct {
	Raw       [80]byte
	Version   uint32
	PrevHash  [32]byte
	MerkleRoot [32]byte
	Timestamp uint32
	Bits      uint32
	Nonce     uint32
}

// HeaderHash returns the double-SHA256 of the raw 80-byte header.
func (h Header) HeaderHash() [32]byte {
	first := sha256.Sum256(h.Raw[:])
	return sha256.Sum256(first[:])
}

func parseBasicHeader(b []byte) (Header, error) {
	if len(b) < 80 {
		return Header{}, wire.ErrTruncatedInput
	}
	var h Header
	copy(h.Raw[:], b[:80])
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Timestamp = binary.LittleEndian.Uint32(b[68:72])
	h.Bits = binary.LittleEndian.Uint32(b[72:76])
	h.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return h, nil
}

// DecodeHeader parses a block header at the front of b. It returns the
// basic 80-byte header plus the number of bytes consumed (80 for a
// direct-mined block, more for an auxpow-extended one).
//
// Three shapes are tried in order:
//  1. Below coin.AuxPowActivationHeight: the pre-activation static header
//     length is consumed and only the first 80 bytes are kept as Header.
//  2. At or above activation, if the version word's auxpow bit is set: the
//     auxpow blob is parsed and skipped.
//  3. If (2) fails structurally, fall back to a direct 80-byte header.
func DecodeHeader(b []byte, p coin.Params, height uint64) (Header, int, error) {
	if !p.IsAuxPowActive(height) {
		n := p.StaticHeaderLen(height)
		if len(b) < n {
			return Header{}, 0, wire.ErrTruncatedInput
		}
		h, err := parseBasicHeader(b)
		if err != nil {
			return Header{}, 0, err
		}
		return h, n, nil
	}

	h, err := parseBasicHeader(b)
	if err != nil {
		return Header{}, 0, err
	}
	if !coin.IsAuxPowBlock(h.Version) {
		return h, 80, nil
	}

	n, err := auxPowBlobLen(b[80:])
	if err != nil {
		// Structural failure parsing the auxpow blob: this is a
		// direct-mined block despite the version bit
		return h, 80, nil
	}
	return h, 80 + n, nil
}

// auxPowBlobLen parses (without retaining) an auxpow blob: one coinbase
// transaction, a 32-byte parent block hash, a varint-counted merkle branch
// of 32-byte hashes, an int32 merkle index, a varint-counted chain merkle
// branch, an int32 chain index, and an 80-byte parent header. It returns the
// number of bytes consumed.
func auxPowBlobLen(b []byte) (int, error) {
	_, _, txLen, err := DecodeTx(b)
	if err != nil {
		return 0, err
	}
	c := wire.NewCursor(b[txLen:])
	if _, err := c.ReadBytes(32); err != nil { // parent block hash
		return 0, err
	}
	branchLen, err := c.ReadVarUint()
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < branchLen; i++ {
		if _, err := c.ReadBytes(32); err != nil {
			return 0, err
		}
	}
	if _, err := c.ReadU32LE(); err != nil { // merkle index
		return 0, err
	}
	chainBranchLen, err := c.ReadVarUint()
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < chainBranchLen; i++ {
		if _, err := c.ReadBytes(32); err != nil {
			return 0, err
		}
	}
	if _, err := c.ReadU32LE(); err != nil { // chain index
		return 0, err
	}
	if _, err := c.ReadBytes(80); err != nil { // parent header
		return 0, err
	}
	return txLen + c.Pos(), nil
}
