// Package wire implements the binary cursor and CompactSize codec that
// every other decoder in this module reads through.
package wire

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrTruncatedInput is returned whenever a read asks for more bytes
	// than remain in the buffer.
	ErrTruncatedInput = errors.New("wire: truncated input")
	// ErrMalformedVarint is returned when a CompactSize value is encoded
	// non-minimally (e.g. a single-byte value stored in the 3-byte form).
	ErrMalformedVarint = errors.New("wire: malformed varint")
)

// Cursor is a forward-only reader over an in-memory byte slice.
type Cursor struct {
	b   []byte
	pos int
}

// NewCursor creates a Cursor positioned at the start of b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{b: b}
}

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

// ReadBytes returns the next n bytes and advances the cursor.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, ErrTruncatedInput
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

// ReadU8 reads one byte.
func (c *Cursor) ReadU8() (byte, error) {
	b, err := c.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16LE reads a little-endian uint16.
func (c *Cursor) ReadU16LE() (uint16, error) {
	b, err := c.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32LE reads a little-endian uint32.
func (c *Cursor) ReadU32LE() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64LE reads a little-endian uint64.
func (c *Cursor) ReadU64LE() (uint64, error) {
	b, err := c.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadVarUint reads a Bitcoin-style CompactSize integer, rejecting
// non-minimal encodings.
func (c *Cursor) ReadVarUint() (uint64, error) {
	tag, err := c.ReadU8()
	if err != nil {
		return 0, err
	}
	switch {
	case tag < 0xfd:
		return uint64(tag), nil
	case tag == 0xfd:
		v, err := c.ReadU16LE()
		if err != nil {
			return 0, err
		}
		if v < 0xfd {
			return 0, ErrMalformedVarint
		}
		return uint64(v), nil
	case tag == 0xfe:
		v, err := c.ReadU32LE()
		if err != nil {
			return 0, err
		}
		if v <= 0xffff {
			return 0, ErrMalformedVarint
		}
		return uint64(v), nil
	default: // 0xff
		v, err := c.ReadU64LE()
		if err != nil {
			return 0, err
		}
		if v <= 0xffff_ffff {
			return 0, ErrMalformedVarint
		}
		return v, nil
	}
}

// ReadVarBytes reads a CompactSize length prefix followed by that many
// bytes.
func (c *Cursor) ReadVarBytes() ([]byte, error) {
	n, err := c.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(c.Remaining()) {
		return nil, ErrTruncatedInput
	}
	return c.ReadBytes(int(n))
}

// PutVarUint appends a CompactSize-encoded v to dst and returns the result.
func PutVarUint(dst []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(dst, byte(v))
	case v <= 0xffff:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(v))
		return append(append(dst, 0xfd), buf...)
	case v <= 0xffff_ffff:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return append(append(dst, 0xfe), buf...)
	default:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		return append(append(dst, 0xff), buf...)
	}
}

// PutU32LE appends a little-endian uint32 to dst.
func PutU32LE(dst []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return append(dst, buf...)
}

// PutU64LE appends a little-endian uint64 to dst.
func PutU64LE(dst []byte, v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return append(dst, buf...)
}
