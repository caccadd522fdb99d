package backup

import (
	"encoding/binary"
	"fmt"
)

// fields lists the fourteen undo-bearing families plus the
// history-index delta in a fixed order; Encode/Decode walk this order so
// the wire format never depends on struct field order.
func (u UndoRecord) fields() [][][]byte {
	return [][][]byte{
		u.UTXO, u.AssetIDs, u.H160IDs,
		u.Metadata, u.MetadataHistory,
		u.Tags, u.TagHistory,
		u.Freezes, u.FreezeHistory,
		u.Verifiers, u.VerifierHistory,
		u.Associations, u.AssociationHistory,
		u.Broadcasts, u.HistoryIndex,
	}
}

// Encode serializes u as: for each family in fixed order, a uvarint
// record count followed by that many (uvarint length, raw bytes) pairs. A
// flat list-of-byte-slices codec, since undo records have no fixed shape
// per family.
func (u UndoRecord) Encode() []byte {
	buf := make([]byte, 0, 256)
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf = append(buf, tmp[:n]...)
	}
	for _, recs := range u.fields() {
		putUvarint(uint64(len(recs)))
		for _, rec := range recs {
			putUvarint(uint64(len(rec)))
			buf = append(buf, rec...)
		}
	}
	return buf
}

// DecodeUndoRecord parses a record produced by UndoRecord.Encode.
func DecodeUndoRecord(b []byte) (UndoRecord, error) {
	var u UndoRecord
	targets := []*[][]byte{
		&u.UTXO, &u.AssetIDs, &u.H160IDs,
		&u.Metadata, &u.MetadataHistory,
		&u.Tags, &u.TagHistory,
		&u.Freezes, &u.FreezeHistory,
		&u.Verifiers, &u.VerifierHistory,
		&u.Associations, &u.AssociationHistory,
		&u.Broadcasts, &u.HistoryIndex,
	}
	off := 0
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(b[off:])
		if n <= 0 {
			return 0, fmt.Errorf("backup: corrupt undo record at offset %d", off)
		}
		off += n
		return v, nil
	}
	for _, target := range targets {
		count, err := readUvarint()
		if err != nil {
			return UndoRecord{}, err
		}
		recs := make([][]byte, 0, count)
		for i := uint64(0); i < count; i++ {
			length, err := readUvarint()
			if err != nil {
				return UndoRecord{}, err
			}
			if off+int(length) > len(b) {
				return UndoRecord{}, fmt.Errorf("backup: truncated undo record at offset %d", off)
			}
			rec := append([]byte(nil), b[off:off+int(length)]...)
			off += int(length)
			recs = append(recs, rec)
		}
		*target = recs
	}
	return u, nil
}
