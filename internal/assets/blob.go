package assets

import (
	"encoding/binary"
	"errors"
)

// ErrTruncatedBlob is returned when an asset blob's field layout claims
// more bytes than are present.
var ErrTruncatedBlob = errors.New("assets: truncated blob")

// OwnershipSupply is the fixed supply, in base units, of an ownership (o)
// token: one indivisible unit of 100,000,000 (the chain's COIN constant),
// matching step 2.
const OwnershipSupply = 100_000_000

// IssueFields is the decoded payload of a 'q' (new issuance) blob.
type IssueFields struct {
	Name             string
	Supply           uint64
	Divisions        byte
	Reissuable       bool
	HasAssociatedData bool
	AssociatedData   [34]byte
}

// ReissueFields is the decoded payload of an 'r' (reissuance) blob.
type ReissueFields struct {
	Name              string
	SupplyDelta       uint64
	Divisions         byte // 0xFF means "unchanged"
	HasAssociatedData bool
	AssociatedData    [34]byte
}

// TransferFields is the decoded payload of a 't' (transfer) blob.
type TransferFields struct {
	Name            string
	Amount          uint64
	HasBroadcast    bool
	BroadcastData   [34]byte
	BroadcastExpiry uint64
}

func readName(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, ErrTruncatedBlob
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, ErrTruncatedBlob
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// ParseIssue decodes op.Blob for a ScriptIssue op.
func ParseIssue(blob []byte) (IssueFields, error) {
	var f IssueFields
	name, rest, err := readName(blob)
	if err != nil {
		return f, err
	}
	f.Name = name
	if len(rest) < 9 {
		return f, ErrTruncatedBlob
	}
	f.Supply = binary.LittleEndian.Uint64(rest[0:8])
	f.Divisions = rest[8]
	rest = rest[9:]
	if len(rest) < 1 {
		return f, ErrTruncatedBlob
	}
	f.Reissuable = rest[0] != 0
	rest = rest[1:]
	if len(rest) < 1 {
		return f, ErrTruncatedBlob
	}
	f.HasAssociatedData = rest[0] != 0
	rest = rest[1:]
	if f.HasAssociatedData {
		if len(rest) < 34 {
			return f, ErrTruncatedBlob
		}
		copy(f.AssociatedData[:], rest[:34])
	}
	return f, nil
}

// ParseReissue decodes op.Blob for a ScriptReissue op. Divisions == 0xFF
// means "leave unchanged"; HasAssociatedData == false means "leave
// unchanged" too step 5.
func ParseReissue(blob []byte) (ReissueFields, error) {
	var f ReissueFields
	name, rest, err := readName(blob)
	if err != nil {
		return f, err
	}
	f.Name = name
	if len(rest) < 9 {
		return f, ErrTruncatedBlob
	}
	f.SupplyDelta = binary.LittleEndian.Uint64(rest[0:8])
	f.Divisions = rest[8]
	rest = rest[9:]
	if len(rest) < 1 {
		return f, ErrTruncatedBlob
	}
	f.HasAssociatedData = rest[0] != 0
	rest = rest[1:]
	if f.HasAssociatedData {
		if len(rest) < 34 {
			return f, ErrTruncatedBlob
		}
		copy(f.AssociatedData[:], rest[:34])
	}
	return f, nil
}

// ParseTransfer decodes op.Blob for a ScriptTransfer op. Broadcast data is
// only present for names containing '!' or '~'
// Broadcasts definition; the caller (advance engine) checks the name and
// whether the output's own address (hashX) spent the same asset among the
// transaction's inputs before trusting HasBroadcast.
func ParseTransfer(blob []byte) (TransferFields, error) {
	var f TransferFields
	name, rest, err := readName(blob)
	if err != nil {
		return f, err
	}
	f.Name = name
	if len(rest) < 8 {
		return f, ErrTruncatedBlob
	}
	f.Amount = binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	if len(rest) == 0 {
		return f, nil
	}
	if len(rest) < 34+8 {
		return f, ErrTruncatedBlob
	}
	f.HasBroadcast = true
	copy(f.BroadcastData[:], rest[:34])
	f.BroadcastExpiry = binary.LittleEndian.Uint64(rest[34:42])
	return f, nil
}

// ParseOwnership decodes op.Blob for a ScriptOwnership op: just the asset
// name, supply is always OwnershipSupply.
func ParseOwnership(blob []byte) (string, error) {
	name, _, err := readName(blob)
	return name, err
}

// NullOpFields is the decoded payload of a null-asset (vout 0) template
// push: the asset name plus a one-byte set/clear flag. The flag byte is
// optional on the wire and defaults to 1 (set).
type NullOpFields struct {
	Name string
	Flag byte
}

// ParseNullOp decodes the payload of an address-tag or global-restriction
// null output.
func ParseNullOp(blob []byte) (NullOpFields, error) {
	name, rest, err := readName(blob)
	if err != nil {
		return NullOpFields{}, err
	}
	f := NullOpFields{Name: name, Flag: 1}
	if len(rest) > 0 {
		f.Flag = rest[0]
	}
	return f, nil
}

// IsBroadcastEligible reports whether an asset name participates in the
// broadcast mechanism (contains '!' for unique assets or '~' for message
// channels)
func IsBroadcastEligible(name string) bool {
	for _, r := range name {
		if r == '!' || r == '~' {
			return true
		}
	}
	return false
}
