// Package coin describes the per-chain constants the indexing core needs
// but never decides on its own: header shapes, activation heights, and the
// tuning knobs that scale prefetch and flush behavior with chain size.
package coin

// Params is a coin descriptor. The indexer core treats it as an opaque
// collaborator; callers (cmd/mewc-indexerd) supply a concrete value built
// from internal/config.
type Params struct {
	Name string

	// StaticHeaderBytes is the header length used at heights below
	// AuxPowActivationHeight, where no auxpow blob can be present.
	StaticHeaderBytes int

	// BasicHeaderBytes is the length of the non-auxpow-extended header
	// structure (version, prev hash, merkle root, time, bits, nonce).
	BasicHeaderBytes int

	// AuxPowActivationHeight is the first height at which a block's version
	// word may carry the auxpow bit. 0 disables auxpow entirely.
	AuxPowActivationHeight uint64

	// GenesisActivationHeight is the first height at which the post-genesis
	// unspendable-output rule (OP_RETURN-anywhere) applies instead of the
	// legacy (OP_RETURN-as-first-opcode-only) rule.
	GenesisActivationHeight uint64

	// AvgBlockSize and ChainSize/ChainSizeHeight describe the chain's
	// size; no code in this module reads them.
	AvgBlockSize    uint64
	ChainSize       uint64
	ChainSizeHeight uint64

	// PrefetchLimit bounds how many blocks may be fetched ahead of the tip
	// at a given height; coins with larger average blocks return a smaller
	// window.
	PrefetchLimit func(height uint64) int

	// HashX computes the 11-byte address fingerprint used as the UTXO and
	// history index key prefix.
	HashX func(script []byte) [11]byte

	// UndoWindow is how many blocks below the daemon's current tip still
	// get a persisted undo record. Blocks older than that are assumed too
	// deep to ever be reorged out.
	UndoWindow uint64
}

// MinUndoHeight returns the lowest height that still needs a persisted
// undo record, given the daemon's reported tip height.
func (p Params) MinUndoHeight(daemonTipHeight uint64) uint64 {
	if daemonTipHeight < p.UndoWindow {
		return 0
	}
	return daemonTipHeight - p.UndoWindow
}

// IsAuxPowActive reports whether height may carry an auxpow-extended header.
func (p Params) IsAuxPowActive(height uint64) bool {
	return p.AuxPowActivationHeight > 0 && height >= p.AuxPowActivationHeight
}

// IsAuxPowBlock reports whether the block version word has the auxpow bit
// set. Bit 8 (0x100) is the conventional auxpow marker inherited from
// Namecoin-style merge mining, which this chain family also uses.
func IsAuxPowBlock(version uint32) bool {
	const auxPowBit = 1 << 8
	return version&auxPowBit != 0
}

// StaticHeaderLen returns the fixed header length to use below the auxpow
// activation height.
func (p Params) StaticHeaderLen(height uint64) int {
	if p.StaticHeaderBytes > 0 {
		return p.StaticHeaderBytes
	}
	return p.BasicHeaderBytes
}

// IsUnspendable reports whether script can never back a UTXO entry, per
// step 2. Below GenesisActivationHeight only a leading
// OP_RETURN makes an output unspendable; at/after it, an OP_RETURN anywhere
// in the script does (the canonical post-genesis rule this chain family
// inherited from its upstream).
func (p Params) IsUnspendable(height uint64, script []byte) bool {
	if height >= p.GenesisActivationHeight {
		for _, b := range script {
			if b == OpReturn {
				return true
			}
		}
		return false
	}
	return len(script) > 0 && script[0] == OpReturn
}

// OpReturn is the opcode marking a provably unspendable output.
const OpReturn = 0x6a
