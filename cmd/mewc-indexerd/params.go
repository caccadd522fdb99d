package main

import (
	"crypto/sha256"

	"github.com/mewc-labs/mewc-index/pkg/coin"
)

// hashXFromScript is the address fingerprint used throughout the index:
// the leading 11 bytes of the script's SHA-256 digest.
func hashXFromScript(script []byte) [11]byte {
	sum := sha256.Sum256(script)
	var out [11]byte
	copy(out[:], sum[:11])
	return out
}

// meowcoinParams returns the coin.Params descriptor for the chain this
// daemon indexes by default. An operator indexing a differently
// configured chain can fork this function or extend newRootCommand with a
// --coin flag selecting among several.
func meowcoinParams() coin.Params {
	return coin.Params{
		Name:                    "meowcoin",
		StaticHeaderBytes:       80,
		BasicHeaderBytes:        80,
		AuxPowActivationHeight:  1_087_000,
		GenesisActivationHeight: 0,
		AvgBlockSize:            250_000,
		ChainSize:               20_000_000_000,
		ChainSizeHeight:         1_000_000,
		PrefetchLimit:           prefetchLimit,
		HashX:                   hashXFromScript,
		UndoWindow:              400,
	}
}

// prefetchLimit scales the prefetch window down as blocks grow larger
// with height.
func prefetchLimit(height uint64) int {
	switch {
	case height < 10_000:
		return 4_000
	case height < 100_000:
		return 2_000
	case height < 500_000:
		return 500
	default:
		return 100
	}
}
