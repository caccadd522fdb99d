package store

// Key prefixes for the three stores, one per index family.
var (
	PrefixMetadata            = []byte{'M'}
	PrefixMetadataHistory     = []byte{'m'}
	PrefixBroadcast           = []byte{'B'}
	PrefixAssetTagCurrent     = []byte{'T'}
	PrefixAssetTagHistory     = []byte{'t'}
	PrefixH160TagCurrent      = []byte{'H'}
	PrefixH160TagHistory      = []byte{'h'}
	PrefixFreezeCurrent       = []byte{'F'}
	PrefixFreezeHistory       = []byte{'f'}
	PrefixVerifierCurrent     = []byte{'V'}
	PrefixVerifierHistory     = []byte{'v'}
	PrefixAssociationCurrent  = []byte{'A'}
	PrefixAssociationHistory  = []byte{'a'}

	PrefixAssetIDUndo = []byte{'U'}
	PrefixH160IDUndo  = []byte{'u'}

	PrefixAssetToID = []byte{'N'}
	PrefixIDToAsset = []byte{'n'}
	PrefixH160ToID  = []byte{'X'}
	PrefixIDToH160  = []byte{'x'}

	// PrefixUTXOHistory and PrefixHashXLookup live in utxo_db: the 'h'
	// rows are the per-address history index (hashX ++ tx num), the 'u'
	// rows the address-keyed UTXO projection (hashX ++ vout ++ tx num),
	//
	PrefixUTXOHistory = []byte{'h'}
	PrefixHashXLookup = []byte{'u'}
)

// PrefixIndexerState is the single reserved key (no further suffix) holding
// the encoded indexstate.State record inside utxo_db.
var PrefixIndexerState = []byte{'S'}

// Stores bundles the three logical KV stores over their two backing
// engines.
type Stores struct {
	UTXO  Backend // bbolt
	Asset Backend // badger
	SUID  Backend // bbolt
}

// Close closes all three backends, returning the first error encountered.
func (s *Stores) Close() error {
	var firstErr error
	for _, b := range []Backend{s.UTXO, s.Asset, s.SUID} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
