// Package cache implements the write-back mutation buffer the advance and
// backup engines mutate in memory between flushes: one bucket of pending
// puts, pending deletes, and pending undo bytes per index family.
package cache

// Family holds the pending mutations for one index family between flushes.
type Family struct {
	Puts    map[string][]byte
	Deletes [][]byte
	// Undos accumulates one opaque undo record per mutation, in the order
	// applied; backup replays them in reverse. Broadcasts has its own
	// equivalent bucket on BroadcastFamily, since its Puts are keyed
	// differently.
	Undos [][]byte
}

func newFamily() *Family {
	return &Family{Puts: make(map[string][]byte)}
}

// Put stages a key/value write.
func (f *Family) Put(key, value []byte) {
	f.Puts[string(key)] = value
}

// Delete stages a key deletion.
func (f *Family) Delete(key []byte) {
	f.Deletes = append(f.Deletes, key)
}

// AppendUndo records one undo record for later replay by the backup
// engine.
func (f *Family) AppendUndo(rec []byte) {
	f.Undos = append(f.Undos, rec)
}

// Revert undoes a pending write to key: if the write is still only staged
// in Puts (the block that made it has not been flushed yet), it is
// discarded outright; otherwise the entry must already be on disk from an
// earlier, flushed block, and an explicit Delete is staged instead. Using
// plain Delete for both cases would re-apply a stale Puts entry on the
// next flush (deletes are applied before puts in one batch).
func (f *Family) Revert(key []byte) {
	if _, staged := f.Puts[string(key)]; staged {
		delete(f.Puts, string(key))
		return
	}
	f.Delete(key)
}

// Len reports whether the family has any pending mutation at all.
func (f *Family) Len() int {
	return len(f.Puts) + len(f.Deletes)
}

// ClearUndos discards only this family's pending undo records, leaving
// staged puts/deletes untouched. Puts/Deletes accumulate across a whole
// flush batch, but undo records must be sliced per block so the reorg
// driver can replay exactly one height; the engine calls this right after
// snapshotting a block's undo contribution with backup.FromCache.
func (f *Family) ClearUndos() { f.Undos = nil }

// Clear discards all pending mutations, used by the reorg driver before an
// unconditional backup pass.
func (f *Family) Clear() {
	f.Puts = make(map[string][]byte)
	f.Deletes = nil
	f.Undos = nil
}

// BroadcastFamily is like Family but its Puts are keyed by the full
// prefix‖name‖outpoint broadcast key rather than needing a separate current/
// history split. It still carries its own Undos bucket: each broadcast this
// block wrote appends one record (assetID ++ outpoint) so backup can delete
// exactly the entries this block created.
type BroadcastFamily struct {
	Puts    map[string][]byte
	Deletes [][]byte
	Undos   [][]byte
}

func newBroadcastFamily() *BroadcastFamily {
	return &BroadcastFamily{Puts: make(map[string][]byte)}
}

func (f *BroadcastFamily) Put(key, value []byte) { f.Puts[string(key)] = value }
func (f *BroadcastFamily) Delete(key []byte)      { f.Deletes = append(f.Deletes, key) }
func (f *BroadcastFamily) Len() int                { return len(f.Puts) + len(f.Deletes) }

// Revert mirrors Family.Revert: discard a still-unflushed Puts entry
// outright, otherwise stage an explicit Delete for an already-flushed one.
func (f *BroadcastFamily) Revert(key []byte) {
	if _, staged := f.Puts[string(key)]; staged {
		delete(f.Puts, string(key))
		return
	}
	f.Delete(key)
}

// AppendUndo records one undo entry for later replay by the backup engine.
func (f *BroadcastFamily) AppendUndo(rec []byte) { f.Undos = append(f.Undos, rec) }

// ClearUndos discards this family's pending undo records.
func (f *BroadcastFamily) ClearUndos() { f.Undos = nil }

func (f *BroadcastFamily) Clear() {
	f.Puts = make(map[string][]byte)
	f.Deletes = nil
	f.Undos = nil
}

// Cache holds the fourteen mutation families of the index.
type Cache struct {
	UTXO              *Family
	AssetID           *Family
	H160ID            *Family
	Metadata          *Family
	MetadataHistory   *Family
	Broadcasts        *BroadcastFamily
	Tags              *Family
	TagHistory        *Family
	Freezes           *Family
	FreezeHistory     *Family
	Verifiers         *Family
	VerifierHistory   *Family
	Associations      *Family
	AssociationHistory *Family

	// History is the per-address history-index delta ('h' rows in utxo_db):
	// one row per (hashX, tx num) a block touches. It flushes and clears
	// with the fourteen families above but is sized separately.
	History *Family

	// TouchedHashX and the asset/qualifier/h160/broadcast/frozen/validator/
	// qualifier-association touched sets feed the notification dispatch
	// after each committed flush while caught up.
	TouchedHashX               map[string]struct{}
	AssetTouched               map[string]struct{}
	QualifierTouched           map[string]struct{}
	H160Touched                map[string]struct{}
	BroadcastTouched           map[string]struct{}
	FrozenTouched              map[string]struct{}
	ValidatorTouched           map[string]struct{}
	QualifierAssociationTouched map[string]struct{}
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		UTXO:               newFamily(),
		AssetID:            newFamily(),
		H160ID:             newFamily(),
		Metadata:           newFamily(),
		MetadataHistory:    newFamily(),
		Broadcasts:         newBroadcastFamily(),
		Tags:               newFamily(),
		TagHistory:         newFamily(),
		Freezes:            newFamily(),
		FreezeHistory:      newFamily(),
		Verifiers:          newFamily(),
		VerifierHistory:    newFamily(),
		Associations:       newFamily(),
		AssociationHistory: newFamily(),
		History:            newFamily(),

		TouchedHashX:                make(map[string]struct{}),
		AssetTouched:                make(map[string]struct{}),
		QualifierTouched:            make(map[string]struct{}),
		H160Touched:                 make(map[string]struct{}),
		BroadcastTouched:            make(map[string]struct{}),
		FrozenTouched:               make(map[string]struct{}),
		ValidatorTouched:            make(map[string]struct{}),
		QualifierAssociationTouched: make(map[string]struct{}),
	}
}

// families returns every Family-shaped bucket for uniform flush/clear
// handling; Broadcasts is handled separately because it has a different
// shape.
func (c *Cache) families() []*Family {
	return []*Family{
		c.UTXO, c.AssetID, c.H160ID, c.Metadata, c.MetadataHistory,
		c.Tags, c.TagHistory, c.Freezes, c.FreezeHistory,
		c.Verifiers, c.VerifierHistory, c.Associations, c.AssociationHistory,
		c.History,
	}
}

// Empty reports whether every family is empty, the precondition a backup
// pass requires before starting.
func (c *Cache) Empty() bool {
	for _, f := range c.families() {
		if f.Len() > 0 {
			return false
		}
	}
	return c.Broadcasts.Len() == 0
}

// Clear discards all pending mutations across every family and touched set.
// Used unconditionally by the reorg driver before its first backup pass.
func (c *Cache) Clear() {
	for _, f := range c.families() {
		f.Clear()
	}
	c.Broadcasts.Clear()
	c.TouchedHashX = make(map[string]struct{})
	c.AssetTouched = make(map[string]struct{})
	c.QualifierTouched = make(map[string]struct{})
	c.H160Touched = make(map[string]struct{})
	c.BroadcastTouched = make(map[string]struct{})
	c.FrozenTouched = make(map[string]struct{})
	c.ValidatorTouched = make(map[string]struct{})
	c.QualifierAssociationTouched = make(map[string]struct{})
}

// ClearUndos discards the pending undo records of every family, once the
// engine has snapshotted them for the block that just advanced.
func (c *Cache) ClearUndos() {
	for _, f := range c.families() {
		f.ClearUndos()
	}
	c.Broadcasts.ClearUndos()
}

// ClearTouched clears only the eight notification sets, leaving pending
// mutation buffers intact; called after each notification dispatch while
// caught up.
func (c *Cache) ClearTouched() {
	c.TouchedHashX = make(map[string]struct{})
	c.AssetTouched = make(map[string]struct{})
	c.QualifierTouched = make(map[string]struct{})
	c.H160Touched = make(map[string]struct{})
	c.BroadcastTouched = make(map[string]struct{})
	c.FrozenTouched = make(map[string]struct{})
	c.ValidatorTouched = make(map[string]struct{})
	c.QualifierAssociationTouched = make(map[string]struct{})
}

// EstimateMB estimates cache memory from empirical per-entry byte
// constants, returning (utxoMB, assetMB); the history estimate is split
// out into EstimateHistMB because it has its own flush trigger.
func (c *Cache) EstimateMB() (utxoMB, assetMB uint64) {
	const oneMB = 1_000_000
	utxoBytes := uint64(len(c.UTXO.Puts))*213 + uint64(len(c.UTXO.Deletes))*65
	assetBytes := uint64(len(c.AssetID.Puts))*182 +
		uint64(len(c.H160ID.Puts))*167 +
		uint64(len(c.Metadata.Puts))*237 +
		uint64(len(c.MetadataHistory.Puts))*208 +
		uint64(len(c.Broadcasts.Puts))*207 +
		uint64(len(c.Tags.Puts))*158 +
		uint64(len(c.TagHistory.Puts))*159 +
		uint64(len(c.Freezes.Puts))*153 +
		uint64(len(c.FreezeHistory.Puts))*110 +
		uint64(len(c.Verifiers.Puts))*158 +
		uint64(len(c.VerifierHistory.Puts))*257 +
		uint64(len(c.Associations.Puts))*163 +
		uint64(len(c.AssociationHistory.Puts))*120
	return utxoBytes / oneMB, assetBytes / oneMB
}

// EstimateHistMB returns the estimate for the five asset-side "*History"
// append-only families (the same per-entry constants EstimateMB uses) plus
// the per-address History delta, which EstimateMB does not count, used by
// flush.Coordinator to evaluate the standalone "history alone
// exceeds cache_MB/5" trigger.
func (c *Cache) EstimateHistMB() uint64 {
	const oneMB = 1_000_000
	histBytes := uint64(len(c.MetadataHistory.Puts))*208 +
		uint64(len(c.TagHistory.Puts))*159 +
		uint64(len(c.FreezeHistory.Puts))*110 +
		uint64(len(c.VerifierHistory.Puts))*257 +
		uint64(len(c.AssociationHistory.Puts))*120 +
		uint64(len(c.History.Puts))*100
	return histBytes / oneMB
}
