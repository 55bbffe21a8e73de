package server

// PGBlobIterator is a restartable, finite cursor over a PG's blobs in
// (shard_id, blob_id) order (spec.md §4.4 "PGBlobIterator"). Grounded
// on the teacher's paginated listing pattern in client/model.go
// (ListFiles cursor-by-name), generalized to the index's composite
// key and built directly on IndexStore.Scan.
type PGBlobIterator struct {
	idx         *IndexStore
	cursorShard ShardID
	cursorBlob  BlobID
	exhausted   bool
}

// NewPGBlobIterator starts a cursor at the beginning of idx.
func NewPGBlobIterator(idx *IndexStore) *PGBlobIterator {
	return &PGBlobIterator{idx: idx}
}

// BlobEntry is one entry returned by GetNextBlobs.
type BlobEntry struct {
	Shard  ShardID
	Blob   BlobID
	Extent Extent
}

// GetNextBlobs returns up to maxCount entries, stopping early once the
// running total of extent block counts would exceed maxBytes (0 means
// unbounded) or the next entry belongs to a different shard than the
// batch already collected. endOfShard reports whether the batch ended
// because a shard boundary was crossed (or the index has no further
// entries at all), as opposed to a maxCount/maxBytes cutoff mid-shard
// (spec.md §4.4: a snapshot-transfer consumer must be able to tell
// "this shard is done" from "call again for more of the same shard").
// A boundary entry is never included in the batch that crosses it —
// it becomes the first entry of the next call.
func (it *PGBlobIterator) GetNextBlobs(maxCount int, maxBytes uint64) (entries []BlobEntry, endOfShard bool, err error) {
	if it.exhausted || maxCount <= 0 {
		return nil, true, nil
	}
	var total uint64
	seenAny := false
	shardBoundary := false
	byteCutoff := false
	scanErr := it.idx.Scan(it.cursorShard, it.cursorBlob, maxCount, func(e IndexEntry) bool {
		if seenAny && e.Shard != entries[len(entries)-1].Shard {
			shardBoundary = true
			return false
		}
		if maxBytes > 0 && seenAny && total+uint64(e.Extent.BlockCount) > maxBytes {
			byteCutoff = true
			return false
		}
		entries = append(entries, BlobEntry{Shard: e.Shard, Blob: e.Blob, Extent: e.Extent})
		total += uint64(e.Extent.BlockCount)
		it.cursorShard = e.Shard
		it.cursorBlob = e.Blob
		seenAny = true
		return true
	})
	if scanErr != nil {
		return nil, false, wrapf(scanErr, "blob iterator scan")
	}
	if shardBoundary {
		return entries, true, nil
	}
	if byteCutoff {
		return entries, false, nil
	}
	if len(entries) < maxCount {
		it.exhausted = true
		return entries, true, nil
	}
	return entries, false, nil
}

// Reset rewinds the cursor to the beginning.
func (it *PGBlobIterator) Reset() {
	it.cursorShard = 0
	it.cursorBlob = 0
	it.exhausted = false
}
