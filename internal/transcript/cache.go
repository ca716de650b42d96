package transcript

import (
	"container/list"
	"sync"
)

// DefaultCacheBudget is the per-session cache byte ceiling when the
// configuration does not override it (10 MiB).
const DefaultCacheBudget = 10 << 20

// Cache is the per-session transcript cache: an ordered map from message id
// to Record with a strict byte budget. Insertion order is preserved across
// in-place updates, and eviction removes survivors' predecessors from the
// oldest end only, so chronological order always holds.
//
// Only finalized records are retained; Process silently discards partials.
// All methods are safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	budget int64
	bytes  int64
	order  *list.List // of *cacheEntry, oldest first
	index  map[string]*list.Element
}

type cacheEntry struct {
	rec  Record
	size int64
}

// NewCache creates a Cache with the given byte budget. A non-positive budget
// falls back to DefaultCacheBudget.
func NewCache(budget int64) *Cache {
	if budget <= 0 {
		budget = DefaultCacheBudget
	}
	return &Cache{
		budget: budget,
		order:  list.New(),
		index:  make(map[string]*list.Element),
	}
}

// Process applies rec to the cache:
//
//   - unknown id, finalized record: insert at the tail, evicting from the
//     oldest end until the budget holds. A single record larger than the
//     whole budget is still inserted after everything else is evicted, so
//     the latest final is never lost to budget pressure alone.
//   - unknown id, non-finalized record: discarded (partials are not cached).
//   - known id, correction: replaced in place; the record keeps its position.
//   - known id, status_update: non-empty fields are merged onto the cached
//     record; type and finalization of the cached record are preserved.
//   - anything else: no-op.
//
// In-place updates recompute the entry size and may evict older records to
// restore the budget, but never the record being updated.
func (c *Cache) Process(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[rec.MessageID]
	if !ok {
		if !rec.IsFinalized {
			return
		}
		size := rec.EncodedSize()
		c.evict(size, nil)
		c.index[rec.MessageID] = c.order.PushBack(&cacheEntry{rec: *rec, size: size})
		c.bytes += size
		return
	}

	entry := el.Value.(*cacheEntry)
	switch rec.Type {
	case TypeCorrection:
		entry.rec = *rec
	case TypeStatusUpdate:
		entry.rec = mergeRecord(entry.rec, *rec)
	default:
		return
	}

	newSize := entry.rec.EncodedSize()
	c.bytes += newSize - entry.size
	entry.size = newSize
	c.evict(0, el)
}

// evict removes entries from the oldest end until incoming additional bytes
// fit within the budget. keep, when non-nil, marks the element that must
// survive (the record currently being updated).
func (c *Cache) evict(incoming int64, keep *list.Element) {
	for c.bytes+incoming > c.budget {
		oldest := c.order.Front()
		if oldest == nil || oldest == keep {
			return
		}
		entry := oldest.Value.(*cacheEntry)
		c.bytes -= entry.size
		delete(c.index, entry.rec.MessageID)
		c.order.Remove(oldest)
	}
}

// History returns all cached records in insertion order. The returned
// records are copies; mutating them does not touch the cache.
func (c *Cache) History() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Record, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*cacheEntry).rec
		out = append(out, &rec)
	}
	return out
}

// Get returns the cached record for messageID, if present.
func (c *Cache) Get(messageID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[messageID]
	if !ok {
		return Record{}, false
	}
	return el.Value.(*cacheEntry).rec, true
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the current byte accounting total.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Clear drops all cached records.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.bytes = 0
}

// mergeRecord shallow-merges the non-empty fields of update onto base.
// Type and finalization are deliberately kept from base so a status_update
// never demotes a cached final.
func mergeRecord(base, update Record) Record {
	if update.Transcription != "" {
		base.Transcription = update.Transcription
	}
	if update.Translation != "" {
		base.Translation = update.Translation
	}
	if update.SourceLanguage != "" {
		base.SourceLanguage = update.SourceLanguage
	}
	if update.TargetLanguage != "" {
		base.TargetLanguage = update.TargetLanguage
	}
	if update.Speaker != "" {
		base.Speaker = update.Speaker
	}
	if update.VTTTimestamp != "" {
		base.VTTTimestamp = update.VTTTimestamp
	}
	if update.CorrectionStatus != "" {
		base.CorrectionStatus = update.CorrectionStatus
	}
	return base
}
