package cache

import (
	"container/list"
	"sync"
)

// BlockKey identifies a decoded block within the block cache (§4.2:
// "(file_id, block_idx) → decoded block bytes").
type BlockKey struct {
	FileID uint64
	Block  uint32
}

type blockEntry struct {
	key  BlockKey
	data []byte
}

// BlockCache is a byte-budgeted LRU of decoded SSTable blocks, shared by
// every open table (§4.2). The record-head cache used by the WAL read path
// (§4.6 "Cache result in the data cache sized by total bytes") is a second,
// independently-budgeted instance of the same type — the split is
// configured by the caller via NewBlockCache's budget split (70/30 per
// §4.2).
type BlockCache struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	ll        *list.List
	items     map[BlockKey]*list.Element

	hits, misses int64
}

// NewBlockCache creates a cache budgeted to hold at most maxBytes of
// decoded block data.
func NewBlockCache(maxBytes int64) *BlockCache {
	return &BlockCache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[BlockKey]*list.Element),
	}
}

// Get returns the cached bytes for key, if present, promoting it to MRU.
func (c *BlockCache) Get(key BlockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		c.hits++
		return el.Value.(*blockEntry).data, true
	}
	c.misses++
	return nil, false
}

// Put inserts data for key, evicting LRU entries until the cache is back
// within budget. Oversized single entries (bigger than the whole budget)
// are not cached, matching the common "fits-in-block" cache-bypass pattern
// described in §4.2.
func (c *BlockCache) Put(key BlockKey, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.curBytes -= int64(len(el.Value.(*blockEntry).data))
		el.Value.(*blockEntry).data = data
		c.curBytes += int64(len(data))
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&blockEntry{key: key, data: data})
		c.items[key] = el
		c.curBytes += int64(len(data))
	}
	for c.curBytes > c.maxBytes {
		back := c.ll.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*blockEntry)
		c.ll.Remove(back)
		delete(c.items, entry.key)
		c.curBytes -= int64(len(entry.data))
	}
}

// EvictFile drops every cached block belonging to fileID, called when a
// table is removed by compaction (§4.11 "remove on last drop").
func (c *BlockCache) EvictFile(fileID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*blockEntry)
		if entry.key.FileID == fileID {
			c.ll.Remove(el)
			delete(c.items, entry.key)
			c.curBytes -= int64(len(entry.data))
		}
		el = next
	}
}

// Metrics mirrors the teacher's CacheMetrics shape (metrics.go), adapted
// for this engine's block cache.
type Metrics struct {
	Count  int64
	Size   int64
	Hits   int64
	Misses int64
}

func (c *BlockCache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Count:  int64(c.ll.Len()),
		Size:   c.curBytes,
		Hits:   c.hits,
		Misses: c.misses,
	}
}

// SplitBudget divides total between the block cache (70%) and the record
// head cache (30%), per §4.2.
func SplitBudget(total int64) (blocks, heads int64) {
	blocks = total * 70 / 100
	heads = total - blocks
	return
}
