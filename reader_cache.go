package jdb

import (
	"container/list"
	"sync"

	"github.com/jdb-go/jdb/internal/cache"
	"github.com/jdb-go/jdb/sstable"
)

// readerCache is a small bounded LRU of open *sstable.Reader, adapted from
// internal/cache.FileLRU's container/list shape but caching a table's
// already-parsed filter/first-key-index/PGM state rather than a bare file
// handle: reopening those on every point query would undo the point of
// keeping a table "hot."
//
// Eviction here only drops the cache's own reference and closes the
// Reader; it does not coordinate with sstable.Handle's refcounted
// "remove on last drop" (spec.md §3). A query racing a compaction that
// just evicted its table's Reader sees a read error rather than a crash,
// which matches spec.md §7's propagation policy ("corruption discovered
// while reading a block during a user query surfaces as a point-query
// error, not a crash").
type readerCache struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	items map[uint64]*list.Element
}

type readerCacheEntry struct {
	id uint64
	r  *sstable.Reader
}

func newReaderCache(capacity int) *readerCache {
	if capacity < 4 {
		capacity = 4
	}
	return &readerCache{cap: capacity, ll: list.New(), items: make(map[uint64]*list.Element)}
}

// get returns an open Reader for h, opening (and caching) it on miss.
func (c *readerCache) get(h *sstable.Handle, blockCache *cache.BlockCache) (*sstable.Reader, error) {
	c.mu.Lock()
	if el, ok := c.items[h.Meta.ID]; ok {
		c.ll.MoveToFront(el)
		r := el.Value.(*readerCacheEntry).r
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	r, err := sstable.Open(h.Path(), h.Meta, blockCache)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[h.Meta.ID]; ok {
		// Lost the race to open; keep the winner, close the extra handle.
		r.Close()
		c.ll.MoveToFront(el)
		return el.Value.(*readerCacheEntry).r, nil
	}
	el := c.ll.PushFront(&readerCacheEntry{id: h.Meta.ID, r: r})
	c.items[h.Meta.ID] = el
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElementLocked(back)
	}
	return r, nil
}

func (c *readerCache) removeElementLocked(el *list.Element) {
	entry := el.Value.(*readerCacheEntry)
	c.ll.Remove(el)
	delete(c.items, entry.id)
	entry.r.Close()
}

// evict closes and drops id's cached reader, called once a compaction or
// startup orphan cleanup has removed the table it points to.
func (c *readerCache) evict(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElementLocked(el)
	}
}

// close closes every cached reader.
func (c *readerCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.ll.Len() > 0 {
		c.removeElementLocked(c.ll.Back())
	}
}
