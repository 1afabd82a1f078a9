// Package cache implements the bounded file-handle LRU (C3) and the
// bounded block-bytes LRU (C4) described in spec.md §4.2. Both are plain
// container/list-backed LRUs in the tradition of groupcache/lru; nothing
// in the retrieval pack ships a ready-made generic LRU, so this is built
// directly on the standard library (see DESIGN.md).
package cache

import (
	"container/list"
	"os"
	"sync"

	"github.com/jdb-go/jdb/internal/base"
)

// FileLRU maps a file id to an open read handle, evicting the least
// recently used handle once capacity is exceeded (§4.2). Capacity has a
// floor of 4, matching spec.md.
type FileLRU struct {
	mu       sync.Mutex
	cap      int
	dir      func(id uint64) string
	ll       *list.List
	items    map[uint64]*list.Element
	removing map[uint64]bool
}

type fileEntry struct {
	id uint64
	f  *os.File
}

// NewFileLRU creates a FileLRU of the given capacity (minimum 4) whose
// entries are opened from the path pathFor(id) returns, on first access.
func NewFileLRU(capacity int, pathFor func(id uint64) string) *FileLRU {
	if capacity < 4 {
		capacity = 4
	}
	return &FileLRU{
		cap:      capacity,
		dir:      pathFor,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element),
		removing: make(map[uint64]bool),
	}
}

// Get returns the open handle for id, opening and caching it on miss and
// promoting it to most-recently-used either way.
func (c *FileLRU) Get(id uint64) (*os.File, error) {
	c.mu.Lock()
	if el, ok := c.items[id]; ok {
		c.ll.MoveToFront(el)
		f := el.Value.(*fileEntry).f
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := os.OpenFile(c.dir(id), os.O_RDONLY, 0)
	if err != nil {
		return nil, base.WrapError(base.KindIO, err, "open file %d", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		// Lost the race to open; keep the winner, close our extra handle.
		c.ll.MoveToFront(el)
		f.Close()
		return el.Value.(*fileEntry).f, nil
	}
	el := c.ll.PushFront(&fileEntry{id: id, f: f})
	c.items[id] = el
	c.evictLocked()
	return f, nil
}

func (c *FileLRU) evictLocked() {
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeElementLocked(back)
	}
}

func (c *FileLRU) removeElementLocked(el *list.Element) {
	entry := el.Value.(*fileEntry)
	c.ll.Remove(el)
	delete(c.items, entry.id)
	entry.f.Close()
}

// Evict drops id from the cache (closing its handle) without touching the
// underlying file, per §4.2 "evict(id) drops the entry (cache-only)".
func (c *FileLRU) Evict(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElementLocked(el)
	}
}

// Remove evicts id and deletes the underlying file in the background,
// per §4.2 "rm(id) evicts and spawns a background delete of the underlying
// file."
func (c *FileLRU) Remove(id uint64) {
	path := c.dir(id)
	c.Evict(id)
	go func() {
		_ = os.Remove(path)
	}()
}

// Len returns the number of cached handles.
func (c *FileLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Close evicts every cached handle.
func (c *FileLRU) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.ll.Len() > 0 {
		c.removeElementLocked(c.ll.Back())
	}
}
