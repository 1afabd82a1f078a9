package mem

import (
	"sync"

	"github.com/jdb-go/jdb/internal/base"
)

// Flusher drains one frozen memtable into a new SSTable (C10) and reports
// whether it succeeded. Implemented by the sstable package; kept as an
// interface here so mem has no import-time dependency on it.
type Flusher interface {
	FlushMemtable(m *Memtable) error
}

// Mems owns the active memtable and the bounded ring of frozen memtables
// awaiting flush (spec.md §4.7), replacing
// original_source/jdb_mem/src/mems.rs's BTreeMap<u64, Mem> of frozen
// tables with a capacity-bounded slice plus a semaphore, since this port
// flushes on a dedicated goroutine rather than rotating synchronously.
type Mems struct {
	opts    *base.Options
	flusher Flusher

	mu     sync.RWMutex
	active *Memtable
	frozen []*Memtable // oldest first

	slots   chan struct{} // capacity MemFrozenSlots; acquired by rotate, released after flush
	flushCh chan *Memtable
	wg      sync.WaitGroup

	errMu   sync.Mutex
	lastErr error

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int

	// OnRotate, if set, is invoked synchronously inside rotate() the
	// instant oldID's memtable is frozen off the active slot, before it is
	// handed to the flush goroutine. A caller wiring checkpoint.SetWalPtr
	// uses this to snapshot the WAL position at exactly the moment the
	// memtable stopped accepting writes, which is the only point at which
	// that WAL position is known to be safe once oldID finishes flushing.
	OnRotate func(oldID uint64)
}

// NewMems creates a manager with a fresh active memtable identified by
// firstID and starts its dedicated flush goroutine.
func NewMems(opts *base.Options, firstID uint64, flusher Flusher) *Mems {
	m := &Mems{
		opts:    opts,
		flusher: flusher,
		active:  New(firstID),
		slots:   make(chan struct{}, opts.MemFrozenSlots),
		flushCh: make(chan *Memtable, opts.MemFrozenSlots),
	}
	m.pendingCond = sync.NewCond(&m.pendingMu)
	m.wg.Add(1)
	go m.flushLoop()
	return m
}

// Put writes key/pos into the active memtable, rotating it to frozen
// first if doing so would exceed MemRotateSize. nextID identifies the new
// active memtable created by a rotation (typically the write's own
// version/WAL position); it is ignored when no rotation occurs.
func (m *Mems) Put(key []byte, pos base.Pos, nextID uint64) error {
	m.mu.RLock()
	willExceed := m.active.Size()+uint64(pos.Footprint(len(key))) > m.opts.MemRotateSize && m.active.Len() > 0
	m.mu.RUnlock()
	if willExceed {
		if err := m.rotate(nextID); err != nil {
			return err
		}
	}
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	active.Put(key, pos)
	return nil
}

// rotate freezes the current active memtable and starts a new one,
// blocking if the frozen ring is already at capacity (spec.md §4.7:
// "bounded frozen-slot ring" — a full ring applies backpressure to writers
// until the flush goroutine catches up).
func (m *Mems) rotate(nextID uint64) error {
	m.mu.Lock()
	old := m.active
	if old.Len() == 0 {
		m.mu.Unlock()
		return nil
	}
	m.active = New(nextID)
	m.frozen = append(m.frozen, old)
	m.mu.Unlock()

	if m.OnRotate != nil {
		m.OnRotate(old.ID())
	}

	m.pendingMu.Lock()
	m.pending++
	m.pendingMu.Unlock()

	m.slots <- struct{}{}
	m.flushCh <- old
	return m.Err()
}

func (m *Mems) flushLoop() {
	defer m.wg.Done()
	for mt := range m.flushCh {
		err := m.flusher.FlushMemtable(mt)
		if err != nil {
			m.setErr(err)
		}
		m.mu.Lock()
		for i, f := range m.frozen {
			if f == mt {
				m.frozen = append(m.frozen[:i], m.frozen[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		<-m.slots

		m.pendingMu.Lock()
		m.pending--
		if m.pending == 0 {
			m.pendingCond.Broadcast()
		}
		m.pendingMu.Unlock()
	}
}

// Drain blocks until every memtable handed to the flush goroutine so far
// has finished flushing, used by the public Db.Flush operation (spec.md
// §4.15) to make a forced flush synchronous from the caller's point of
// view.
func (m *Mems) Drain() {
	m.pendingMu.Lock()
	for m.pending > 0 {
		m.pendingCond.Wait()
	}
	m.pendingMu.Unlock()
}

func (m *Mems) setErr(err error) {
	m.errMu.Lock()
	if m.lastErr == nil {
		m.lastErr = err
	}
	m.errMu.Unlock()
}

// Err returns the first flush error encountered, if any. A database that
// sees a non-nil Err should treat itself as degraded: frozen memtables are
// no longer being durably persisted as SSTables.
func (m *Mems) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// Get looks up key across the active memtable and every frozen memtable,
// newest first, matching original_source/jdb_mem/src/mems.rs's Mems::get.
func (m *Mems) Get(key []byte) (base.Pos, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.active.Get(key); ok {
		return pos, true
	}
	for i := len(m.frozen) - 1; i >= 0; i-- {
		if pos, ok := m.frozen[i].Get(key); ok {
			return pos, true
		}
	}
	return base.Pos{}, false
}

// Tables returns every live memtable, newest first (active, then frozen
// from most to least recently rotated), for the upper-layer merge
// iterator that also folds in SSTable levels.
func (m *Mems) Tables() []*Memtable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Memtable, 0, len(m.frozen)+1)
	out = append(out, m.active)
	for i := len(m.frozen) - 1; i >= 0; i-- {
		out = append(out, m.frozen[i])
	}
	return out
}

// ActiveSize reports the current active memtable's byte size.
func (m *Mems) ActiveSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Size()
}

// ActiveID returns the current active memtable's id, letting a caller
// detect a rotation by comparing this value before and after a Put
// (spec.md §4.13's checkpoint needs to know exactly which memtable a WAL
// position became safe to resume from once it flushes).
func (m *Mems) ActiveID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.ID()
}

// Close flushes no further memtables; it waits for in-flight flushes to
// finish and stops the flush goroutine. Callers must ensure no concurrent
// Put is in progress.
func (m *Mems) Close() {
	close(m.flushCh)
	m.wg.Wait()
}

// Flush forces the active memtable to rotate and flush even if it has not
// reached MemRotateSize, used by the public Flush operation (spec.md
// §4.15 "Flush: force-rotate the active memtable").
func (m *Mems) Flush(nextID uint64) error {
	return m.rotate(nextID)
}
