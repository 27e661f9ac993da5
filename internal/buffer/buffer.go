// Package buffer implements the clock-less LRU buffer pool: a fixed
// frame table, page hash, pin/latch discipline, and write-back on
// eviction or shutdown.
package buffer

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/intellect4all/storage-engines/internal/pagefile"
)

// LatchMode mirrors the shared/exclusive distinction used for page
// latches (distinct from the record-level lock manager in internal/trx).
type LatchMode int

const (
	LatchShared LatchMode = iota
	LatchExclusive
)

type key struct {
	tableID int64
	pageNum uint64
}

// Frame is one buffer-pool slot: one page-sized piece of memory plus
// its control-block metadata. Frames never leave the pool; they are
// repurposed in place on eviction, so a latch held across eviction is
// never left dangling.
type Frame struct {
	latch   sync.RWMutex
	mode    LatchMode
	tableID int64
	pageNum uint64
	data    pagefile.Page
	dirty   bool
	resident bool
}

// Data returns the frame's page bytes. Valid only while the caller holds
// the frame's latch (i.e. between ReadPage/AllocPage and Unpin).
func (f *Frame) Data() *pagefile.Page { return &f.data }

func (f *Frame) TableID() int64   { return f.tableID }
func (f *Frame) PageNum() uint64  { return f.pageNum }

// table tracks one open table's file handle and cached header page, the
// latter kept authoritative across alloc/free per §4.2.
type table struct {
	file   *pagefile.File
	hdrMu  sync.Mutex
	header pagefile.Page
}

// Manager is the fixed-capacity buffer pool.
type Manager struct {
	log *logrus.Entry

	poolMu   sync.Mutex // the single "pool latch" of §4.2
	frames   []*Frame
	byKey    map[key]*Frame
	lru      *list.List // front = most-recently-used
	lruElem  map[*Frame]*list.Element
	capacity int

	tablesMu sync.RWMutex
	tables   map[int64]*table

	hits      int64
	misses    int64
	evictions int64
}

// Stats returns the pool's cumulative hit/miss/eviction counters.
func (m *Manager) Stats() (hits, misses, evictions int64) {
	return atomic.LoadInt64(&m.hits), atomic.LoadInt64(&m.misses), atomic.LoadInt64(&m.evictions)
}

// NewManager builds a buffer pool holding at most numFrames resident pages.
func NewManager(numFrames int, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		log:      log,
		frames:   make([]*Frame, 0, numFrames),
		byKey:    make(map[key]*Frame),
		lru:      list.New(),
		lruElem:  make(map[*Frame]*list.Element),
		capacity: numFrames,
		tables:   make(map[int64]*table),
	}
}

// RegisterTable makes a table's page file known to the buffer manager and
// caches its header page in memory.
func (m *Manager) RegisterTable(tableID int64, f *pagefile.File) error {
	hdr, err := f.ReadHeader()
	if err != nil {
		return errors.Wrapf(err, "buffer: register table %d", tableID)
	}
	m.tablesMu.Lock()
	m.tables[tableID] = &table{file: f, header: hdr}
	m.tablesMu.Unlock()
	return nil
}

// UnregisterTable drops bookkeeping for a closed table. Any resident
// frames belonging to it are left as-is (the caller is expected to have
// flushed and closed the file already).
func (m *Manager) UnregisterTable(tableID int64) {
	m.tablesMu.Lock()
	delete(m.tables, tableID)
	m.tablesMu.Unlock()
}

func (m *Manager) tableOf(tableID int64) *table {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	return m.tables[tableID]
}

// RootPage returns the cached root page number for a table.
func (m *Manager) RootPage(tableID int64) uint64 {
	t := m.tableOf(tableID)
	t.hdrMu.Lock()
	defer t.hdrMu.Unlock()
	return pagefile.HeaderRootPage(&t.header)
}

// SetRootPage updates the cached header and persists it.
func (m *Manager) SetRootPage(tableID int64, root uint64) error {
	t := m.tableOf(tableID)
	t.hdrMu.Lock()
	defer t.hdrMu.Unlock()
	pagefile.HeaderSetRootPage(&t.header, root)
	return t.file.WriteHeader(&t.header)
}

// lockLatch acquires a frame's page latch in the requested mode.
func lockLatch(f *Frame, mode LatchMode) {
	if mode == LatchShared {
		f.latch.RLock()
	} else {
		f.latch.Lock()
	}
	f.mode = mode
}

func tryLockLatch(f *Frame, mode LatchMode) bool {
	if mode == LatchShared {
		return f.latch.TryRLock()
	}
	return f.latch.TryLock()
}

func unlockLatch(f *Frame, mode LatchMode) {
	if mode == LatchShared {
		f.latch.RUnlock()
	} else {
		f.latch.Unlock()
	}
}

// ReadPage resolves a (table,page) pair to a latched, pinned frame. The
// caller holds the frame's page latch in the requested mode until Unpin.
func (m *Manager) ReadPage(tableID int64, pageNum uint64, mode LatchMode) (*Frame, error) {
	m.poolMu.Lock()

	k := key{tableID, pageNum}
	if f, ok := m.byKey[k]; ok {
		if elem, ok := m.lruElem[f]; ok {
			m.lru.MoveToFront(elem)
		}
		m.poolMu.Unlock()
		atomic.AddInt64(&m.hits, 1)
		lockLatch(f, mode)
		return f, nil
	}

	atomic.AddInt64(&m.misses, 1)
	f, err := m.acquireFrameForLoad(k)
	if err != nil {
		m.poolMu.Unlock()
		return nil, err
	}

	t := m.tableOf(tableID)
	if t == nil {
		unlockLatch(f, LatchExclusive)
		m.poolMu.Unlock()
		return nil, errors.Errorf("buffer: table %d not registered", tableID)
	}
	if err := t.file.ReadPage(pageNum, &f.data); err != nil {
		unlockLatch(f, LatchExclusive)
		m.poolMu.Unlock()
		return nil, err
	}
	f.tableID = tableID
	f.pageNum = pageNum
	f.dirty = false
	f.resident = true
	m.byKey[k] = f
	m.promote(f)
	m.poolMu.Unlock()

	if mode == LatchShared {
		// the loader takes the frame exclusively to install it race-free;
		// downgrade to the caller's requested shared mode.
		unlockLatch(f, LatchExclusive)
		lockLatch(f, LatchShared)
	}
	return f, nil
}

// acquireFrameForLoad finds a frame to hold key k, evicting a victim if
// the pool is full. Called with poolMu held; returns with the frame
// latched exclusively (the loader then fills it in and may downgrade).
func (m *Manager) acquireFrameForLoad(k key) (*Frame, error) {
	if len(m.frames) < m.capacity {
		f := &Frame{}
		m.frames = append(m.frames, f)
		f.latch.Lock()
		f.mode = LatchExclusive
		elem := m.lru.PushFront(f)
		m.lruElem[f] = elem
		return f, nil
	}

	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		f := elem.Value.(*Frame)
		if !tryLockLatch(f, LatchExclusive) {
			continue
		}
		if f.resident {
			if err := m.writeBack(f); err != nil {
				unlockLatch(f, LatchExclusive)
				return nil, err
			}
			delete(m.byKey, key{f.tableID, f.pageNum})
			atomic.AddInt64(&m.evictions, 1)
		}
		m.lru.MoveToFront(elem)
		return f, nil
	}

	return nil, errors.New("buffer: pool exhausted, no evictable frame")
}

func (m *Manager) promote(f *Frame) {
	if elem, ok := m.lruElem[f]; ok {
		m.lru.MoveToFront(elem)
	}
}

// writeBack flushes a dirty frame to disk. Caller holds the frame's
// exclusive latch.
func (m *Manager) writeBack(f *Frame) error {
	if !f.dirty {
		return nil
	}
	t := m.tableOf(f.tableID)
	if t == nil {
		return errors.Errorf("buffer: writeback for unregistered table %d", f.tableID)
	}
	if err := t.file.WritePage(f.pageNum, &f.data); err != nil {
		return err
	}
	f.dirty = false
	m.log.WithFields(logrus.Fields{"table_id": f.tableID, "page_num": f.pageNum}).
		Debug("buffer: wrote back dirty frame")
	return nil
}

// AllocPage allocates a new page for tableID, returning it pinned and
// exclusively latched with zeroed contents.
func (m *Manager) AllocPage(tableID int64) (*Frame, error) {
	t := m.tableOf(tableID)
	if t == nil {
		return nil, errors.Errorf("buffer: table %d not registered", tableID)
	}

	t.hdrMu.Lock()
	pageNum, err := t.file.AllocatePage(&t.header)
	t.hdrMu.Unlock()
	if err != nil {
		return nil, err
	}

	m.poolMu.Lock()
	f, err := m.acquireFrameForLoad(key{tableID, pageNum})
	if err != nil {
		m.poolMu.Unlock()
		return nil, err
	}
	f.data = pagefile.Page{}
	f.tableID = tableID
	f.pageNum = pageNum
	f.dirty = true
	f.resident = true
	m.byKey[key{tableID, pageNum}] = f
	m.promote(f)
	m.poolMu.Unlock()

	return f, nil
}

// FreePage returns a page to the table's free list. If the page is
// resident its frame is evicted without write-back (its content no
// longer matters) and moved to the tail of the LRU chain.
func (m *Manager) FreePage(tableID int64, pageNum uint64) error {
	t := m.tableOf(tableID)
	if t == nil {
		return errors.Errorf("buffer: table %d not registered", tableID)
	}

	t.hdrMu.Lock()
	err := t.file.FreePage(&t.header, pageNum)
	t.hdrMu.Unlock()
	if err != nil {
		return err
	}

	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	k := key{tableID, pageNum}
	if f, ok := m.byKey[k]; ok {
		f.latch.Lock()
		f.resident = false
		f.dirty = false
		f.latch.Unlock()
		delete(m.byKey, k)
		if elem, ok := m.lruElem[f]; ok {
			m.lru.MoveToBack(elem)
		}
	}
	return nil
}

// Unpin merges the caller's dirty bit into the frame's dirty bit and
// releases the page latch. It does not write back; pages are flushed
// only on eviction, shutdown or recovery end.
func (m *Manager) Unpin(f *Frame, isDirty bool) {
	if isDirty {
		f.dirty = true
	}
	unlockLatch(f, f.mode)
}

// FlushAll writes back every dirty frame, used at shutdown and at the
// end of recovery.
func (m *Manager) FlushAll() error {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, f := range m.frames {
		f.latch.Lock()
		err := m.writeBack(f)
		f.latch.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
