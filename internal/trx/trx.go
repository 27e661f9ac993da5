// Package trx implements record-level strict two-phase locking: a
// FIFO wait queue per (table,page), shared/exclusive lock modes, and
// cycle-detecting deadlock detection run at acquisition time. It also
// keeps the transaction table that the log manager and recovery
// consult for a transaction's outstanding locks and last LSN.
package trx

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mode is a record lock's mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// ErrDeadlock is returned by AcquireLock when granting the request
// would complete a wait-for cycle; the caller's transaction must
// abort.
var ErrDeadlock = errors.New("trx: deadlock detected")

// ErrUnknownTrx is returned when an operation names a transaction
// that was never begun, already ended, or already aborted.
var ErrUnknownTrx = errors.New("trx: unknown transaction")

type entryKey struct {
	tableID int64
	pageNum uint64
}

// entry is one (table,page)'s FIFO queue of lock requests, granted
// or waiting.
type entry struct {
	head, tail *node
}

// node is one granted-or-waiting lock request, linked both into its
// entry's queue (prev/next) and into its owning transaction's list
// of held locks (trxNext), exactly mirroring the original's doubly
// linked lock_t records.
type node struct {
	prev, next *node
	owner      *entry
	recordID   int64
	mode       Mode
	trxID      int
	trxNext    *node
	ready      bool
	cond       *sync.Cond
}

// transaction tracks one live transaction's held locks and recovery
// bookkeeping.
type transaction struct {
	trxID   int
	locks   *node // head of the trx-owned chain, via trxNext
	lastLSN int64
}

// Manager is the lock table plus transaction table. A single mutex
// guards both (the original keeps them as two separate pthread
// mutexes; combining them removes a lock-ordering hazard between
// trx_table_latch and lock_table_latch with no loss of concurrency,
// since every path that touches one also touches the other).
type Manager struct {
	mu        sync.Mutex
	entries   map[entryKey]*entry
	trxs      map[int]*transaction
	nextTrxID int
	log       *logrus.Entry
}

// NewManager constructs an empty lock/transaction table.
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		entries: make(map[entryKey]*entry),
		trxs:    make(map[int]*transaction),
		log:     log,
	}
}

// Begin starts a new transaction and returns its id.
func (m *Manager) Begin() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTrxID++
	id := m.nextTrxID
	m.trxs[id] = &transaction{trxID: id, lastLSN: -1}
	return id
}

// LastLSN returns a transaction's most recently logged LSN.
func (m *Manager) LastLSN(trxID int) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trxs[trxID]
	if !ok {
		return -1, false
	}
	return t.lastLSN, true
}

// SetLastLSN records the LSN of the most recent log record a
// transaction produced, chaining prev_lsn values in log records.
func (m *Manager) SetLastLSN(trxID int, lsn int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trxs[trxID]; ok {
		t.lastLSN = lsn
	}
}

// Resurrect reinstates a loser transaction discovered during the
// analysis pass of recovery, so a subsequent manual abort can walk
// its log chain via last_lsn.
func (m *Manager) Resurrect(trxID int, lastLSN int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trxs[trxID] = &transaction{trxID: trxID, lastLSN: lastLSN}
	if trxID >= m.nextTrxID {
		m.nextTrxID = trxID
	}
}

// AcquireLock grants a record lock or blocks until it can be granted,
// returning ErrDeadlock if granting it would close a wait-for cycle.
// Lock requests against the same record queue in arrival order;
// compatibility is shared-shared only, matching the entry's preceding
// requests for the same record.
func (m *Manager) AcquireLock(tableID int64, pageNum uint64, recordID int64, trxID int, mode Mode) error {
	m.mu.Lock()

	if _, ok := m.trxs[trxID]; !ok {
		m.mu.Unlock()
		return ErrUnknownTrx
	}

	ek := entryKey{tableID, pageNum}
	e, ok := m.entries[ek]
	if !ok {
		e = &entry{}
		m.entries[ek] = e
	}

	n := &node{
		owner:    e,
		recordID: recordID,
		mode:     mode,
		trxID:    trxID,
		prev:     e.tail,
	}
	n.cond = sync.NewCond(&m.mu)

	if e.tail == nil {
		e.head = n
	} else {
		e.tail.next = n
	}
	e.tail = n

	m.addLockToTrx(trxID, n)

	if m.detectDeadlock(n) {
		m.removeNode(n)
		m.mu.Unlock()
		return ErrDeadlock
	}

	for m.needToWait(n) {
		n.cond.Wait()
	}
	n.ready = true

	m.mu.Unlock()
	return nil
}

func (m *Manager) addLockToTrx(trxID int, n *node) {
	t, ok := m.trxs[trxID]
	if !ok {
		return
	}
	if t.locks == nil {
		t.locks = n
		return
	}
	cur := t.locks
	for cur.trxNext != nil {
		cur = cur.trxNext
	}
	cur.trxNext = n
}

// needToWait reports whether any earlier request against the same
// record, held by a different transaction, conflicts with n (a
// conflict exists whenever either side is exclusive).
func (m *Manager) needToWait(n *node) bool {
	for p := n.prev; p != nil; p = p.prev {
		if p.recordID == n.recordID && p.trxID != n.trxID {
			if n.mode == Exclusive || p.mode == Exclusive {
				return true
			}
		}
	}
	return false
}

// waitingFor returns the set of transactions n must wait for right now.
func (m *Manager) waitingFor(n *node) map[int]bool {
	out := make(map[int]bool)
	for p := n.prev; p != nil; p = p.prev {
		if p.recordID == n.recordID && p.trxID != n.trxID {
			if n.mode == Exclusive || p.mode == Exclusive {
				out[p.trxID] = true
			}
		}
	}
	return out
}

// detectDeadlock walks the wait-for graph reachable from n's direct
// blockers looking for a path back to n's own transaction, via
// reverse-reachability DFS exactly as the original's trx_detect_deadlock.
func (m *Manager) detectDeadlock(n *node) bool {
	checked := make(map[int]bool)
	var stack []int
	for id := range m.waitingFor(n) {
		stack = append(stack, id)
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if checked[id] {
			continue
		}
		if id == n.trxID {
			return true
		}

		if t, ok := m.trxs[id]; ok {
			for cur := t.locks; cur != nil; cur = cur.trxNext {
				for next := range m.waitingFor(cur) {
					stack = append(stack, next)
				}
			}
		}
		checked[id] = true
	}
	return false
}

// releaseLocked removes n from its entry's queue and wakes every
// directly-following compatible waiter on the same record, stopping
// at the first exclusive waiter woken (it must itself release before
// anyone after it can proceed). Caller holds m.mu.
func (m *Manager) releaseLocked(n *node) {
	for succ := n.next; succ != nil; succ = succ.next {
		if succ.recordID == n.recordID {
			succ.cond.Signal()
			if succ.mode == Exclusive {
				break
			}
		}
	}
	m.removeNode(n)
}

func (m *Manager) removeNode(n *node) {
	e := n.owner
	if e.tail == n {
		e.tail = n.prev
	}
	if e.head == n {
		e.head = n.next
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if e.tail == nil {
		for k, v := range m.entries {
			if v == e {
				delete(m.entries, k)
				break
			}
		}
	}
}

// ReleaseAll releases every lock a transaction holds (commit path) or
// is recorded as holding (abort path, after undo has already run) and
// forgets the transaction.
func (m *Manager) ReleaseAll(trxID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trxs[trxID]
	if !ok {
		return
	}
	for n := t.locks; n != nil; {
		next := n.trxNext
		m.releaseLocked(n)
		n = next
	}
	delete(m.trxs, trxID)
}

// Live returns the ids of every transaction still in the table, for
// shutdown to abort.
func (m *Manager) Live() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.trxs))
	for id := range m.trxs {
		out = append(out, id)
	}
	return out
}

// Forget removes a transaction from the table without releasing any
// locks, for recovery's undo pass discarding a resurrected loser once
// its BEGIN is reached (resurrected transactions hold no locks).
func (m *Manager) Forget(trxID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trxs, trxID)
}

// Shutdown drops every lock table entry unconditionally, mirroring
// trx_shutdown_db's final sweep after every live transaction has
// already been aborted by the caller.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[entryKey]*entry)
	m.trxs = make(map[int]*transaction)
}
