// Package wal implements the ARIES-style write-ahead log: append-only
// log records buffered in memory until flushed, and the three-pass
// (analysis, redo, undo) recovery algorithm run once at startup.
package wal

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/intellect4all/storage-engines/internal/buffer"
	"github.com/intellect4all/storage-engines/internal/bptree"
	"github.com/intellect4all/storage-engines/internal/trx"
)

// Manager owns the log file, the in-memory unflushed buffer, and the
// LSN counter (LSNs are byte offsets into the log file, so appending
// a record of size N advances the counter by N).
type Manager struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	lsn    int64
	buffer []Record

	trx *trx.Manager
	buf *buffer.Manager
	log *logrus.Entry
}

// NewManager opens or creates the log file at path.
func NewManager(path string, trxMgr *trx.Manager, bufMgr *buffer.Manager, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "wal: open %s", path)
		}
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "wal: create %s", path)
		}
	}
	return &Manager{f: f, path: path, trx: trxMgr, buf: bufMgr, log: log}, nil
}

// Close flushes, closes the log file, and resets the LSN counter, so
// a fresh InitDB against the same file starts recovery from byte 0
// the next time it is reopened (matching log_shutdown_db's reset of
// the global LSN).
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flush(); err != nil {
		m.f.Close()
		return err
	}
	m.buffer = nil
	m.lsn = 0
	return errors.Wrap(m.f.Close(), "wal: close")
}

// append assigns the next LSN to rec, chains prev_lsn from the
// transaction table, advances the trx's last_lsn, and buffers rec
// without writing it to disk. Caller holds m.mu.
func (m *Manager) append(rec Record) int64 {
	lsn := m.lsn
	rec.setLSN(lsn)
	m.lsn += int64(rec.Size())

	trxID := rec.TrxID()
	if prev, ok := m.trx.LastLSN(trxID); ok {
		rec.setPrevLSN(prev)
		m.trx.SetLastLSN(trxID, lsn)
	}

	m.buffer = append(m.buffer, rec)
	return lsn
}

// flush writes every buffered record to disk at its assigned offset
// and fsyncs. Caller holds m.mu.
func (m *Manager) flush() error {
	for _, rec := range m.buffer {
		if _, err := m.f.WriteAt(rec, rec.LSN()); err != nil {
			return errors.Wrap(err, "wal: write record")
		}
	}
	m.buffer = m.buffer[:0]
	return errors.Wrap(m.f.Sync(), "wal: fsync")
}

// AppendBegin logs a transaction's start. Buffered only, matching
// trx_begin's plain log_add.
func (m *Manager) AppendBegin(trxID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(makeBase(trxID, Begin))
	return nil
}

// AppendCommit logs and immediately flushes a commit: COMMIT must
// reach disk before the caller reports success to its client.
func (m *Manager) AppendCommit(trxID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(makeBase(trxID, Commit))
	return m.flush()
}

// AppendRollback logs and flushes a rollback, once undo has already
// restored every record the aborting transaction touched.
func (m *Manager) AppendRollback(trxID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(makeBase(trxID, Rollback))
	return m.flush()
}

// AppendUpdate logs an in-place value overwrite. Buffered only: the
// record reaches disk no later than the next commit, rollback, or
// explicit Flush (a crash before then loses it), which is sufficient for the WAL happens-before-
// disk-write rule since the dirty page itself is never written back
// except on eviction, shutdown or recovery end, all of which flush
// the log first.
func (m *Manager) AppendUpdate(trxID int, tableID int64, pageNum uint64, offset uint16, oldVal, newVal []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := makeUpdate(trxID, tableID, pageNum, offset, oldVal, newVal)
	return m.append(rec)
}

// Flush forces every buffered record to disk.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flush()
}

// Trace returns the chain of log records for one transaction, walked
// backward from lastLSN via each record's prev_lsn, newest first. It
// checks the in-memory buffer before falling back to disk, since an
// aborting transaction's own UPDATE records may not have been
// flushed yet.
func (m *Manager) Trace(lastLSN int64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	cur := lastLSN
	for i := len(m.buffer) - 1; i >= 0 && cur >= 0; i-- {
		rec := m.buffer[i]
		if rec.LSN() == cur {
			out = append(out, copyRecord(rec))
			cur = rec.PrevLSN()
		}
	}
	for cur >= 0 {
		var sizeBuf [4]byte
		if _, err := m.f.ReadAt(sizeBuf[:], cur); err != nil {
			return nil, errors.Wrapf(err, "wal: trace read size at %d", cur)
		}
		size := beUint32(sizeBuf[:])
		rec := make(Record, size)
		if _, err := m.f.ReadAt(rec, cur); err != nil {
			return nil, errors.Wrapf(err, "wal: trace read record at %d", cur)
		}
		out = append(out, rec)
		cur = rec.PrevLSN()
	}
	return out, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Undo applies one UPDATE record's old image back onto its page,
// emits the matching COMPENSATE record, and stamps the page's LSN to
// the CLR's LSN. Used by both live-transaction abort and recovery's
// undo pass.
func (m *Manager) Undo(rec Record) error {
	frame, err := m.buf.ReadPage(rec.TableID(), rec.PageNum(), buffer.LatchExclusive)
	if err != nil {
		return err
	}
	bptree.SetValue(frame.Data(), rec.Offset(), rec.OldImage())

	clr := makeCompensate(rec)
	m.mu.Lock()
	lsn := m.append(clr)
	m.mu.Unlock()

	bptree.SetPageLSN(frame.Data(), uint64(lsn))
	m.buf.Unpin(frame, true)
	return nil
}

// redo applies an UPDATE or COMPENSATE record's new image if the
// target page hasn't already absorbed it (page_lsn < record.lsn).
// Returns false (a CONSIDER-REDO) when the page was already current.
func (m *Manager) redo(rec Record) (bool, error) {
	frame, err := m.buf.ReadPage(rec.TableID(), rec.PageNum(), buffer.LatchExclusive)
	if err != nil {
		return false, err
	}
	if rec.LSN() <= int64(bptree.PageLSN(frame.Data())) {
		m.buf.Unpin(frame, false)
		return false, nil
	}
	bptree.SetValue(frame.Data(), rec.Offset(), rec.NewImage())
	bptree.SetPageLSN(frame.Data(), uint64(rec.LSN()))
	m.buf.Unpin(frame, true)
	return true, nil
}

// Recovery flags, selecting where a simulated crash truncates a pass.
const (
	Normal = iota
	RedoCrash
	UndoCrash
)

// readAll reads every record from the start of the log file through
// the current end, used once at recovery start before any new record
// has been appended.
func (m *Manager) readAll() ([]Record, error) {
	var out []Record
	pos := int64(0)
	for {
		var sizeBuf [4]byte
		n, err := m.f.ReadAt(sizeBuf[:], pos)
		if n < 4 || err != nil {
			break
		}
		size := beUint32(sizeBuf[:])
		rec := make(Record, size)
		if _, err := m.f.ReadAt(rec, pos); err != nil {
			return nil, errors.Wrap(err, "wal: read all")
		}
		out = append(out, rec)
		pos += int64(size)
	}
	m.lsn = pos
	return out, nil
}

// getLosers classifies every transaction seen in redoLogs as a winner
// (committed or rolled back) or a loser (began but neither), then
// builds the undo list: every record belonging to a loser, trimmed so
// that once a loser's chain reaches a COMPENSATE record, any record
// newer than that CLR's next_undo_lsn is dropped (it was already
// undone before the crash), and reversed into descending-LSN order.
func getLosers(redoLogs []Record) (winners, losers map[int]bool, undoLogs []Record) {
	winners = make(map[int]bool)
	losers = make(map[int]bool)

	for _, r := range redoLogs {
		switch r.Type() {
		case Begin:
			losers[r.TrxID()] = true
		case Commit, Rollback:
			winners[r.TrxID()] = true
			delete(losers, r.TrxID())
		}
	}

	for _, r := range redoLogs {
		if losers[r.TrxID()] {
			undoLogs = append(undoLogs, copyRecord(r))
		}
	}

	for trxID := range losers {
		lastIdx := -1
		for i := len(undoLogs) - 1; i >= 0; i-- {
			if undoLogs[i].TrxID() == trxID {
				lastIdx = i
				break
			}
		}
		if lastIdx < 0 {
			continue
		}
		last := undoLogs[lastIdx]
		if last.Type() != Compensate {
			continue
		}
		nextUndo := last.NextUndoLSN()
		filtered := undoLogs[:0]
		for _, r := range undoLogs {
			if r.TrxID() == trxID && r.LSN() > nextUndo {
				continue
			}
			filtered = append(filtered, r)
		}
		undoLogs = filtered
	}

	for i, j := 0, len(undoLogs)-1; i < j; i, j = i+1, j-1 {
		undoLogs[i], undoLogs[j] = undoLogs[j], undoLogs[i]
	}
	return winners, losers, undoLogs
}

// Recover runs the full analysis/redo/undo recovery algorithm,
// writing a human-readable trace to traceOut. flag/logNum simulate a
// second crash partway through the redo or undo pass, for exercising
// recovery's own idempotency.
func (m *Manager) Recover(flag, logNum int, traceOut io.Writer) error {
	fmt.Fprintf(traceOut, "[ANALYSIS] Analysis pass start\n")

	redoLogs, err := m.readAll()
	if err != nil {
		return err
	}
	winners, losers, undoLogs := getLosers(redoLogs)

	fmt.Fprintf(traceOut, "[ANALYSIS] Analysis success. Winner:")
	for trxID := range winners {
		fmt.Fprintf(traceOut, " %d", trxID)
	}
	fmt.Fprintf(traceOut, ", Loser:")
	for trxID := range losers {
		fmt.Fprintf(traceOut, " %d", trxID)
	}
	fmt.Fprintf(traceOut, "\n")

	for trxID := range losers {
		lastLSN := int64(-1)
		for i := len(redoLogs) - 1; i >= 0; i-- {
			if redoLogs[i].TrxID() == trxID {
				lastLSN = redoLogs[i].LSN()
				break
			}
		}
		m.trx.Resurrect(trxID, lastLSN)
	}

	fmt.Fprintf(traceOut, "[REDO] Redo pass start\n")

	i := 0
	for (flag != RedoCrash || i < logNum) && i < len(redoLogs) {
		rec := redoLogs[i]
		i++
		lsn, trxID, t := rec.LSN(), rec.TrxID(), rec.Type()

		switch t {
		case Begin:
			fmt.Fprintf(traceOut, "LSN %d [BEGIN] Transaction id %d\n", lsn, trxID)
		case Commit:
			fmt.Fprintf(traceOut, "LSN %d [COMMIT] Transaction id %d\n", lsn, trxID)
		case Rollback:
			fmt.Fprintf(traceOut, "LSN %d [ROLLBACK] Transaction id %d\n", lsn, trxID)
		default:
			applied, err := m.redo(rec)
			if err != nil {
				return err
			}
			if applied {
				if t == Update {
					fmt.Fprintf(traceOut, "LSN %d [UPDATE] Transaction id %d redo apply\n", lsn, trxID)
				} else {
					fmt.Fprintf(traceOut, "LSN %d [CLR] next undo lsn %d\n", lsn, rec.NextUndoLSN())
				}
			} else {
				fmt.Fprintf(traceOut, "LSN %d [CONSIDER-REDO] Transaction id %d\n", lsn, trxID)
			}
		}
	}
	if flag == RedoCrash {
		return nil
	}
	fmt.Fprintf(traceOut, "[REDO] Redo pass end\n")

	fmt.Fprintf(traceOut, "[UNDO] Undo pass start\n")

	i = 0
	for (flag != UndoCrash || i < logNum) && i < len(undoLogs) {
		rec := undoLogs[i]
		i++
		lsn, trxID, t := rec.LSN(), rec.TrxID(), rec.Type()

		switch t {
		case Begin:
			m.mu.Lock()
			m.append(makeBase(trxID, Rollback))
			m.flush()
			m.mu.Unlock()
			m.trx.Forget(trxID)
		case Update:
			if err := m.Undo(rec); err != nil {
				return err
			}
			fmt.Fprintf(traceOut, "LSN %d [UPDATE] Transaction id %d undo apply\n", lsn, trxID)
		}
	}
	if flag == UndoCrash {
		return nil
	}
	fmt.Fprintf(traceOut, "[UNDO] Undo pass end\n")

	if err := m.Flush(); err != nil {
		return err
	}
	return m.buf.FlushAll()
}
