// Package engine wires the pagefile, buffer, bptree, trx and wal
// packages into the storage engine's public surface: InitDB,
// ShutdownDB, OpenTable, the per-record CRUD operations, and
// transaction control.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/intellect4all/storage-engines/common"
	"github.com/intellect4all/storage-engines/internal/bptree"
	"github.com/intellect4all/storage-engines/internal/buffer"
	"github.com/intellect4all/storage-engines/internal/pagefile"
	"github.com/intellect4all/storage-engines/internal/trx"
	"github.com/intellect4all/storage-engines/internal/wal"
)

// Recovery flags for InitDB, mirrored from the wal package so callers
// never need to import it directly.
const (
	NormalRecovery = wal.Normal
	RedoCrash      = wal.RedoCrash
	UndoCrash      = wal.UndoCrash
)

const maxOpenTables = 20

const tableFileExt = ".tbl"

var (
	// ErrTooManyTables is returned by OpenTable once maxOpenTables
	// distinct tables are already open.
	ErrTooManyTables = errors.New("engine: too many open tables")

	ErrTableNotOpen = errors.New("engine: table not open")
)

type tableHandle struct {
	path string
	file *pagefile.File
	tree *bptree.Tree
}

// Engine is the live handle produced by InitDB and consumed by
// ShutdownDB. It owns every subsystem's root object; there is no other
// package-level mutable state.
type Engine struct {
	cfg *Config

	mu       sync.Mutex
	byPath   map[string]int64
	tables   map[int64]*tableHandle
	nextID   int64
	closed   bool

	buf *buffer.Manager
	trx *trx.Manager
	wal *wal.Manager

	log *logrus.Logger
}

// InitDB brings up the file, buffer, lock and log layers, discovers
// any table files already present in cfg.DataDir (registering them
// under deterministic ids assigned by sorted filename order, since
// the path-to-table-id convention is left to the implementation), and
// runs recovery before returning control to the caller.
func InitDB(cfg *Config, flag, logNum int) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "engine: create data dir")
	}

	logger := logrus.New()
	e := &Engine{
		cfg:    cfg,
		byPath: make(map[string]int64),
		tables: make(map[int64]*tableHandle),
		log:    logger,
	}

	e.buf = buffer.NewManager(cfg.BufferFrames, logger.WithField("subsystem", "buffer"))
	e.trx = trx.NewManager(logger.WithField("subsystem", "trx"))

	walMgr, err := wal.NewManager(cfg.LogPath, e.trx, e.buf, logger.WithField("subsystem", "wal"))
	if err != nil {
		return nil, err
	}
	e.wal = walMgr

	if err := e.discoverTables(); err != nil {
		return nil, err
	}

	traceFile, err := os.Create(cfg.RecoveryTrace)
	if err != nil {
		return nil, errors.Wrap(err, "engine: open recovery trace")
	}
	defer traceFile.Close()

	runID := uuid.New().String()
	if err := e.wal.Recover(flag, logNum, traceFile); err != nil {
		return nil, errors.Wrap(err, "engine: recovery")
	}

	e.log.WithFields(logrus.Fields{"tables": len(e.tables), "recovery_run_id": runID}).Info("engine: recovery complete")
	return e, nil
}

// discoverTables opens and registers every existing table file under
// the data directory, in sorted filename order, so restarts assign
// the same table id to the same path as long as the directory's
// contents are unchanged.
func (e *Engine) discoverTables() error {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "engine: scan data dir")
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == tableFileExt {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(e.cfg.DataDir, name)
		if _, err := e.registerTable(path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) registerTable(path string) (int64, error) {
	f, err := pagefile.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "engine: open table file %s", path)
	}
	if err := e.buf.RegisterTable(e.nextID+1, f); err != nil {
		f.Close()
		return 0, err
	}
	e.nextID++
	id := e.nextID
	e.tables[id] = &tableHandle{path: path, file: f, tree: bptree.New(e.buf, id)}
	e.byPath[path] = id
	return id, nil
}

// OpenTable opens or creates the table file at path, returning its
// stable table id. Idempotent on an already-open path.
func (e *Engine) OpenTable(path string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, common.ErrClosed
	}

	abs := path
	if id, ok := e.byPath[abs]; ok {
		return id, nil
	}
	if len(e.tables) >= maxOpenTables {
		return 0, ErrTooManyTables
	}
	return e.registerTable(abs)
}

func (e *Engine) table(tableID int64) (*tableHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, common.ErrClosed
	}
	t, ok := e.tables[tableID]
	if !ok {
		return nil, ErrTableNotOpen
	}
	return t, nil
}

// ShutdownDB aborts every in-flight transaction, flushes the log and
// buffer pool, and closes every open table file and the log file.
func (e *Engine) ShutdownDB() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return common.ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	for _, id := range e.trx.Live() {
		if err := e.TrxAbort(id); err != nil {
			e.log.WithError(err).Warn("engine: abort during shutdown")
		}
	}
	e.trx.Shutdown()

	if err := e.wal.Flush(); err != nil {
		return err
	}
	if err := e.buf.FlushAll(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.tables {
		e.buf.UnregisterTable(id)
		if err := t.file.Close(); err != nil {
			return err
		}
	}
	e.tables = make(map[int64]*tableHandle)
	e.byPath = make(map[string]int64)
	return nil
}

// Stats reports the buffer pool's cumulative hit/miss/eviction counters
// alongside the engine's current table and transaction counts, for
// diagnostics and tests that assert on pool behavior under a workload
// rather than just on record contents.
func (e *Engine) Stats() common.Stats {
	hits, misses, evictions := e.buf.Stats()
	e.mu.Lock()
	tables := len(e.tables)
	e.mu.Unlock()
	return common.Stats{
		TablesOpen:         tables,
		ActiveTransactions: len(e.trx.Live()),
		BufferPageHits:     hits,
		BufferPageMisses:   misses,
		BufferEvictions:    evictions,
	}
}

// TrxBegin starts a new transaction and logs its BEGIN record.
func (e *Engine) TrxBegin() (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, common.ErrClosed
	}

	id := e.trx.Begin()
	if err := e.wal.AppendBegin(id); err != nil {
		return 0, err
	}
	return id, nil
}

// TrxCommit releases every lock the transaction holds and logs
// (and flushes) its COMMIT record.
func (e *Engine) TrxCommit(trxID int) error {
	e.trx.ReleaseAll(trxID)
	return e.wal.AppendCommit(trxID)
}

// TrxAbort undoes every UPDATE the transaction made (newest first,
// emitting a CLR for each), releases its locks, and logs its
// ROLLBACK record.
func (e *Engine) TrxAbort(trxID int) error {
	lastLSN, ok := e.trx.LastLSN(trxID)
	if !ok {
		return nil
	}
	records, err := e.wal.Trace(lastLSN)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Type() == wal.Update {
			if err := e.wal.Undo(rec); err != nil {
				return err
			}
		}
	}
	e.trx.ReleaseAll(trxID)
	return e.wal.AppendRollback(trxID)
}

// Insert adds a new record. Structural only: no record lock, no log
// record, matching the non-transactional insert path.
func (e *Engine) Insert(tableID, key int64, value []byte) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	return t.tree.Insert(key, value)
}

// Delete removes a record. Structural only, like Insert.
func (e *Engine) Delete(tableID, key int64) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	return t.tree.Delete(key)
}

// Find returns a record's value. If trxID is non-zero, a SHARED
// record lock is acquired first; a deadlock aborts the caller's
// transaction and returns the deadlock error.
func (e *Engine) Find(tableID, key int64, trxID int) ([]byte, error) {
	t, err := e.table(tableID)
	if err != nil {
		return nil, err
	}

	if trxID != 0 {
		leaf, err := t.tree.FindLeafForKey(key)
		if err != nil {
			return nil, err
		}
		if leaf == 0 {
			return nil, bptree.ErrKeyNotFound
		}
		if err := e.trx.AcquireLock(tableID, leaf, key, trxID, trx.Shared); err != nil {
			_ = e.TrxAbort(trxID)
			return nil, err
		}
	}

	return t.tree.Find(key)
}

// Scan returns every record in [beginKey, endKey].
func (e *Engine) Scan(tableID, beginKey, endKey int64) ([]int64, [][]byte, error) {
	t, err := e.table(tableID)
	if err != nil {
		return nil, nil, err
	}
	return t.tree.Scan(beginKey, endKey)
}

// Update overwrites an existing record's value in place under an
// EXCLUSIVE record lock, emitting a single UPDATE log record and
// stamping the leaf's page LSN before releasing the page latch. The
// new value must be the same length as the record's current value:
// the WAL's UPDATE body shares one length field between its old and
// new images, so a genuine resize is only representable as a
// structural delete+insert, which Update does not perform.
func (e *Engine) Update(tableID, key int64, value []byte, trxID int) (oldSize int, err error) {
	t, err := e.table(tableID)
	if err != nil {
		return 0, err
	}

	loc, err := t.tree.Locate(key)
	if err != nil {
		return 0, err
	}

	if err := e.trx.AcquireLock(tableID, loc.PageNum, key, trxID, trx.Exclusive); err != nil {
		_ = e.TrxAbort(trxID)
		return 0, err
	}

	oldVal, err := t.tree.ReadValueAt(loc)
	if err != nil {
		return 0, err
	}

	frame, err := t.tree.WriteValueInPlace(loc, value)
	if err != nil {
		return 0, err
	}

	lsn := e.wal.AppendUpdate(trxID, tableID, loc.PageNum, loc.Offset, oldVal, value)
	bptree.SetPageLSN(frame.Data(), uint64(lsn))
	e.buf.Unpin(frame, true)

	return len(oldVal), nil
}
