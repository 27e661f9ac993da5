package wal

import "encoding/binary"

// Type is a log record's kind.
type Type int32

const (
	Begin Type = iota
	Update
	Commit
	Rollback
	Compensate
)

func (t Type) String() string {
	switch t {
	case Begin:
		return "BEGIN"
	case Update:
		return "UPDATE"
	case Commit:
		return "COMMIT"
	case Rollback:
		return "ROLLBACK"
	case Compensate:
		return "COMPENSATE"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderSize is the fixed 28-byte header shared by every record:
	// log_size(4), lsn(8), prev_lsn(8), trx_id(4), type(4).
	HeaderSize = 28

	offSize    = 0
	offLSN     = 4
	offPrevLSN = 12
	offTrxID   = 20
	offType    = 24

	// UPDATE/COMPENSATE body, starting where the header ends.
	offTableID = 28
	offPageNum = 36
	offOffset  = 44
	offLength  = 46
	offOldImage = 48
	// new image follows at offOldImage+length; COMPENSATE's
	// next_undo_lsn follows that, at offOldImage+2*length.
)

// Record is one raw, self-contained log entry: a byte slice laid out
// exactly as it is written to and read from the log file.
type Record []byte

func newRecord(size uint32) Record {
	r := make(Record, size)
	binary.BigEndian.PutUint32(r[offSize:], size)
	return r
}

func (r Record) Size() uint32    { return binary.BigEndian.Uint32(r[offSize:]) }
func (r Record) LSN() int64      { return int64(binary.BigEndian.Uint64(r[offLSN:])) }
func (r Record) PrevLSN() int64  { return int64(binary.BigEndian.Uint64(r[offPrevLSN:])) }
func (r Record) TrxID() int      { return int(int32(binary.BigEndian.Uint32(r[offTrxID:]))) }
func (r Record) Type() Type      { return Type(int32(binary.BigEndian.Uint32(r[offType:]))) }

func (r Record) setLSN(lsn int64)         { binary.BigEndian.PutUint64(r[offLSN:], uint64(lsn)) }
func (r Record) setPrevLSN(lsn int64)     { binary.BigEndian.PutUint64(r[offPrevLSN:], uint64(lsn)) }

func (r Record) TableID() int64   { return int64(binary.BigEndian.Uint64(r[offTableID:])) }
func (r Record) PageNum() uint64  { return binary.BigEndian.Uint64(r[offPageNum:]) }
func (r Record) Offset() uint16   { return binary.BigEndian.Uint16(r[offOffset:]) }
func (r Record) Length() uint16   { return binary.BigEndian.Uint16(r[offLength:]) }

func (r Record) OldImage() []byte {
	l := r.Length()
	return r[offOldImage : int(offOldImage)+int(l)]
}

func (r Record) NewImage() []byte {
	l := r.Length()
	start := int(offOldImage) + int(l)
	return r[start : start+int(l)]
}

// NextUndoLSN is valid only on a COMPENSATE record.
func (r Record) NextUndoLSN() int64 {
	l := int(r.Length())
	off := offOldImage + 2*l
	return int64(binary.BigEndian.Uint64(r[off:]))
}

func (r Record) setNextUndoLSN(lsn int64) {
	l := int(r.Length())
	off := offOldImage + 2*l
	binary.BigEndian.PutUint64(r[off:], uint64(lsn))
}

// copyRecord returns an independent copy of r, for callers (recovery,
// trace) that keep a record past the lifetime of its source buffer.
func copyRecord(r Record) Record {
	c := make(Record, len(r))
	copy(c, r)
	return c
}

func makeBase(trxID int, t Type) Record {
	r := newRecord(HeaderSize)
	r.setLSN(-1)
	r.setPrevLSN(-1)
	binary.BigEndian.PutUint32(r[offTrxID:], uint32(int32(trxID)))
	binary.BigEndian.PutUint32(r[offType:], uint32(int32(t)))
	return r
}

func makeUpdate(trxID int, tableID int64, pageNum uint64, offset uint16, oldVal, newVal []byte) Record {
	length := uint16(len(oldVal))
	size := uint32(offOldImage) + 2*uint32(length)
	full := newRecord(size)
	base := makeBase(trxID, Update)
	copy(full, base)
	binary.BigEndian.PutUint32(full[offSize:], size)
	binary.BigEndian.PutUint64(full[offTableID:], uint64(tableID))
	binary.BigEndian.PutUint64(full[offPageNum:], pageNum)
	binary.BigEndian.PutUint16(full[offOffset:], offset)
	binary.BigEndian.PutUint16(full[offLength:], length)
	copy(full[offOldImage:], oldVal)
	copy(full[int(offOldImage)+int(length):], newVal)
	return full
}

// makeCompensate builds the CLR that undoes one UPDATE record: the
// roles of old/new image swap (undoing writes the original's old
// image back), and next_undo_lsn points at the record preceding the
// one being undone in its transaction's chain, so a second crash mid-
// undo knows where to resume.
func makeCompensate(update Record) Record {
	length := update.Length()
	size := uint32(offOldImage) + 2*uint32(length) + 8
	r := newRecord(size)
	base := makeBase(update.TrxID(), Compensate)
	copy(r, base)
	binary.BigEndian.PutUint32(r[offSize:], size)
	binary.BigEndian.PutUint64(r[offTableID:], uint64(update.TableID()))
	binary.BigEndian.PutUint64(r[offPageNum:], update.PageNum())
	binary.BigEndian.PutUint16(r[offOffset:], update.Offset())
	binary.BigEndian.PutUint16(r[offLength:], length)
	copy(r[offOldImage:], update.NewImage())
	copy(r[int(offOldImage)+int(length):], update.OldImage())
	r.setNextUndoLSN(update.PrevLSN())
	return r
}
