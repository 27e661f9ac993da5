package bptree

import (
	"github.com/intellect4all/storage-engines/internal/buffer"
)

// RecordLocation pins down where a leaf stores one key's slot, for
// callers (the engine's transactional update path) that must read
// the old value and overwrite it under a record lock they already
// hold, then hand the offset/length on to the log manager.
type RecordLocation struct {
	PageNum uint64
	Offset  uint16
	Size    uint16
}

// Locate finds the leaf and slot holding key, without pinning
// anything past the lookup itself.
func (t *Tree) Locate(key int64) (RecordLocation, error) {
	leafNum, err := t.findLeafPath(key)
	if err != nil {
		return RecordLocation{}, err
	}
	if leafNum == 0 {
		return RecordLocation{}, ErrKeyNotFound
	}
	frame, err := t.buf.ReadPage(t.tableID, leafNum, buffer.LatchShared)
	if err != nil {
		return RecordLocation{}, err
	}
	defer t.buf.Unpin(frame, false)

	idx, ok := findSlotIndex(frame.Data(), key)
	if !ok {
		return RecordLocation{}, ErrKeyNotFound
	}
	s := GetSlot(frame.Data(), idx)
	return RecordLocation{PageNum: leafNum, Offset: s.Offset, Size: s.Size}, nil
}

// ReadValueAt returns the bytes currently stored at a record's
// location, for callers building an UPDATE log record's old image.
func (t *Tree) ReadValueAt(loc RecordLocation) ([]byte, error) {
	frame, err := t.buf.ReadPage(t.tableID, loc.PageNum, buffer.LatchShared)
	if err != nil {
		return nil, err
	}
	defer t.buf.Unpin(frame, false)
	return GetValue(frame.Data(), Slot{Offset: loc.Offset, Size: loc.Size}), nil
}

// WriteValueInPlace overwrites the bytes at a record's existing
// offset with newValue, which must be exactly loc.Size bytes (a
// same-size update, the only shape the single-length UPDATE log
// record format can represent). It neither stamps the page's LSN nor
// unpins the frame: the caller (engine.Update) holds the exclusively
// latched frame so it can emit the log record, stamp the page LSN and
// unpin it dirty against the same latched page, keeping the WAL
// happens-before rule intact.
func (t *Tree) WriteValueInPlace(loc RecordLocation, newValue []byte) (*buffer.Frame, error) {
	if uint16(len(newValue)) != loc.Size {
		return nil, ErrValueSize
	}
	frame, err := t.buf.ReadPage(t.tableID, loc.PageNum, buffer.LatchExclusive)
	if err != nil {
		return nil, err
	}
	SetValue(frame.Data(), loc.Offset, newValue)
	return frame, nil
}
