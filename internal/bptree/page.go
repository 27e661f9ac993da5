// Package bptree implements the on-disk B+-tree index: fixed-layout
// internal pages, slotted leaf pages, and the insert/delete/find/scan
// algorithms that keep both balanced. Page bytes are accessed through
// *pagefile.Page buffers borrowed from a buffer.Manager; this package
// never touches the filesystem directly.
package bptree

import (
	"encoding/binary"

	"github.com/intellect4all/storage-engines/internal/pagefile"
)

const (
	// DefaultOrder bounds the number of children an internal page may
	// hold: with a 16-byte (child,key) entry and a 120-byte common
	// header, 4096 bytes hold 249 children / 248 keys exactly.
	DefaultOrder = 249

	// MiddleOfPage is the cumulative-size split target used when a
	// leaf overflows: the left half keeps slots until their running
	// total (12 bytes of slot header plus value length, each) reaches
	// this many bytes.
	MiddleOfPage = 1984

	// Threshold is the minimum free space a leaf must retain; below it
	// a leaf (other than the root) must coalesce or redistribute after
	// a deletion.
	Threshold = 2500

	MinValSize = 50
	MaxValSize = 112

	// Common tree-page header, shared by internal and leaf pages.
	offParent   = 0  // uint64: parent page number
	offIsLeaf   = 8  // uint32: 1 if leaf, 0 if internal
	offNumKeys  = 12 // uint32: number of keys (slots for a leaf)
	offPageLSN  = 32 // uint64: page_lsn, per the WAL happens-before rule
	offFreeSpace = 112 // uint64: leaf free-space byte count (unused on internal pages)

	// Leaf-only fields.
	offRightSibling = 120 // uint64: right-sibling page number, 0 if none
	offSlotsStart   = 128 // slot array grows forward from here
	slotSize        = 12  // key(8) + size(2) + offset(2)

	// Internal-only fields: repeating 16-byte (child, key) units
	// starting where the leaf's right-sibling pointer would be, so
	// that the first child precedes the first key.
	offInternalEntries = 120
	internalEntrySize  = 16

	// usableSpace is the byte range available for slots+values on a
	// leaf, i.e. everything after the common+leaf header.
	usableSpace = pagefile.PageSize - offSlotsStart
)

// Slot describes one leaf record: its key, the byte length of its
// value, and the value's offset from the start of the page.
type Slot struct {
	Key    int64
	Size   uint16
	Offset uint16
}

// Parent returns the parent page number, or 0 for the root.
func Parent(p *pagefile.Page) uint64 { return binary.BigEndian.Uint64(p[offParent:]) }

func SetParent(p *pagefile.Page, parent uint64) {
	binary.BigEndian.PutUint64(p[offParent:], parent)
}

func IsLeaf(p *pagefile.Page) bool { return binary.BigEndian.Uint32(p[offIsLeaf:]) == 1 }

func SetIsLeaf(p *pagefile.Page, leaf bool) {
	var v uint32
	if leaf {
		v = 1
	}
	binary.BigEndian.PutUint32(p[offIsLeaf:], v)
}

func NumKeys(p *pagefile.Page) int {
	return int(binary.BigEndian.Uint32(p[offNumKeys:]))
}

func SetNumKeys(p *pagefile.Page, n int) {
	binary.BigEndian.PutUint32(p[offNumKeys:], uint32(n))
}

// PageLSN returns the LSN of the last log record reflected in this
// page's bytes, used by recovery's redo pass.
func PageLSN(p *pagefile.Page) uint64 { return binary.BigEndian.Uint64(p[offPageLSN:]) }

func SetPageLSN(p *pagefile.Page, lsn uint64) {
	binary.BigEndian.PutUint64(p[offPageLSN:], lsn)
}

func FreeSpace(p *pagefile.Page) uint64 { return binary.BigEndian.Uint64(p[offFreeSpace:]) }

func SetFreeSpace(p *pagefile.Page, n uint64) {
	binary.BigEndian.PutUint64(p[offFreeSpace:], n)
}

func RightSibling(p *pagefile.Page) uint64 {
	return binary.BigEndian.Uint64(p[offRightSibling:])
}

func SetRightSibling(p *pagefile.Page, sibling uint64) {
	binary.BigEndian.PutUint64(p[offRightSibling:], sibling)
}

// InitLeaf resets p to an empty leaf page with full free space.
func InitLeaf(p *pagefile.Page, parent uint64) {
	*p = pagefile.Page{}
	SetParent(p, parent)
	SetIsLeaf(p, true)
	SetNumKeys(p, 0)
	SetRightSibling(p, 0)
	SetFreeSpace(p, usableSpace)
}

// InitInternal resets p to an empty internal page with a single
// leftmost child and no keys yet.
func InitInternal(p *pagefile.Page, parent uint64, leftChild uint64) {
	*p = pagefile.Page{}
	SetParent(p, parent)
	SetIsLeaf(p, false)
	SetNumKeys(p, 0)
	setInternalChild(p, 0, leftChild)
}

func slotOffset(i int) int { return offSlotsStart + i*slotSize }

// GetSlot reads the i'th slot descriptor of a leaf page.
func GetSlot(p *pagefile.Page, i int) Slot {
	o := slotOffset(i)
	return Slot{
		Key:    int64(binary.BigEndian.Uint64(p[o:])),
		Size:   binary.BigEndian.Uint16(p[o+8:]),
		Offset: binary.BigEndian.Uint16(p[o+10:]),
	}
}

// SetSlot writes the i'th slot descriptor of a leaf page.
func SetSlot(p *pagefile.Page, i int, s Slot) {
	o := slotOffset(i)
	binary.BigEndian.PutUint64(p[o:], uint64(s.Key))
	binary.BigEndian.PutUint16(p[o+8:], s.Size)
	binary.BigEndian.PutUint16(p[o+10:], s.Offset)
}

// Slots returns all slots of a leaf page in on-disk (key) order.
func Slots(p *pagefile.Page) []Slot {
	n := NumKeys(p)
	out := make([]Slot, n)
	for i := 0; i < n; i++ {
		out[i] = GetSlot(p, i)
	}
	return out
}

// GetValue copies a slot's value bytes out of the page.
func GetValue(p *pagefile.Page, s Slot) []byte {
	v := make([]byte, s.Size)
	copy(v, p[s.Offset:int(s.Offset)+int(s.Size)])
	return v
}

// SetValue writes value bytes at the given offset.
func SetValue(p *pagefile.Page, offset uint16, value []byte) {
	copy(p[offset:int(offset)+len(value)], value)
}

// PackLeaf rewrites a leaf's slot array and value region from
// scratch given slots in key order and their corresponding values,
// packing values from the top of the page downward. It recomputes
// and stores the free-space field. Used by insert-with-split,
// delete-with-repack, coalesce and redistribute — every leaf mutation
// that changes the slot count goes through here so the page never
// drifts out of the "free space == derived value" invariant.
func PackLeaf(p *pagefile.Page, slots []Slot, values [][]byte, rightSibling uint64) {
	parent := Parent(p)
	*p = pagefile.Page{}
	SetParent(p, parent)
	SetIsLeaf(p, true)
	SetRightSibling(p, rightSibling)
	SetNumKeys(p, len(slots))

	offset := uint16(pagefile.PageSize)
	for i, s := range slots {
		offset -= s.Size
		s.Offset = offset
		SetSlot(p, i, s)
		SetValue(p, offset, values[i])
	}

	slotsEnd := offSlotsStart + len(slots)*slotSize
	free := int64(offset) - int64(slotsEnd)
	if free < 0 {
		free = 0
	}
	SetFreeSpace(p, uint64(free))
}

// PayloadCost is the bytes a slot contributes to a leaf's occupancy:
// its 12-byte descriptor plus its value.
func PayloadCost(s Slot) int { return slotSize + int(s.Size) }

func internalEntryOffset(i int) int { return offInternalEntries + i*internalEntrySize }

func getInternalChild(p *pagefile.Page, i int) uint64 {
	return binary.BigEndian.Uint64(p[internalEntryOffset(i):])
}

func setInternalChild(p *pagefile.Page, i int, child uint64) {
	binary.BigEndian.PutUint64(p[internalEntryOffset(i):], child)
}

func getInternalKey(p *pagefile.Page, i int) int64 {
	return int64(binary.BigEndian.Uint64(p[internalEntryOffset(i)+8:]))
}

func setInternalKey(p *pagefile.Page, i int, key int64) {
	binary.BigEndian.PutUint64(p[internalEntryOffset(i)+8:], uint64(key))
}

// Child returns the i'th child pointer (0 <= i <= NumKeys(p)).
func Child(p *pagefile.Page, i int) uint64 { return getInternalChild(p, i) }

// Key returns the i'th separator key (0 <= i < NumKeys(p)).
func Key(p *pagefile.Page, i int) int64 { return getInternalKey(p, i) }

// Children returns every child pointer of an internal page, leftmost first.
func Children(p *pagefile.Page) []uint64 {
	n := NumKeys(p)
	out := make([]uint64, n+1)
	for i := 0; i <= n; i++ {
		out[i] = getInternalChild(p, i)
	}
	return out
}

// Keys returns every separator key of an internal page, in order.
func Keys(p *pagefile.Page) []int64 {
	n := NumKeys(p)
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = getInternalKey(p, i)
	}
	return out
}

// PackInternal rewrites an internal page's entries from scratch:
// children[0] precedes keys[0], children[1] precedes keys[1], and so
// on, with one trailing child.
func PackInternal(p *pagefile.Page, children []uint64, keys []int64) {
	parent := Parent(p)
	*p = pagefile.Page{}
	SetParent(p, parent)
	SetIsLeaf(p, false)
	SetNumKeys(p, len(keys))
	for i, c := range children {
		setInternalChild(p, i, c)
	}
	for i, k := range keys {
		setInternalKey(p, i, k)
	}
}

// Cut implements cut(n) = ceil(n/2), used both as the internal split
// index and as an internal page's minimum key count after deletion.
func Cut(n int) int {
	if n%2 == 0 {
		return n / 2
	}
	return n/2 + 1
}
