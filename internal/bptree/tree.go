package bptree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/intellect4all/storage-engines/internal/buffer"
	"github.com/intellect4all/storage-engines/internal/pagefile"
)

// ErrKeyNotFound is returned by Find/Delete when no slot matches the key.
var ErrKeyNotFound = errors.New("bptree: key not found")

// ErrDuplicateKey is returned by Insert when the key already exists.
var ErrDuplicateKey = errors.New("bptree: duplicate key")

// ErrValueSize is returned when a value's length falls outside
// [MinValSize, MaxValSize].
var ErrValueSize = errors.New("bptree: value size out of range")

// Tree is a B+-tree index over one table's pages, accessed through a
// shared buffer pool. A Tree has no in-memory state of its own beyond
// its identity: the root page number lives in the table's header page,
// cached by the buffer manager, so multiple Tree values (or goroutines
// sharing one) observe a consistent root.
type Tree struct {
	buf     *buffer.Manager
	tableID int64
}

// New wraps a registered table for B+-tree access.
func New(buf *buffer.Manager, tableID int64) *Tree {
	return &Tree{buf: buf, tableID: tableID}
}

func (t *Tree) root() uint64 { return t.buf.RootPage(t.tableID) }

// findLeafPath descends from the root to the leaf that would contain
// key, latching each page in turn with latch crabbing: a child is
// latched before its parent is released, so a concurrent structural
// change above the cursor can never be observed mid-traversal. Read
// traversals release the parent as soon as the child is latched
// (never more than two page latches held at once); this is sufficient
// because insert/delete only mutate a page after first verifying,
// under that page's own latch, that the mutation fits without
// propagating further.
func (t *Tree) findLeafPath(key int64) (uint64, error) {
	root := t.root()
	if root == 0 {
		return 0, nil
	}

	cur := root
	parentFrame, err := t.buf.ReadPage(t.tableID, cur, buffer.LatchShared)
	if err != nil {
		return 0, err
	}
	for !IsLeaf(parentFrame.Data()) {
		idx := childIndexForKey(parentFrame.Data(), key)
		next := Child(parentFrame.Data(), idx)
		childFrame, err := t.buf.ReadPage(t.tableID, next, buffer.LatchShared)
		if err != nil {
			t.buf.Unpin(parentFrame, false)
			return 0, err
		}
		t.buf.Unpin(parentFrame, false)
		parentFrame = childFrame
		cur = next
	}
	t.buf.Unpin(parentFrame, false)
	return cur, nil
}

// childIndexForKey returns the first index i such that key < Key(p,i),
// or NumKeys(p) if key is >= every separator (descend via the
// trailing child).
func childIndexForKey(p *pagefile.Page, key int64) int {
	n := NumKeys(p)
	i := sort.Search(n, func(i int) bool { return key < getInternalKey(p, i) })
	return i
}

// Find returns the value stored for key, or ErrKeyNotFound.
func (t *Tree) Find(key int64) ([]byte, error) {
	leaf, err := t.findLeafPath(key)
	if err != nil {
		return nil, err
	}
	if leaf == 0 {
		return nil, ErrKeyNotFound
	}
	frame, err := t.buf.ReadPage(t.tableID, leaf, buffer.LatchShared)
	if err != nil {
		return nil, err
	}
	defer t.buf.Unpin(frame, false)

	idx, ok := findSlotIndex(frame.Data(), key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return GetValue(frame.Data(), GetSlot(frame.Data(), idx)), nil
}

// FindLeafForKey exposes the leaf page number containing key, for
// callers (the engine's locking path) that need to take a record lock
// before reading the value themselves.
func (t *Tree) FindLeafForKey(key int64) (uint64, error) { return t.findLeafPath(key) }

func findSlotIndex(p *pagefile.Page, key int64) (int, bool) {
	n := NumKeys(p)
	i := sort.Search(n, func(i int) bool { return GetSlot(p, i).Key >= key })
	if i < n && GetSlot(p, i).Key == key {
		return i, true
	}
	return i, false
}

// Scan returns every (key, value) pair with begin_key <= key <= end_key,
// in ascending key order, by descending to the leaf for begin_key and
// walking the right-sibling chain.
func (t *Tree) Scan(beginKey, endKey int64) ([]int64, [][]byte, error) {
	var keys []int64
	var values [][]byte

	leaf, err := t.findLeafPath(beginKey)
	if err != nil {
		return nil, nil, err
	}
	for leaf != 0 {
		frame, err := t.buf.ReadPage(t.tableID, leaf, buffer.LatchShared)
		if err != nil {
			return nil, nil, err
		}
		slots := Slots(frame.Data())
		stop := false
		for _, s := range slots {
			if s.Key < beginKey {
				continue
			}
			if s.Key > endKey {
				stop = true
				break
			}
			keys = append(keys, s.Key)
			values = append(values, GetValue(frame.Data(), s))
		}
		next := RightSibling(frame.Data())
		t.buf.Unpin(frame, false)
		if stop {
			break
		}
		leaf = next
	}
	return keys, values, nil
}

// Insert adds a new key/value pair. Structural only: no lock is taken
// and no log record is emitted, matching the original's non-
// transactional insert path.
func (t *Tree) Insert(key int64, value []byte) error {
	if len(value) < MinValSize || len(value) > MaxValSize {
		return ErrValueSize
	}
	if _, err := t.Find(key); err == nil {
		return ErrDuplicateKey
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	if t.root() == 0 {
		return t.startNewTree(key, value)
	}

	leafNum, err := t.findLeafPath(key)
	if err != nil {
		return err
	}
	frame, err := t.buf.ReadPage(t.tableID, leafNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}

	needed := uint64(slotSize + len(value))
	if FreeSpace(frame.Data()) >= needed {
		insertIntoLeafInPlace(frame.Data(), key, value)
		t.buf.Unpin(frame, true)
		return nil
	}

	t.buf.Unpin(frame, false)
	return t.insertIntoLeafAfterSplitting(leafNum, key, value)
}

func (t *Tree) startNewTree(key int64, value []byte) error {
	frame, err := t.buf.AllocPage(t.tableID)
	if err != nil {
		return err
	}
	InitLeaf(frame.Data(), 0)
	insertIntoLeafInPlace(frame.Data(), key, value)
	leafNum := frame.PageNum()
	t.buf.Unpin(frame, true)
	return t.buf.SetRootPage(t.tableID, leafNum)
}

// insertIntoLeafInPlace inserts (key,value) into a leaf already known
// to have enough free space, keeping slots sorted: the whole leaf is
// repacked through PackLeaf, so values sit from the top of the page
// downward in key order.
func insertIntoLeafInPlace(p *pagefile.Page, key int64, value []byte) {
	slots := Slots(p)
	values := make([][]byte, len(slots))
	for i, s := range slots {
		values[i] = GetValue(p, s)
	}

	pos := sort.Search(len(slots), func(i int) bool { return slots[i].Key >= key })
	slots = append(slots, Slot{})
	copy(slots[pos+1:], slots[pos:len(slots)-1])
	slots[pos] = Slot{Key: key, Size: uint16(len(value))}
	values = append(values, nil)
	copy(values[pos+1:], values[pos:len(values)-1])
	values[pos] = value

	right := RightSibling(p)
	PackLeaf(p, slots, values, right)
}

// insertIntoLeafAfterSplitting splits a full leaf, choosing the split
// index as the smallest i such that the cumulative payload cost of
// slots [0..i) reaches MiddleOfPage, then propagates the new right
// leaf's first key into the parent.
func (t *Tree) insertIntoLeafAfterSplitting(leafNum uint64, key int64, value []byte) error {
	frame, err := t.buf.ReadPage(t.tableID, leafNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	p := frame.Data()

	slots := Slots(p)
	values := make([][]byte, len(slots))
	for i, s := range slots {
		values[i] = GetValue(p, s)
	}
	pos := sort.Search(len(slots), func(i int) bool { return slots[i].Key >= key })
	slots = append(slots, Slot{})
	copy(slots[pos+1:], slots[pos:len(slots)-1])
	slots[pos] = Slot{Key: key, Size: uint16(len(value))}
	values = append(values, nil)
	copy(values[pos+1:], values[pos:len(values)-1])
	values[pos] = value

	split := len(slots)
	cum := 0
	for i, s := range slots {
		cum += PayloadCost(s)
		if cum >= MiddleOfPage {
			split = i + 1
			break
		}
	}
	if split >= len(slots) {
		split = len(slots) - 1
	}
	if split < 1 {
		split = 1
	}

	parent := Parent(p)
	oldRight := RightSibling(p)

	newFrame, err := t.buf.AllocPage(t.tableID)
	if err != nil {
		t.buf.Unpin(frame, false)
		return err
	}
	InitLeaf(newFrame.Data(), parent)

	PackLeaf(p, slots[:split], values[:split], newFrame.PageNum())
	PackLeaf(newFrame.Data(), slots[split:], values[split:], oldRight)

	separator := slots[split].Key
	rightNum := newFrame.PageNum()

	t.buf.Unpin(newFrame, true)
	t.buf.Unpin(frame, true)

	return t.insertIntoParent(leafNum, separator, rightNum)
}

// insertIntoParent inserts (key -> right) after left in left's parent,
// creating a new root if left was the root, and splitting the parent
// if it overflows.
func (t *Tree) insertIntoParent(left uint64, key int64, right uint64) error {
	leftFrame, err := t.buf.ReadPage(t.tableID, left, buffer.LatchShared)
	if err != nil {
		return err
	}
	parent := Parent(leftFrame.Data())
	t.buf.Unpin(leftFrame, false)

	if parent == 0 {
		return t.insertIntoNewRoot(left, key, right)
	}

	parentFrame, err := t.buf.ReadPage(t.tableID, parent, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	leftIndex := leftChildIndex(parentFrame.Data(), left)

	if NumKeys(parentFrame.Data()) < DefaultOrder-1 {
		insertIntoInternalInPlace(parentFrame.Data(), leftIndex, key, right)
		t.buf.Unpin(parentFrame, true)
		return t.setChildParent(right, parent)
	}

	t.buf.Unpin(parentFrame, false)
	return t.insertIntoInternalAfterSplitting(parent, leftIndex, key, right)
}

func leftChildIndex(p *pagefile.Page, left uint64) int {
	n := NumKeys(p)
	for i := 0; i <= n; i++ {
		if Child(p, i) == left {
			return i
		}
	}
	return n
}

func insertIntoInternalInPlace(p *pagefile.Page, leftIndex int, key int64, right uint64) {
	children := Children(p)
	keys := Keys(p)

	children = append(children, 0)
	copy(children[leftIndex+2:], children[leftIndex+1:len(children)-1])
	children[leftIndex+1] = right

	keys = append(keys, 0)
	copy(keys[leftIndex+1:], keys[leftIndex:len(keys)-1])
	keys[leftIndex] = key

	PackInternal(p, children, keys)
}

func (t *Tree) insertIntoInternalAfterSplitting(internalNum uint64, leftIndex int, key int64, right uint64) error {
	frame, err := t.buf.ReadPage(t.tableID, internalNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	p := frame.Data()

	children := Children(p)
	keys := Keys(p)
	children = append(children, 0)
	copy(children[leftIndex+2:], children[leftIndex+1:len(children)-1])
	children[leftIndex+1] = right
	keys = append(keys, 0)
	copy(keys[leftIndex+1:], keys[leftIndex:len(keys)-1])
	keys[leftIndex] = key

	split := Cut(DefaultOrder)
	leftKeys := keys[:split-1]
	leftChildren := children[:split]
	middleKey := keys[split-1]
	rightKeys := keys[split:]
	rightChildren := children[split:]

	parent := Parent(p)

	newFrame, err := t.buf.AllocPage(t.tableID)
	if err != nil {
		t.buf.Unpin(frame, false)
		return err
	}
	InitInternal(newFrame.Data(), parent, rightChildren[0])
	PackInternal(newFrame.Data(), rightChildren, rightKeys)

	PackInternal(p, leftChildren, leftKeys)

	newNum := newFrame.PageNum()
	t.buf.Unpin(newFrame, true)
	t.buf.Unpin(frame, true)

	for _, c := range rightChildren {
		if err := t.setChildParent(c, newNum); err != nil {
			return err
		}
	}

	return t.insertIntoParent(internalNum, middleKey, newNum)
}

func (t *Tree) insertIntoNewRoot(left uint64, key int64, right uint64) error {
	frame, err := t.buf.AllocPage(t.tableID)
	if err != nil {
		return err
	}
	InitInternal(frame.Data(), 0, left)
	PackInternal(frame.Data(), []uint64{left, right}, []int64{key})
	rootNum := frame.PageNum()
	t.buf.Unpin(frame, true)

	if err := t.setChildParent(left, rootNum); err != nil {
		return err
	}
	if err := t.setChildParent(right, rootNum); err != nil {
		return err
	}
	return t.buf.SetRootPage(t.tableID, rootNum)
}

func (t *Tree) setChildParent(child, parent uint64) error {
	frame, err := t.buf.ReadPage(t.tableID, child, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	SetParent(frame.Data(), parent)
	t.buf.Unpin(frame, true)
	return nil
}

// Delete removes key's record, repacking and rebalancing as needed.
// Structural only: no lock is taken and no log record is emitted.
func (t *Tree) Delete(key int64) error {
	leafNum, err := t.findLeafPath(key)
	if err != nil {
		return err
	}
	if leafNum == 0 {
		return ErrKeyNotFound
	}
	frame, err := t.buf.ReadPage(t.tableID, leafNum, buffer.LatchShared)
	if err != nil {
		return err
	}
	_, ok := findSlotIndex(frame.Data(), key)
	t.buf.Unpin(frame, false)
	if !ok {
		return ErrKeyNotFound
	}

	root := t.root()
	return t.deleteEntry(root, leafNum, key)
}

// deleteEntry removes key from pageNum and rebalances the tree,
// recursing toward the root as coalesce/redistribute propagate.
func (t *Tree) deleteEntry(root, pageNum uint64, key int64) error {
	frame, err := t.buf.ReadPage(t.tableID, pageNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	p := frame.Data()
	leaf := IsLeaf(p)

	if leaf {
		removeSlotFromLeaf(p, key)
	} else {
		removeEntryFromInternal(p, key)
	}

	if pageNum == root {
		t.buf.Unpin(frame, true)
		return t.adjustRoot(root)
	}

	var finished bool
	if leaf {
		finished = FreeSpace(p) < Threshold
	} else {
		finished = NumKeys(p)+1 >= Cut(DefaultOrder)
	}
	if finished {
		t.buf.Unpin(frame, true)
		return nil
	}

	parent := Parent(p)
	t.buf.Unpin(frame, true)

	return t.rebalance(parent, pageNum, leaf)
}

func removeSlotFromLeaf(p *pagefile.Page, key int64) {
	slots := Slots(p)
	values := make([][]byte, len(slots))
	for i, s := range slots {
		values[i] = GetValue(p, s)
	}
	idx, ok := findSlotIndex(p, key)
	if !ok {
		return
	}
	slots = append(slots[:idx], slots[idx+1:]...)
	values = append(values[:idx], values[idx+1:]...)
	PackLeaf(p, slots, values, RightSibling(p))
}

func removeEntryFromInternal(p *pagefile.Page, key int64) {
	children := Children(p)
	keys := Keys(p)
	idx := -1
	for i, k := range keys {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	keys = append(keys[:idx], keys[idx+1:]...)
	children = append(children[:idx+1], children[idx+2:]...)
	PackInternal(p, children, keys)
}

// adjustRoot collapses the root when it becomes empty: an internal
// root with no keys is replaced by its sole child; an empty leaf root
// leaves the tree empty.
func (t *Tree) adjustRoot(root uint64) error {
	frame, err := t.buf.ReadPage(t.tableID, root, buffer.LatchShared)
	if err != nil {
		return err
	}
	p := frame.Data()
	if NumKeys(p) > 0 {
		t.buf.Unpin(frame, false)
		return nil
	}
	if IsLeaf(p) {
		t.buf.Unpin(frame, false)
		if err := t.buf.FreePage(t.tableID, root); err != nil {
			return err
		}
		return t.buf.SetRootPage(t.tableID, 0)
	}
	newRoot := Child(p, 0)
	t.buf.Unpin(frame, false)
	if err := t.buf.FreePage(t.tableID, root); err != nil {
		return err
	}
	if err := t.setChildParent(newRoot, 0); err != nil {
		return err
	}
	return t.buf.SetRootPage(t.tableID, newRoot)
}

// rebalance decides whether pageNum should coalesce into a sibling or
// redistribute with it, choosing the left neighbor when one exists.
func (t *Tree) rebalance(parent, pageNum uint64, leaf bool) error {
	parentFrame, err := t.buf.ReadPage(t.tableID, parent, buffer.LatchShared)
	if err != nil {
		return err
	}
	pp := parentFrame.Data()
	idx := leftChildIndex(pp, pageNum)

	var neighborIdx int
	var kPrimeIdx int
	if idx == 0 {
		neighborIdx = 1
		kPrimeIdx = 0
	} else {
		neighborIdx = idx - 1
		kPrimeIdx = idx - 1
	}
	neighbor := Child(pp, neighborIdx)
	kPrime := Key(pp, kPrimeIdx)
	t.buf.Unpin(parentFrame, false)

	neighborOnLeft := neighborIdx < idx

	if leaf {
		return t.rebalanceLeaf(parent, pageNum, neighbor, neighborOnLeft, kPrimeIdx, kPrime)
	}
	return t.rebalanceInternal(parent, pageNum, neighbor, neighborOnLeft, kPrimeIdx, kPrime)
}

func (t *Tree) rebalanceLeaf(parent, pageNum, neighbor uint64, neighborOnLeft bool, kPrimeIdx int, kPrime int64) error {
	pageFrame, err := t.buf.ReadPage(t.tableID, pageNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	neighborFrame, err := t.buf.ReadPage(t.tableID, neighbor, buffer.LatchExclusive)
	if err != nil {
		t.buf.Unpin(pageFrame, false)
		return err
	}

	pageSlots := Slots(pageFrame.Data())
	pagePayload := 0
	for _, s := range pageSlots {
		pagePayload += PayloadCost(s)
	}

	if int(FreeSpace(neighborFrame.Data()))-pagePayload >= 0 {
		if neighborOnLeft {
			t.buf.Unpin(pageFrame, false)
			t.buf.Unpin(neighborFrame, false)
			return t.coalesceLeaves(parent, neighbor, pageNum, kPrimeIdx)
		}
		t.buf.Unpin(pageFrame, false)
		t.buf.Unpin(neighborFrame, false)
		return t.coalesceLeaves(parent, pageNum, neighbor, kPrimeIdx)
	}

	t.buf.Unpin(pageFrame, false)
	t.buf.Unpin(neighborFrame, false)
	return t.redistributeLeaves(parent, pageNum, neighbor, neighborOnLeft, kPrimeIdx)
}

// coalesceLeaves merges right's slots into left (left keeps the
// leftmost identity), adopts right's right-sibling pointer, frees
// right, and recursively deletes the separator from the parent.
func (t *Tree) coalesceLeaves(parent, left, right uint64, kPrimeIdx int) error {
	leftFrame, err := t.buf.ReadPage(t.tableID, left, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	rightFrame, err := t.buf.ReadPage(t.tableID, right, buffer.LatchExclusive)
	if err != nil {
		t.buf.Unpin(leftFrame, false)
		return err
	}

	lp, rp := leftFrame.Data(), rightFrame.Data()
	slots := append(Slots(lp), Slots(rp)...)
	values := make([][]byte, len(slots))
	for i, s := range Slots(lp) {
		values[i] = GetValue(lp, s)
	}
	off := len(Slots(lp))
	for i, s := range Slots(rp) {
		values[off+i] = GetValue(rp, s)
	}
	rightSibling := RightSibling(rp)
	PackLeaf(lp, slots, values, rightSibling)
	t.buf.Unpin(leftFrame, true)
	t.buf.Unpin(rightFrame, false)

	if err := t.buf.FreePage(t.tableID, right); err != nil {
		return err
	}

	root := t.root()
	parentFrame, err := t.buf.ReadPage(t.tableID, parent, buffer.LatchShared)
	if err != nil {
		return err
	}
	separator := Key(parentFrame.Data(), kPrimeIdx)
	t.buf.Unpin(parentFrame, false)

	return t.deleteEntry(root, parent, separator)
}

// redistributeLeaves moves as many slots from neighbor into pageNum
// as needed to bring pageNum's free space back under Threshold,
// mirroring db_redistribute_leafs' accumulating num_split loop rather
// than assuming a single slot always suffices. Slots come off
// neighbor's tail when it sits to the left of pageNum, or its head
// when it sits to the right, so key order is preserved on both pages.
func (t *Tree) redistributeLeaves(parent, pageNum, neighbor uint64, neighborOnLeft bool, kPrimeIdx int) error {
	pageFrame, err := t.buf.ReadPage(t.tableID, pageNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	neighborFrame, err := t.buf.ReadPage(t.tableID, neighbor, buffer.LatchExclusive)
	if err != nil {
		t.buf.Unpin(pageFrame, false)
		return err
	}
	pp, np := pageFrame.Data(), neighborFrame.Data()

	pageSlots := Slots(pp)
	pageValues := valuesOf(pp, pageSlots)
	neighborSlots := Slots(np)
	neighborValues := valuesOf(np, neighborSlots)

	pagePayload := 0
	for _, s := range pageSlots {
		pagePayload += PayloadCost(s)
	}
	neighborPayload := 0
	for _, s := range neighborSlots {
		neighborPayload += PayloadCost(s)
	}

	var moved []Slot
	var movedValues [][]byte
	for usableSpace-pagePayload >= Threshold && len(neighborSlots) > 1 {
		var next Slot
		if neighborOnLeft {
			next = neighborSlots[len(neighborSlots)-1]
		} else {
			next = neighborSlots[0]
		}
		cost := PayloadCost(next)
		// Giving up this slot must not push the neighbor itself into
		// underflow: both pages have to end up under Threshold.
		if usableSpace-(neighborPayload-cost) >= Threshold {
			break
		}

		var v []byte
		if neighborOnLeft {
			last := len(neighborSlots) - 1
			v = neighborValues[last]
			neighborSlots = neighborSlots[:last]
			neighborValues = neighborValues[:last]
			moved = append([]Slot{next}, moved...)
			movedValues = append([][]byte{v}, movedValues...)
		} else {
			v = neighborValues[0]
			neighborSlots = neighborSlots[1:]
			neighborValues = neighborValues[1:]
			moved = append(moved, next)
			movedValues = append(movedValues, v)
		}
		pagePayload += cost
		neighborPayload -= cost
	}

	var newKPrime int64
	if neighborOnLeft {
		pageSlots = append(moved, pageSlots...)
		pageValues = append(movedValues, pageValues...)
		newKPrime = pageSlots[0].Key
	} else {
		pageSlots = append(pageSlots, moved...)
		pageValues = append(pageValues, movedValues...)
		newKPrime = neighborSlots[0].Key
	}

	PackLeaf(pp, pageSlots, pageValues, RightSibling(pp))
	PackLeaf(np, neighborSlots, neighborValues, RightSibling(np))
	t.buf.Unpin(pageFrame, true)
	t.buf.Unpin(neighborFrame, true)

	parentFrame, err := t.buf.ReadPage(t.tableID, parent, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	setInternalKey(parentFrame.Data(), kPrimeIdx, newKPrime)
	t.buf.Unpin(parentFrame, true)
	return nil
}

func valuesOf(p *pagefile.Page, slots []Slot) [][]byte {
	out := make([][]byte, len(slots))
	for i, s := range slots {
		out[i] = GetValue(p, s)
	}
	return out
}

func (t *Tree) rebalanceInternal(parent, pageNum, neighbor uint64, neighborOnLeft bool, kPrimeIdx int, kPrime int64) error {
	pageFrame, err := t.buf.ReadPage(t.tableID, pageNum, buffer.LatchShared)
	if err != nil {
		return err
	}
	neighborFrame, err := t.buf.ReadPage(t.tableID, neighbor, buffer.LatchShared)
	if err != nil {
		t.buf.Unpin(pageFrame, false)
		return err
	}
	pageKeys := NumKeys(pageFrame.Data())
	neighborKeys := NumKeys(neighborFrame.Data())
	t.buf.Unpin(pageFrame, false)
	t.buf.Unpin(neighborFrame, false)

	if neighborKeys+pageKeys+2 <= DefaultOrder {
		if neighborOnLeft {
			return t.coalesceInternals(parent, neighbor, pageNum, kPrimeIdx, kPrime)
		}
		return t.coalesceInternals(parent, pageNum, neighbor, kPrimeIdx, kPrime)
	}
	return t.redistributeInternals(parent, pageNum, neighbor, neighborOnLeft, kPrimeIdx, kPrime)
}

// coalesceInternals merges right into left, pulling the separator key
// down from the parent between them, reparents right's migrated
// children, frees right, and recursively deletes the separator.
func (t *Tree) coalesceInternals(parent, left, right uint64, kPrimeIdx int, kPrime int64) error {
	leftFrame, err := t.buf.ReadPage(t.tableID, left, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	rightFrame, err := t.buf.ReadPage(t.tableID, right, buffer.LatchExclusive)
	if err != nil {
		t.buf.Unpin(leftFrame, false)
		return err
	}
	lp, rp := leftFrame.Data(), rightFrame.Data()

	children := append(Children(lp), Children(rp)...)
	keys := append(append(Keys(lp), kPrime), Keys(rp)...)
	PackInternal(lp, children, keys)
	t.buf.Unpin(leftFrame, true)
	t.buf.Unpin(rightFrame, false)

	migrated := Children(rp)
	if err := t.buf.FreePage(t.tableID, right); err != nil {
		return err
	}
	for _, c := range migrated {
		if err := t.setChildParent(c, left); err != nil {
			return err
		}
	}

	root := t.root()
	parentFrame, err := t.buf.ReadPage(t.tableID, parent, buffer.LatchShared)
	if err != nil {
		return err
	}
	separator := Key(parentFrame.Data(), kPrimeIdx)
	t.buf.Unpin(parentFrame, false)

	return t.deleteEntry(root, parent, separator)
}

// redistributeInternals moves one (child,key) pair from neighbor into
// pageNum through the parent's separator key, matching the classic
// B+-tree rotation.
func (t *Tree) redistributeInternals(parent, pageNum, neighbor uint64, neighborOnLeft bool, kPrimeIdx int, kPrime int64) error {
	pageFrame, err := t.buf.ReadPage(t.tableID, pageNum, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	neighborFrame, err := t.buf.ReadPage(t.tableID, neighbor, buffer.LatchExclusive)
	if err != nil {
		t.buf.Unpin(pageFrame, false)
		return err
	}
	pp, np := pageFrame.Data(), neighborFrame.Data()

	pageChildren := Children(pp)
	pageKeys := Keys(pp)
	neighborChildren := Children(np)
	neighborKeys := Keys(np)

	var movedChild uint64
	var newKPrime int64

	if neighborOnLeft {
		lastChildIdx := len(neighborChildren) - 1
		movedChild = neighborChildren[lastChildIdx]
		newKPrime = neighborKeys[len(neighborKeys)-1]
		neighborChildren = neighborChildren[:lastChildIdx]
		neighborKeys = neighborKeys[:len(neighborKeys)-1]

		pageChildren = append([]uint64{movedChild}, pageChildren...)
		pageKeys = append([]int64{kPrime}, pageKeys...)
	} else {
		movedChild = neighborChildren[0]
		newKPrime = neighborKeys[0]
		neighborChildren = neighborChildren[1:]
		neighborKeys = neighborKeys[1:]

		pageChildren = append(pageChildren, movedChild)
		pageKeys = append(pageKeys, kPrime)
	}

	PackInternal(pp, pageChildren, pageKeys)
	PackInternal(np, neighborChildren, neighborKeys)
	t.buf.Unpin(pageFrame, true)
	t.buf.Unpin(neighborFrame, true)

	if err := t.setChildParent(movedChild, pageNum); err != nil {
		return err
	}

	parentFrame, err := t.buf.ReadPage(t.tableID, parent, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	setInternalKey(parentFrame.Data(), kPrimeIdx, newKPrime)
	t.buf.Unpin(parentFrame, true)
	return nil
}
