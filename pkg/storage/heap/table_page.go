// Package heap implements the table heap: doubly linked slotted pages of
// serialized tuples with overwrite-in-place updates and reversible
// mark-deletes.
package heap

import (
	"encoding/binary"

	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// tablePage projects the slotted layout onto a page frame:
//
//	0..4    prev page id
//	4..8    next page id
//	8..12   free space pointer (offset of the lowest tuple byte)
//	12..16  slot count
//	16..    slot array, 8 bytes per slot: tuple offset (4) + size (4)
//
// Tuple bytes grow downward from the end of the page. The high bit of a
// slot's size word is the tombstone marking a pending (mark) delete; a slot
// with offset 0 has been physically deleted and is never reused.
type tablePage struct {
	page *page.Page
}

const (
	offPrevPage  = 0
	offNextPage  = 4
	offFreeSpace = 8
	offSlotCount = 12
	slotsStart   = 16
	slotWidth    = 8

	tombstoneBit = uint32(1) << 31
)

func asTablePage(p *page.Page) tablePage { return tablePage{page: p} }

func initTablePage(p *page.Page, prev primitives.PageID) tablePage {
	tp := asTablePage(p)
	tp.setPrev(prev)
	tp.setNext(primitives.InvalidPageID)
	tp.setFreeSpace(primitives.PageSize)
	tp.setSlotCount(0)
	return tp
}

func (tp tablePage) data() []byte { return tp.page.Data() }

func (tp tablePage) prev() primitives.PageID {
	return primitives.PageID(binary.BigEndian.Uint32(tp.data()[offPrevPage:]))
}

func (tp tablePage) setPrev(pid primitives.PageID) {
	binary.BigEndian.PutUint32(tp.data()[offPrevPage:], uint32(pid))
}

func (tp tablePage) next() primitives.PageID {
	return primitives.PageID(binary.BigEndian.Uint32(tp.data()[offNextPage:]))
}

func (tp tablePage) setNext(pid primitives.PageID) {
	binary.BigEndian.PutUint32(tp.data()[offNextPage:], uint32(pid))
}

func (tp tablePage) freeSpace() int {
	return int(binary.BigEndian.Uint32(tp.data()[offFreeSpace:]))
}

func (tp tablePage) setFreeSpace(off int) {
	binary.BigEndian.PutUint32(tp.data()[offFreeSpace:], uint32(off))
}

func (tp tablePage) slotCount() int {
	return int(binary.BigEndian.Uint32(tp.data()[offSlotCount:]))
}

func (tp tablePage) setSlotCount(n int) {
	binary.BigEndian.PutUint32(tp.data()[offSlotCount:], uint32(n))
}

func (tp tablePage) slotOffset(slot int) (tupleOff, size uint32) {
	base := slotsStart + slot*slotWidth
	return binary.BigEndian.Uint32(tp.data()[base:]),
		binary.BigEndian.Uint32(tp.data()[base+4:])
}

func (tp tablePage) setSlot(slot int, tupleOff, size uint32) {
	base := slotsStart + slot*slotWidth
	binary.BigEndian.PutUint32(tp.data()[base:], tupleOff)
	binary.BigEndian.PutUint32(tp.data()[base+4:], size)
}

// insertTuple appends the tuple, returning its slot, or false when the page
// lacks room for the bytes plus a fresh slot entry.
func (tp tablePage) insertTuple(data []byte) (primitives.SlotID, bool) {
	n := tp.slotCount()
	slotArrayEnd := slotsStart + (n+1)*slotWidth
	newFree := tp.freeSpace() - len(data)
	if newFree < slotArrayEnd {
		return 0, false
	}

	copy(tp.data()[newFree:newFree+len(data)], data)
	tp.setSlot(n, uint32(newFree), uint32(len(data)))
	tp.setFreeSpace(newFree)
	tp.setSlotCount(n + 1)
	return primitives.SlotID(n), true
}

// getTuple returns the tuple bytes at slot. deleted reports a pending
// mark-delete; ok is false for invalid or physically deleted slots. The
// returned slice aliases the page buffer.
func (tp tablePage) getTuple(slot primitives.SlotID) (data []byte, deleted, ok bool) {
	i := int(slot)
	if i >= tp.slotCount() {
		return nil, false, false
	}
	off, size := tp.slotOffset(i)
	if off == 0 {
		return nil, false, false
	}
	deleted = size&tombstoneBit != 0
	size &^= tombstoneBit
	return tp.data()[off : off+size], deleted, true
}

// markDelete sets the tombstone on slot; reversible until applyDelete.
func (tp tablePage) markDelete(slot primitives.SlotID) bool {
	i := int(slot)
	if i >= tp.slotCount() {
		return false
	}
	off, size := tp.slotOffset(i)
	if off == 0 {
		return false
	}
	tp.setSlot(i, off, size|tombstoneBit)
	return true
}

// rollbackDelete clears the tombstone on slot.
func (tp tablePage) rollbackDelete(slot primitives.SlotID) bool {
	i := int(slot)
	if i >= tp.slotCount() {
		return false
	}
	off, size := tp.slotOffset(i)
	if off == 0 {
		return false
	}
	tp.setSlot(i, off, size&^tombstoneBit)
	return true
}

// applyDelete physically deletes slot. The slot is dead afterwards; its
// space is not reclaimed.
func (tp tablePage) applyDelete(slot primitives.SlotID) bool {
	i := int(slot)
	if i >= tp.slotCount() {
		return false
	}
	off, _ := tp.slotOffset(i)
	if off == 0 {
		return false
	}
	tp.setSlot(i, 0, 0)
	return true
}

// updateTuple overwrites slot in place. The tuple may use the bytes up to the
// next tuple above it on the page (or the page end), so an image shrunk by an
// earlier update can be restored; a longer update fails.
func (tp tablePage) updateTuple(slot primitives.SlotID, data []byte) bool {
	i := int(slot)
	if i >= tp.slotCount() {
		return false
	}
	off, _ := tp.slotOffset(i)
	limit := uint32(primitives.PageSize)
	for j := 0; j < tp.slotCount(); j++ {
		if o, _ := tp.slotOffset(j); o > off && o < limit {
			limit = o
		}
	}
	if off == 0 || off+uint32(len(data)) > limit {
		return false
	}
	copy(tp.data()[off:off+uint32(len(data))], data)
	tp.setSlot(i, off, uint32(len(data)))
	return true
}
