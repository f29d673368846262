package btree

import (
	"encoding/binary"

	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// leafView projects the leaf layout onto a page frame. The body holds size
// contiguous (key, RID) pairs in strictly increasing key order; next_page_id
// links leaves left to right.
type leafView struct {
	nodeView
}

func asLeaf(p *page.Page, keySize int) leafView {
	return leafView{nodeView{page: p, keySize: keySize}}
}

// initLeaf formats a fresh frame as an empty leaf.
func initLeaf(p *page.Page, keySize int, pid, parent primitives.PageID, maxSize int) leafView {
	l := asLeaf(p, keySize)
	l.setPageType(pageTypeLeaf)
	l.setSize(0)
	l.setMaxSize(maxSize)
	l.setID(pid)
	l.setParent(parent)
	l.setNext(primitives.InvalidPageID)
	return l
}

func (l leafView) next() primitives.PageID {
	return primitives.PageID(binary.BigEndian.Uint32(l.data()[offNextPage:]))
}

func (l leafView) setNext(pid primitives.PageID) {
	binary.BigEndian.PutUint32(l.data()[offNextPage:], uint32(pid))
}

func (l leafView) entryWidth() int { return l.keySize + primitives.RIDSize }

func (l leafView) entryOffset(i int) int {
	return leafHeaderSize + i*l.entryWidth()
}

// keyAt returns the key stored at slot i. The slice aliases the page buffer.
func (l leafView) keyAt(i int) []byte {
	off := l.entryOffset(i)
	return l.data()[off : off+l.keySize]
}

func (l leafView) ridAt(i int) primitives.RID {
	off := l.entryOffset(i) + l.keySize
	return primitives.DeserializeRID(l.data()[off:])
}

func (l leafView) setEntry(i int, key []byte, rid primitives.RID) {
	off := l.entryOffset(i)
	copy(l.data()[off:off+l.keySize], key)
	rid.Serialize(l.data()[off+l.keySize:])
}

// maxLeafEntries computes how many (key, RID) pairs fit in one page.
func maxLeafEntries(keySize int) int {
	return (primitives.PageSize - leafHeaderSize) / (keySize + primitives.RIDSize)
}

// indexOf binary-searches for key, returning its slot and whether it exists.
// On a miss the returned slot is the insertion position.
func (l leafView) indexOf(key []byte) (int, bool) {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := (lo + hi) / 2
		switch compareKeys(l.keyAt(mid), key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// insertAt shifts the tail right and writes the entry at slot i.
func (l leafView) insertAt(i int, key []byte, rid primitives.RID) {
	w := l.entryWidth()
	start := l.entryOffset(i)
	end := l.entryOffset(l.size())
	copy(l.data()[start+w:end+w], l.data()[start:end])
	l.setEntry(i, key, rid)
	l.setSize(l.size() + 1)
}

// removeAt deletes slot i, shifting the tail left.
func (l leafView) removeAt(i int) {
	w := l.entryWidth()
	start := l.entryOffset(i)
	end := l.entryOffset(l.size())
	copy(l.data()[start:end-w], l.data()[start+w:end])
	l.setSize(l.size() - 1)
}

// moveHalfTo moves the upper half of l's entries to the fresh right sibling
// and splices it into the leaf chain.
func (l leafView) moveHalfTo(right leafView) {
	n := l.size()
	keep := n / 2
	moved := n - keep
	copy(right.data()[right.entryOffset(0):right.entryOffset(moved)],
		l.data()[l.entryOffset(keep):l.entryOffset(n)])
	right.setSize(moved)
	l.setSize(keep)
	right.setNext(l.next())
	l.setNext(right.id())
}

// moveAllTo appends every entry of l to the left sibling and unlinks l from
// the chain. Used by coalesce.
func (l leafView) moveAllTo(left leafView) {
	n, ln := l.size(), left.size()
	copy(left.data()[left.entryOffset(ln):left.entryOffset(ln+n)],
		l.data()[l.entryOffset(0):l.entryOffset(n)])
	left.setSize(ln + n)
	left.setNext(l.next())
	l.setSize(0)
}

// moveLastToFrontOf shifts l's last entry to the front of the right sibling.
func (l leafView) moveLastToFrontOf(right leafView) {
	last := l.size() - 1
	right.insertAt(0, l.keyAt(last), l.ridAt(last))
	l.setSize(last)
}

// moveFirstToEndOf shifts l's first entry onto the tail of the left sibling.
func (l leafView) moveFirstToEndOf(left leafView) {
	left.insertAt(left.size(), l.keyAt(0), l.ridAt(0))
	l.removeAt(0)
}
