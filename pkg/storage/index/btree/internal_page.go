package btree

import (
	"encoding/binary"

	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// internalView projects the internal-node layout onto a page frame. The body
// holds size contiguous (key, child_page_id) pairs; key[0] is an unused
// sentinel, and child[i] roots the subtree holding keys k with
// key[i] <= k < key[i+1].
type internalView struct {
	nodeView
}

func asInternal(p *page.Page, keySize int) internalView {
	return internalView{nodeView{page: p, keySize: keySize}}
}

// initInternal formats a fresh frame as an empty internal node.
func initInternal(p *page.Page, keySize int, pid, parent primitives.PageID, maxSize int) internalView {
	n := asInternal(p, keySize)
	n.setPageType(pageTypeInternal)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.setID(pid)
	n.setParent(parent)
	return n
}

func (n internalView) entryWidth() int { return n.keySize + 4 }

func (n internalView) entryOffset(i int) int {
	return headerSize + i*n.entryWidth()
}

func (n internalView) keyAt(i int) []byte {
	off := n.entryOffset(i)
	return n.data()[off : off+n.keySize]
}

func (n internalView) setKeyAt(i int, key []byte) {
	off := n.entryOffset(i)
	copy(n.data()[off:off+n.keySize], key)
}

func (n internalView) childAt(i int) primitives.PageID {
	off := n.entryOffset(i) + n.keySize
	return primitives.PageID(binary.BigEndian.Uint32(n.data()[off:]))
}

func (n internalView) setChildAt(i int, pid primitives.PageID) {
	off := n.entryOffset(i) + n.keySize
	binary.BigEndian.PutUint32(n.data()[off:], uint32(pid))
}

func (n internalView) setEntry(i int, key []byte, child primitives.PageID) {
	n.setKeyAt(i, key)
	n.setChildAt(i, child)
}

// maxInternalEntries computes how many (key, child) pairs fit in one page.
func maxInternalEntries(keySize int) int {
	return (primitives.PageSize - headerSize) / (keySize + 4)
}

// lookup returns the child to descend into for key: the child of the largest
// separator <= key, found by binary search over keys 1..size-1.
func (n internalView) lookup(key []byte) primitives.PageID {
	lo, hi := 1, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(n.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return n.childAt(lo - 1)
}

// childIndex returns the slot whose child pointer equals pid, or -1.
func (n internalView) childIndex(pid primitives.PageID) int {
	for i := 0; i < n.size(); i++ {
		if n.childAt(i) == pid {
			return i
		}
	}
	return -1
}

// populateNewRoot fills an empty node with two children separated by key.
func (n internalView) populateNewRoot(left primitives.PageID, key []byte, right primitives.PageID) {
	n.setChildAt(0, left)
	n.setEntry(1, key, right)
	n.setSize(2)
}

// insertAfter inserts (key, child) immediately after the entry pointing to
// after.
func (n internalView) insertAfter(after primitives.PageID, key []byte, child primitives.PageID) {
	idx := n.childIndex(after) + 1
	w := n.entryWidth()
	start := n.entryOffset(idx)
	end := n.entryOffset(n.size())
	copy(n.data()[start+w:end+w], n.data()[start:end])
	n.setEntry(idx, key, child)
	n.setSize(n.size() + 1)
}

// removeAt deletes the pair at slot i, shifting the tail left.
func (n internalView) removeAt(i int) {
	w := n.entryWidth()
	start := n.entryOffset(i)
	end := n.entryOffset(n.size())
	copy(n.data()[start:end-w], n.data()[start+w:end])
	n.setSize(n.size() - 1)
}

// insertAt inserts the pair (key, child) at slot i.
func (n internalView) insertAt(i int, key []byte, child primitives.PageID) {
	w := n.entryWidth()
	start := n.entryOffset(i)
	end := n.entryOffset(n.size())
	copy(n.data()[start+w:end+w], n.data()[start:end])
	n.setEntry(i, key, child)
	n.setSize(n.size() + 1)
}

// moveHalfTo moves the upper half of n's pairs into the fresh right sibling
// and returns the separator key to push into the parent. The separator is
// the key of the first moved pair; it lands in the sibling's unused slot 0.
func (n internalView) moveHalfTo(right internalView) []byte {
	total := n.size()
	keep := (total + 1) / 2
	moved := total - keep
	copy(right.data()[right.entryOffset(0):right.entryOffset(moved)],
		n.data()[n.entryOffset(keep):n.entryOffset(total)])
	right.setSize(moved)
	n.setSize(keep)
	return right.keyAt(0)
}

// moveAllTo appends every pair of n to the left sibling, pulling sep (the
// parent separator between the two) down as the key of n's first child.
func (n internalView) moveAllTo(left internalView, sep []byte) {
	total, ln := n.size(), left.size()
	copy(left.data()[left.entryOffset(ln):left.entryOffset(ln+total)],
		n.data()[n.entryOffset(0):n.entryOffset(total)])
	left.setKeyAt(ln, sep)
	left.setSize(ln + total)
	n.setSize(0)
}

// moveLastToFrontOf rotates n's last pair through the parent separator into
// the front of the right sibling: the moved child arrives at slot 0, the old
// separator becomes the sibling's key[1], and the moved pair's key is the new
// separator, which is returned.
func (n internalView) moveLastToFrontOf(right internalView, sep []byte) []byte {
	last := n.size() - 1
	newSep := make([]byte, n.keySize)
	copy(newSep, n.keyAt(last))
	movedChild := n.childAt(last)
	n.setSize(last)

	right.insertAt(0, nil, movedChild)
	right.setKeyAt(1, sep)
	return newSep
}

// moveFirstToEndOf rotates n's first pair through the parent separator onto
// the tail of the left sibling: the moved child is appended under the old
// separator, and n's new key[1] (about to become key[0]) is returned as the
// new separator.
func (n internalView) moveFirstToEndOf(left internalView, sep []byte) []byte {
	movedChild := n.childAt(0)
	newSep := make([]byte, n.keySize)
	copy(newSep, n.keyAt(1))
	n.removeAt(0)

	left.insertAt(left.size(), sep, movedChild)
	return newSep
}
