package btree

import (
	"crabdb/pkg/errs"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// Iterator walks the leaf chain in key order. It holds a read latch and a pin
// on the current leaf, handing both over at each leaf boundary; it reaches the
// end state when the current leaf's next page id is invalid, and the end flag
// records that state. Iterators must not outlive the buffer
// pool and must be closed.
type Iterator struct {
	tree *BPlusTree
	pg   *page.Page
	leaf leafView
	slot int
	end  bool
}

// Begin positions an iterator at the first entry of the tree.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.beginAt(nil, true)
}

// BeginAt positions an iterator at key, or at the first entry greater than
// key when key is absent.
func (t *BPlusTree) BeginAt(key []byte) (*Iterator, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	return t.beginAt(key, false)
}

// beginAt descends with read latch coupling to the leftmost leaf (leftmost
// == true) or to the leaf covering key.
func (t *BPlusTree) beginAt(key []byte, leftmost bool) (*Iterator, error) {
	t.rootLatch.RLock()
	if t.rootPageID == primitives.InvalidPageID {
		t.rootLatch.RUnlock()
		return &Iterator{tree: t, end: true}, nil
	}

	pg, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	pg.RLatch()
	t.rootLatch.RUnlock()

	for {
		view := nodeView{page: pg, keySize: t.keySize}
		if view.isLeaf() {
			break
		}
		internal := asInternal(pg, t.keySize)
		var childID primitives.PageID
		if leftmost {
			childID = internal.childAt(0)
		} else {
			childID = internal.lookup(key)
		}
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			pg.RUnlatch()
			t.bpm.UnpinPage(pg.ID(), false)
			return nil, err
		}
		child.RLatch()
		pg.RUnlatch()
		t.bpm.UnpinPage(pg.ID(), false)
		pg = child
	}

	it := &Iterator{tree: t, pg: pg, leaf: asLeaf(pg, t.keySize)}
	if !leftmost {
		it.slot, _ = it.leaf.indexOf(key)
	}
	// An empty slot position past the leaf's last entry means the target
	// lives in the next leaf (or nowhere).
	if it.slot >= it.leaf.size() {
		if err := it.advanceLeaf(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// IsEnd reports whether the iterator has moved past the last entry.
func (it *Iterator) IsEnd() bool { return it.end }

// Key returns a copy of the current entry's key.
func (it *Iterator) Key() []byte {
	key := make([]byte, it.tree.keySize)
	copy(key, it.leaf.keyAt(it.slot))
	return key
}

// RID returns the current entry's record id.
func (it *Iterator) RID() primitives.RID {
	return it.leaf.ridAt(it.slot)
}

// Next advances to the following entry, crossing to the next leaf when the
// current one is exhausted.
func (it *Iterator) Next() error {
	if it.end {
		return errs.New(errs.CategoryUser, errs.CodeOutOfRange,
			"iterator advanced past the end").WithOp("Next", "IndexIterator")
	}
	it.slot++
	if it.slot >= it.leaf.size() {
		return it.advanceLeaf()
	}
	return nil
}

// advanceLeaf follows the sibling link: the next leaf is latched before the
// current page's latch and pin are released.
func (it *Iterator) advanceLeaf() error {
	for {
		nextID := it.leaf.next()
		if nextID == primitives.InvalidPageID {
			it.release()
			it.end = true
			return nil
		}
		next, err := it.tree.bpm.FetchPage(nextID)
		if err != nil {
			it.release()
			it.end = true
			return err
		}
		next.RLatch()
		it.release()
		it.pg = next
		it.leaf = asLeaf(next, it.tree.keySize)
		it.slot = 0
		if it.leaf.size() > 0 {
			return nil
		}
	}
}

func (it *Iterator) release() {
	if it.pg != nil {
		pid := it.pg.ID()
		it.pg.RUnlatch()
		it.tree.bpm.UnpinPage(pid, false)
		it.pg = nil
	}
}

// Close releases the iterator's latch and pin. Safe to call repeatedly.
func (it *Iterator) Close() {
	if !it.end {
		it.release()
		it.end = true
	}
}
