package btree

import (
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// Remove deletes key from the tree. Removing an absent key is a no-op.
// Underflowing nodes are rebalanced by redistribution where a sibling can
// spare an entry, otherwise by coalescing; emptied pages are queued on the
// transaction and freed only after every latch is released.
func (t *BPlusTree) Remove(key []byte, txn *transaction.Transaction) error {
	if err := t.checkKey(key); err != nil {
		return err
	}

	ctx := &opContext{}
	t.rootLatch.Lock()
	ctx.rootLatched = true

	if t.rootPageID == primitives.InvalidPageID {
		t.releaseAll(ctx, txn, false)
		return nil
	}

	pg, err := t.crabToLeaf(key, opDelete, ctx, txn)
	if err != nil {
		return err
	}

	leaf := asLeaf(pg, t.keySize)
	idx, found := leaf.indexOf(key)
	if !found {
		t.releaseAll(ctx, txn, false)
		return nil
	}

	leaf.removeAt(idx)
	if t.needsRebalance(leaf.nodeView) {
		if err := t.coalesceOrRedistribute(leaf.nodeView, ctx, txn); err != nil {
			t.releaseAll(ctx, txn, true)
			t.flushDeleted(txn)
			return err
		}
	}

	t.releaseAll(ctx, txn, true)
	t.flushDeleted(txn)
	return nil
}

// needsRebalance reports whether a node violates its occupancy floor.
func (t *BPlusTree) needsRebalance(view nodeView) bool {
	if view.isRoot() {
		if view.isLeaf() {
			return view.size() == 0
		}
		return view.size() == 1
	}
	return view.size() < view.minSize()
}

// coalesceOrRedistribute restores the occupancy invariant for an underflowing
// node: the root is adjusted in place; otherwise an entry is borrowed from a
// sibling with spare occupancy, or the node is merged with a sibling and the
// underflow propagates to the parent.
func (t *BPlusTree) coalesceOrRedistribute(node nodeView, ctx *opContext, txn *transaction.Transaction) error {
	if node.isRoot() {
		return t.adjustRoot(node, txn)
	}

	parentPg, err := t.bpm.FetchPage(node.parent())
	if err != nil {
		return err
	}
	defer t.bpm.UnpinPage(parentPg.ID(), true)
	parent := asInternal(parentPg, t.keySize)
	idx := parent.childIndex(node.id())

	// Prefer borrowing from the left sibling.
	if idx > 0 {
		leftPg, err := t.fetchSibling(parent.childAt(idx - 1))
		if err != nil {
			return err
		}
		left := nodeView{page: leftPg, keySize: t.keySize}
		if left.size() > left.minSize() {
			err = t.redistributeFromLeft(left, node, parent, idx)
			t.releaseSibling(leftPg)
			return err
		}
		// Then try borrowing from the right sibling, if there is one.
		if idx+1 < parent.size() {
			rightPg, err := t.fetchSibling(parent.childAt(idx + 1))
			if err != nil {
				t.releaseSibling(leftPg)
				return err
			}
			right := nodeView{page: rightPg, keySize: t.keySize}
			if right.size() > right.minSize() {
				err = t.redistributeFromRight(node, right, parent, idx)
				t.releaseSibling(rightPg)
				t.releaseSibling(leftPg)
				return err
			}
			t.releaseSibling(rightPg)
		}
		// Coalesce node into the left sibling.
		err = t.coalesce(left, node, parent, idx, txn)
		t.releaseSibling(leftPg)
		if err != nil {
			return err
		}
		if t.needsRebalance(parent.nodeView) {
			return t.coalesceOrRedistribute(parent.nodeView, ctx, txn)
		}
		return nil
	}

	// Leftmost child: borrow from or merge with the right sibling.
	rightPg, err := t.fetchSibling(parent.childAt(idx + 1))
	if err != nil {
		return err
	}
	right := nodeView{page: rightPg, keySize: t.keySize}
	if right.size() > right.minSize() {
		err = t.redistributeFromRight(node, right, parent, idx)
		t.releaseSibling(rightPg)
		return err
	}
	err = t.coalesce(node, right, parent, idx+1, txn)
	t.releaseSibling(rightPg)
	if err != nil {
		return err
	}
	if t.needsRebalance(parent.nodeView) {
		return t.coalesceOrRedistribute(parent.nodeView, ctx, txn)
	}
	return nil
}

// fetchSibling pins and write-latches a sibling page. Siblings are not on the
// descent path, so they are latched here; the parent latch held by this
// operation keeps any other structural change from reaching them.
func (t *BPlusTree) fetchSibling(pid primitives.PageID) (*page.Page, error) {
	pg, err := t.bpm.FetchPage(pid)
	if err != nil {
		return nil, err
	}
	pg.WLatch()
	return pg, nil
}

func (t *BPlusTree) releaseSibling(pg *page.Page) {
	pid := pg.ID()
	pg.WUnlatch()
	t.bpm.UnpinPage(pid, true)
}

// redistributeFromLeft moves the left sibling's last entry to the front of
// node and refreshes the separator at parent slot idx.
func (t *BPlusTree) redistributeFromLeft(left, node nodeView, parent internalView, idx int) error {
	if node.isLeaf() {
		l, n := leafView{left}, leafView{node}
		l.moveLastToFrontOf(n)
		parent.setKeyAt(idx, n.keyAt(0))
		return nil
	}

	l, n := internalView{left}, internalView{node}
	sep := make([]byte, t.keySize)
	copy(sep, parent.keyAt(idx))
	newSep := l.moveLastToFrontOf(n, sep)
	parent.setKeyAt(idx, newSep)
	// The borrowed child changed parents.
	return t.reparentChildren(n, 0, 1)
}

// redistributeFromRight moves the right sibling's first entry onto the tail
// of node and refreshes the separator at parent slot idx+1.
func (t *BPlusTree) redistributeFromRight(node, right nodeView, parent internalView, idx int) error {
	if node.isLeaf() {
		n, r := leafView{node}, leafView{right}
		r.moveFirstToEndOf(n)
		parent.setKeyAt(idx+1, r.keyAt(0))
		return nil
	}

	n, r := internalView{node}, internalView{right}
	sep := make([]byte, t.keySize)
	copy(sep, parent.keyAt(idx+1))
	newSep := r.moveFirstToEndOf(n, sep)
	parent.setKeyAt(idx+1, newSep)
	return t.reparentChildren(n, n.size()-1, n.size())
}

// coalesce merges right into left (right is the child at parent slot
// rightIdx), queues right's page for deferred deletion and removes its
// pointer from the parent. For internal merges the separator key is pulled
// down between the two halves.
func (t *BPlusTree) coalesce(left, right nodeView, parent internalView, rightIdx int, txn *transaction.Transaction) error {
	if left.isLeaf() {
		l, r := leafView{left}, leafView{right}
		r.moveAllTo(l)
	} else {
		l, r := internalView{left}, internalView{right}
		sep := make([]byte, t.keySize)
		copy(sep, parent.keyAt(rightIdx))
		movedFrom := l.size()
		r.moveAllTo(l, sep)
		if err := t.reparentChildren(l, movedFrom, l.size()); err != nil {
			return err
		}
	}

	txn.AddDeletedPage(right.id())
	parent.removeAt(rightIdx)
	return nil
}

// adjustRoot handles underflow at the root: an internal root left with a
// single child promotes that child; an emptied leaf root makes the tree
// empty. The old root page is queued for deferred deletion.
func (t *BPlusTree) adjustRoot(root nodeView, txn *transaction.Transaction) error {
	if !root.isLeaf() && root.size() == 1 {
		childID := internalView{root}.childAt(0)
		childPg, err := t.bpm.FetchPage(childID)
		if err != nil {
			return err
		}
		nodeView{page: childPg, keySize: t.keySize}.setParent(primitives.InvalidPageID)
		t.bpm.UnpinPage(childID, true)

		txn.AddDeletedPage(root.id())
		return t.updateRoot(childID)
	}

	if root.isLeaf() && root.size() == 0 {
		txn.AddDeletedPage(root.id())
		return t.updateRoot(primitives.InvalidPageID)
	}
	return nil
}
