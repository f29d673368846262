package btree

import (
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
)

// Insert adds key -> rid. Returns false without modifying the tree when the
// key already exists. The first insert into an empty tree creates the root
// leaf and registers it in the header page.
func (t *BPlusTree) Insert(key []byte, rid primitives.RID, txn *transaction.Transaction) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}

	ctx := &opContext{}
	t.rootLatch.Lock()
	ctx.rootLatched = true

	if t.rootPageID == primitives.InvalidPageID {
		err := t.startNewTree(key, rid, ctx, txn)
		t.releaseAll(ctx, txn, true)
		return err == nil, err
	}

	pg, err := t.crabToLeaf(key, opInsert, ctx, txn)
	if err != nil {
		return false, err
	}

	leaf := asLeaf(pg, t.keySize)
	idx, found := leaf.indexOf(key)
	if found {
		t.releaseAll(ctx, txn, false)
		return false, nil
	}

	leaf.insertAt(idx, key, rid)
	if leaf.size() == leaf.maxSize() {
		if err := t.splitLeaf(leaf, ctx, txn); err != nil {
			// releaseAll drains the latch queue, so unwinding twice on a
			// failed allocation is harmless.
			t.releaseAll(ctx, txn, true)
			return false, err
		}
	}

	t.releaseAll(ctx, txn, true)
	return true, nil
}

// startNewTree allocates the root leaf for the first key.
func (t *BPlusTree) startNewTree(key []byte, rid primitives.RID, ctx *opContext, txn *transaction.Transaction) error {
	pg, err := t.newPage(ctx, txn)
	if err != nil {
		return err
	}
	leaf := initLeaf(pg, t.keySize, pg.ID(), primitives.InvalidPageID, t.leafMaxSize)
	leaf.insertAt(0, key, rid)
	err = t.updateRoot(pg.ID())
	t.bpm.UnpinPage(pg.ID(), true)
	return err
}

// splitLeaf moves the upper half of a full leaf into a fresh right sibling
// and pushes the sibling's first key into the parent.
func (t *BPlusTree) splitLeaf(leaf leafView, ctx *opContext, txn *transaction.Transaction) error {
	pg, err := t.newPage(ctx, txn)
	if err != nil {
		return err
	}
	right := initLeaf(pg, t.keySize, pg.ID(), leaf.parent(), t.leafMaxSize)
	leaf.moveHalfTo(right)

	sep := make([]byte, t.keySize)
	copy(sep, right.keyAt(0))
	err = t.insertIntoParent(leaf.nodeView, sep, right.nodeView, ctx, txn)
	t.bpm.UnpinPage(pg.ID(), true)
	return err
}

// insertIntoParent splices a freshly split-off right node into the tree:
// either by growing the parent (splitting it too if it fills), or by
// allocating a new root when the split reached the old root.
func (t *BPlusTree) insertIntoParent(left nodeView, sep []byte, right nodeView, ctx *opContext, txn *transaction.Transaction) error {
	if left.isRoot() {
		pg, err := t.newPage(ctx, txn)
		if err != nil {
			return err
		}
		root := initInternal(pg, t.keySize, pg.ID(), primitives.InvalidPageID, t.internalMaxSize)
		root.populateNewRoot(left.id(), sep, right.id())
		left.setParent(pg.ID())
		right.setParent(pg.ID())
		err = t.updateRoot(pg.ID())
		t.bpm.UnpinPage(pg.ID(), true)
		return err
	}

	parentPg, err := t.bpm.FetchPage(left.parent())
	if err != nil {
		t.releaseAll(ctx, txn, true)
		return err
	}
	parent := asInternal(parentPg, t.keySize)
	parent.insertAfter(left.id(), sep, right.id())
	right.setParent(parent.id())

	if parent.size() == parent.maxSize() {
		if err := t.splitInternal(parent, ctx, txn); err != nil {
			t.bpm.UnpinPage(parentPg.ID(), true)
			return err
		}
	}
	t.bpm.UnpinPage(parentPg.ID(), true)
	return nil
}

// splitInternal moves the upper half of a full internal node into a fresh
// sibling, re-parents the moved children, and recurses into the parent.
func (t *BPlusTree) splitInternal(node internalView, ctx *opContext, txn *transaction.Transaction) error {
	pg, err := t.newPage(ctx, txn)
	if err != nil {
		return err
	}
	right := initInternal(pg, t.keySize, pg.ID(), node.parent(), t.internalMaxSize)
	movedSep := node.moveHalfTo(right)

	sep := make([]byte, t.keySize)
	copy(sep, movedSep)

	if err := t.reparentChildren(right, 0, right.size()); err != nil {
		t.bpm.UnpinPage(pg.ID(), true)
		t.releaseAll(ctx, txn, true)
		return err
	}

	err = t.insertIntoParent(node.nodeView, sep, right.nodeView, ctx, txn)
	t.bpm.UnpinPage(pg.ID(), true)
	return err
}

// reparentChildren rewrites parent_page_id for the children in slots
// [from, to) of node, re-fetching each through the buffer pool.
func (t *BPlusTree) reparentChildren(node internalView, from, to int) error {
	for i := from; i < to; i++ {
		childPg, err := t.bpm.FetchPage(node.childAt(i))
		if err != nil {
			return err
		}
		nodeView{page: childPg, keySize: t.keySize}.setParent(node.id())
		t.bpm.UnpinPage(childPg.ID(), true)
	}
	return nil
}
