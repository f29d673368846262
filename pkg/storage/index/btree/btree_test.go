package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"crabdb/pkg/buffer"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/disk"
)

func newTestTree(t *testing.T, leafMax, internalMax, poolSize int) (*BPlusTree, *buffer.Pool) {
	t.Helper()

	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "btree_test.db"))
	if err != nil {
		t.Fatalf("failed to create disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })

	pool := buffer.NewPool(poolSize, dm)
	hp, err := pool.NewPage()
	if err != nil {
		t.Fatalf("failed to allocate header page: %v", err)
	}
	if hp.ID() != 0 {
		t.Fatalf("header page must be page 0, got %d", hp.ID())
	}
	pool.UnpinPage(hp.ID(), true)

	tree, err := New(Config{
		Name:            "test_index",
		KeySize:         Int64KeySize,
		LeafMaxSize:     leafMax,
		InternalMaxSize: internalMax,
	}, pool)
	if err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}
	return tree, pool
}

func ridFor(k int64) primitives.RID {
	return primitives.NewRID(primitives.PageID(k/100), primitives.SlotID(k%100))
}

func mustInsert(t *testing.T, tree *BPlusTree, txn *transaction.Transaction, k int64) {
	t.Helper()
	ok, err := tree.Insert(Int64Key(k), ridFor(k), txn)
	if err != nil {
		t.Fatalf("Insert(%d) failed: %v", k, err)
	}
	if !ok {
		t.Fatalf("Insert(%d) rejected as duplicate", k)
	}
}

// collectKeys walks the tree with an iterator and returns every key.
func collectKeys(t *testing.T, tree *BPlusTree) []int64 {
	t.Helper()
	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer it.Close()

	var keys []int64
	for !it.IsEnd() {
		keys = append(keys, Int64FromKey(it.Key()))
		if err := it.Next(); err != nil {
			t.Fatalf("iterator Next failed: %v", err)
		}
	}
	return keys
}

// validateTree checks the structural invariants: parent links, occupancy
// bounds, strictly increasing keys, separators bounding their subtrees
// (every key under child[i] lies in [key[i], key[i+1])), and equal leaf
// depth. Separators are checked as bounds, not equalities: a removal at the
// front of a leaf legitimately leaves the parent separator as a stale lower
// bound until the next redistribution refreshes it.
func validateTree(t *testing.T, tree *BPlusTree) {
	t.Helper()
	root := tree.RootPageID()
	if root == primitives.InvalidPageID {
		return
	}
	leafDepth := -1
	var walk func(pid, parent primitives.PageID, depth int, lo, hi []byte)
	walk = func(pid, parent primitives.PageID, depth int, lo, hi []byte) {
		pg, err := tree.bpm.FetchPage(pid)
		if err != nil {
			t.Fatalf("fetch page %d: %v", pid, err)
		}
		defer tree.bpm.UnpinPage(pid, false)

		view := nodeView{page: pg, keySize: tree.keySize}
		if view.parent() != parent {
			t.Fatalf("page %d has parent %d, want %d", pid, view.parent(), parent)
		}
		isRoot := parent == primitives.InvalidPageID
		if !isRoot {
			if view.size() < view.minSize() || view.size() >= view.maxSize() {
				t.Fatalf("page %d size %d outside [%d,%d)", pid, view.size(), view.minSize(), view.maxSize())
			}
		}

		inBounds := func(key []byte) bool {
			if lo != nil && compareKeys(key, lo) < 0 {
				return false
			}
			return hi == nil || compareKeys(key, hi) < 0
		}

		if view.isLeaf() {
			if leafDepth == -1 {
				leafDepth = depth
			} else if depth != leafDepth {
				t.Fatalf("leaf %d at depth %d, want %d", pid, depth, leafDepth)
			}
			leaf := asLeaf(pg, tree.keySize)
			if leaf.size() == 0 {
				t.Fatalf("leaf %d is empty", pid)
			}
			for i := 0; i < leaf.size(); i++ {
				if i > 0 && compareKeys(leaf.keyAt(i-1), leaf.keyAt(i)) >= 0 {
					t.Fatalf("leaf %d keys not strictly increasing at slot %d", pid, i)
				}
				if !inBounds(leaf.keyAt(i)) {
					t.Fatalf("leaf %d key %d escapes its separator bounds", pid, Int64FromKey(leaf.keyAt(i)))
				}
			}
			return
		}

		internal := asInternal(pg, tree.keySize)
		if isRoot && internal.size() < 2 {
			t.Fatalf("internal root %d has size %d", pid, internal.size())
		}
		for i := 1; i < internal.size(); i++ {
			if i > 1 && compareKeys(internal.keyAt(i-1), internal.keyAt(i)) >= 0 {
				t.Fatalf("internal %d separators not strictly increasing at slot %d", pid, i)
			}
			if !inBounds(internal.keyAt(i)) {
				t.Fatalf("internal %d separator %d escapes its bounds", pid, Int64FromKey(internal.keyAt(i)))
			}
		}
		for i := 0; i < internal.size(); i++ {
			childLo := lo
			if i > 0 {
				childLo = append([]byte(nil), internal.keyAt(i)...)
			}
			childHi := hi
			if i < internal.size()-1 {
				childHi = append([]byte(nil), internal.keyAt(i+1)...)
			}
			walk(internal.childAt(i), pid, depth+1, childLo, childHi)
		}
	}
	walk(root, primitives.InvalidPageID, 0, nil, nil)
}

func TestInsertAndGetValue(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	for k := int64(1); k <= 10; k++ {
		mustInsert(t, tree, txn, k)
	}

	for k := int64(1); k <= 10; k++ {
		rid, found, err := tree.GetValue(Int64Key(k), txn)
		if err != nil {
			t.Fatalf("GetValue(%d) failed: %v", k, err)
		}
		if !found {
			t.Fatalf("GetValue(%d) missing", k)
		}
		if rid != ridFor(k) {
			t.Errorf("GetValue(%d) = %v, want %v", k, rid, ridFor(k))
		}
	}

	if _, found, _ := tree.GetValue(Int64Key(999), txn); found {
		t.Error("GetValue(999) found a key that was never inserted")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	mustInsert(t, tree, txn, 42)
	ok, err := tree.Insert(Int64Key(42), ridFor(43), txn)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if ok {
		t.Fatal("duplicate insert was accepted")
	}

	rid, _, _ := tree.GetValue(Int64Key(42), txn)
	if rid != ridFor(42) {
		t.Errorf("duplicate insert overwrote value: got %v", rid)
	}
}

func TestSplitCascade(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	for k := int64(1); k <= 20; k++ {
		mustInsert(t, tree, txn, k)
		validateTree(t, tree)
	}

	keys := collectKeys(t, tree)
	if len(keys) != 20 {
		t.Fatalf("iteration yielded %d keys, want 20", len(keys))
	}
	for i, k := range keys {
		if k != int64(i+1) {
			t.Fatalf("iteration[%d] = %d, want %d", i, k, i+1)
		}
	}

	// With max sizes of 4 the tree must have grown beyond a single level.
	rootPg, err := tree.bpm.FetchPage(tree.RootPageID())
	if err != nil {
		t.Fatalf("fetch root: %v", err)
	}
	rootIsLeaf := nodeView{page: rootPg, keySize: tree.keySize}.isLeaf()
	tree.bpm.UnpinPage(rootPg.ID(), false)
	if rootIsLeaf {
		t.Fatal("root is still a leaf after 20 inserts with max size 4")
	}
}

func TestCoalesceCascade(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	for k := int64(1); k <= 20; k++ {
		mustInsert(t, tree, txn, k)
	}

	for k := int64(20); k >= 1; k-- {
		if err := tree.Remove(Int64Key(k), txn); err != nil {
			t.Fatalf("Remove(%d) failed: %v", k, err)
		}
		validateTree(t, tree)

		keys := collectKeys(t, tree)
		if len(keys) != int(k-1) {
			t.Fatalf("after Remove(%d): %d keys left, want %d", k, len(keys), k-1)
		}
	}

	if got := tree.RootPageID(); got != primitives.InvalidPageID {
		t.Fatalf("root after removing everything = %d, want invalid", got)
	}
}

func TestRemoveAscending(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	for k := int64(1); k <= 50; k++ {
		mustInsert(t, tree, txn, k)
	}
	for k := int64(1); k <= 50; k++ {
		if err := tree.Remove(Int64Key(k), txn); err != nil {
			t.Fatalf("Remove(%d) failed: %v", k, err)
		}
		validateTree(t, tree)
	}
	if got := tree.RootPageID(); got != primitives.InvalidPageID {
		t.Fatalf("root = %d, want invalid", got)
	}
}

func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	mustInsert(t, tree, txn, 1)
	if err := tree.Remove(Int64Key(2), txn); err != nil {
		t.Fatalf("Remove of absent key failed: %v", err)
	}
	if keys := collectKeys(t, tree); len(keys) != 1 || keys[0] != 1 {
		t.Fatalf("tree contents changed: %v", keys)
	}
}

func TestInsertThenRemoveLeavesEmptyTree(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	mustInsert(t, tree, txn, 7)
	if err := tree.Remove(Int64Key(7), txn); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if got := tree.RootPageID(); got != primitives.InvalidPageID {
		t.Fatalf("root = %d, want invalid", got)
	}
	if _, found, _ := tree.GetValue(Int64Key(7), txn); found {
		t.Fatal("removed key still found")
	}
}

func TestRandomizedMix(t *testing.T) {
	tree, _ := newTestTree(t, 5, 5, 128)
	txn := transaction.New(transaction.RepeatableRead)

	// Deterministic shuffle-ish order: odd keys up, even keys down.
	var order []int64
	for k := int64(1); k <= 200; k += 2 {
		order = append(order, k)
	}
	for k := int64(200); k >= 2; k -= 2 {
		order = append(order, k)
	}
	for _, k := range order {
		mustInsert(t, tree, txn, k)
	}
	validateTree(t, tree)

	// Remove every third key.
	removed := make(map[int64]bool)
	for k := int64(3); k <= 200; k += 3 {
		if err := tree.Remove(Int64Key(k), txn); err != nil {
			t.Fatalf("Remove(%d) failed: %v", k, err)
		}
		removed[k] = true
	}
	validateTree(t, tree)

	keys := collectKeys(t, tree)
	want := 0
	for k := int64(1); k <= 200; k++ {
		if !removed[k] {
			want++
		}
	}
	if len(keys) != want {
		t.Fatalf("got %d keys, want %d", len(keys), want)
	}
	for _, k := range keys {
		if removed[k] {
			t.Fatalf("removed key %d still present", k)
		}
	}
}

func TestIteratorAt(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	for k := int64(2); k <= 40; k += 2 {
		mustInsert(t, tree, txn, k)
	}

	// Exact hit.
	it, err := tree.BeginAt(Int64Key(10))
	if err != nil {
		t.Fatalf("BeginAt failed: %v", err)
	}
	if it.IsEnd() || Int64FromKey(it.Key()) != 10 {
		t.Fatalf("BeginAt(10) positioned wrong")
	}
	it.Close()

	// Miss positions at the next larger key.
	it, err = tree.BeginAt(Int64Key(11))
	if err != nil {
		t.Fatalf("BeginAt failed: %v", err)
	}
	if it.IsEnd() || Int64FromKey(it.Key()) != 12 {
		t.Fatalf("BeginAt(11) = %v, want 12", Int64FromKey(it.Key()))
	}
	it.Close()

	// Past the end.
	it, err = tree.BeginAt(Int64Key(1000))
	if err != nil {
		t.Fatalf("BeginAt failed: %v", err)
	}
	if !it.IsEnd() {
		t.Fatal("BeginAt past the last key should be the end iterator")
	}
	it.Close()
}

func TestEmptyTreeIteration(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4, 64)

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin on empty tree failed: %v", err)
	}
	if !it.IsEnd() {
		t.Fatal("empty tree iterator is not at the end")
	}
	it.Close()
}

func TestConcurrentInsert(t *testing.T) {
	tree, _ := newTestTree(t, 0, 0, 256)

	const (
		workers = 8
		perW    = 1000
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		base := int64(w * perW)
		g.Go(func() error {
			txn := transaction.New(transaction.RepeatableRead)
			for i := int64(0); i < perW; i++ {
				k := base + i
				ok, err := tree.Insert(Int64Key(k), ridFor(k), txn)
				if err != nil {
					return fmt.Errorf("Insert(%d): %w", k, err)
				}
				if !ok {
					return fmt.Errorf("Insert(%d): duplicate in disjoint range", k)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	txn := transaction.New(transaction.RepeatableRead)
	for k := int64(0); k < workers*perW; k++ {
		rid, found, err := tree.GetValue(Int64Key(k), txn)
		if err != nil {
			t.Fatalf("GetValue(%d): %v", k, err)
		}
		if !found || rid != ridFor(k) {
			t.Fatalf("GetValue(%d) = (%v,%v), want (%v,true)", k, rid, found, ridFor(k))
		}
	}

	keys := collectKeys(t, tree)
	if len(keys) != workers*perW {
		t.Fatalf("iteration yielded %d keys, want %d", len(keys), workers*perW)
	}
	for i, k := range keys {
		if k != int64(i) {
			t.Fatalf("iteration[%d] = %d, want %d", i, k, i)
		}
	}
	validateTree(t, tree)
}

func TestConcurrentInsertAndRemove(t *testing.T) {
	tree, _ := newTestTree(t, 0, 0, 256)

	// Preload the even keys, then concurrently remove them while inserting
	// the odd keys.
	setup := transaction.New(transaction.RepeatableRead)
	for k := int64(0); k < 2000; k += 2 {
		mustInsert(t, tree, setup, k)
	}

	var g errgroup.Group
	g.Go(func() error {
		txn := transaction.New(transaction.RepeatableRead)
		for k := int64(1); k < 2000; k += 2 {
			if _, err := tree.Insert(Int64Key(k), ridFor(k), txn); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		txn := transaction.New(transaction.RepeatableRead)
		for k := int64(0); k < 2000; k += 2 {
			if err := tree.Remove(Int64Key(k), txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	keys := collectKeys(t, tree)
	if len(keys) != 1000 {
		t.Fatalf("got %d keys, want 1000", len(keys))
	}
	for i, k := range keys {
		if k != int64(2*i+1) {
			t.Fatalf("iteration[%d] = %d, want %d", i, k, 2*i+1)
		}
	}
	validateTree(t, tree)
}

func TestRootPersistedInHeaderPage(t *testing.T) {
	tree, pool := newTestTree(t, 4, 4, 64)
	txn := transaction.New(transaction.RepeatableRead)

	for k := int64(1); k <= 20; k++ {
		mustInsert(t, tree, txn, k)
	}

	// A second handle over the same pool must see the same tree.
	reopened, err := New(Config{
		Name:            "test_index",
		KeySize:         Int64KeySize,
		LeafMaxSize:     4,
		InternalMaxSize: 4,
	}, pool)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.RootPageID() != tree.RootPageID() {
		t.Fatalf("reopened root %d != original root %d", reopened.RootPageID(), tree.RootPageID())
	}
	rid, found, err := reopened.GetValue(Int64Key(13), txn)
	if err != nil || !found || rid != ridFor(13) {
		t.Fatalf("reopened GetValue(13) = (%v,%v,%v)", rid, found, err)
	}
}
