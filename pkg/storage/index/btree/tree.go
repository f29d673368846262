package btree

import (
	"log/slog"
	"sync"

	"crabdb/pkg/buffer"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/errs"
	"crabdb/pkg/logging"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// BPlusTree is a persistent ordered map from fixed-width keys to RIDs,
// stored in buffer-pool pages. Concurrent operations coordinate through
// per-page latches (latch coupling) plus one tree-wide latch guarding the
// root page id. The tree's root id is registered under the index name in the
// header page so it survives restarts.
type BPlusTree struct {
	name            string
	bpm             *buffer.Pool
	keySize         int
	leafMaxSize     int
	internalMaxSize int

	rootLatch  sync.RWMutex
	rootPageID primitives.PageID

	log *slog.Logger
}

// Config sizes a tree. Zero max sizes derive page-filling defaults from the
// key width; tests shrink them to force splits and merges early.
type Config struct {
	Name            string
	KeySize         int
	LeafMaxSize     int
	InternalMaxSize int
}

// opKind selects the safety predicate used while crabbing downward.
type opKind int

const (
	opInsert opKind = iota
	opDelete
)

// opContext tracks whether the current operation still owns the tree-wide
// root latch. Held page latches live on the transaction's latch queue.
type opContext struct {
	rootLatched bool
}

// New opens (or registers) the named tree. The root page id is read from the
// header page; a missing record is created with an invalid root, meaning an
// empty tree.
func New(cfg Config, bpm *buffer.Pool) (*BPlusTree, error) {
	if cfg.KeySize <= 0 {
		return nil, errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
			"key size must be positive, got %d", cfg.KeySize)
	}

	leafMax := cfg.LeafMaxSize
	if leafMax == 0 {
		leafMax = maxLeafEntries(cfg.KeySize)
	}
	internalMax := cfg.InternalMaxSize
	if internalMax == 0 {
		internalMax = maxInternalEntries(cfg.KeySize)
	}
	// The internal occupancy floor is ceil(max/2); with an odd max a split
	// would leave one half below it, so the internal fanout is kept even.
	internalMax &^= 1
	if leafMax < 3 || internalMax < 4 {
		return nil, errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
			"max sizes too small: leaf=%d internal=%d", leafMax, internalMax)
	}

	t := &BPlusTree{
		name:            cfg.Name,
		bpm:             bpm,
		keySize:         cfg.KeySize,
		leafMaxSize:     leafMax,
		internalMaxSize: internalMax,
		rootPageID:      primitives.InvalidPageID,
		log:             logging.For("BPlusTree").With("index", cfg.Name),
	}

	hp, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, err
	}
	hp.WLatch()
	header := page.AsHeaderPage(hp)
	root, ok := header.GetRootID(cfg.Name)
	dirty := false
	if ok {
		t.rootPageID = root
	} else {
		if err := header.InsertRecord(cfg.Name, primitives.InvalidPageID); err != nil {
			hp.WUnlatch()
			bpm.UnpinPage(page.HeaderPageID, false)
			return nil, errs.Wrap(err, errs.CodeOutOfRange, "New", "BPlusTree")
		}
		dirty = true
	}
	hp.WUnlatch()
	bpm.UnpinPage(page.HeaderPageID, dirty)
	return t, nil
}

// Name returns the index name the tree is registered under.
func (t *BPlusTree) Name() string { return t.name }

// IsEmpty reports whether the tree has no root.
func (t *BPlusTree) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID == primitives.InvalidPageID
}

// RootPageID exposes the current root page id for inspection tooling.
func (t *BPlusTree) RootPageID() primitives.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID
}

// updateRoot records a root change in memory and in the header page. The
// caller holds the root latch in write mode.
func (t *BPlusTree) updateRoot(pid primitives.PageID) error {
	t.rootPageID = pid
	hp, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return err
	}
	hp.WLatch()
	err = page.AsHeaderPage(hp).UpdateRecord(t.name, pid)
	hp.WUnlatch()
	t.bpm.UnpinPage(page.HeaderPageID, true)
	return err
}

// GetValue returns the RID stored under key, if any. Descends with read
// latch coupling: the child is latched before the parent is released.
func (t *BPlusTree) GetValue(key []byte, txn *transaction.Transaction) (primitives.RID, bool, error) {
	if err := t.checkKey(key); err != nil {
		return primitives.RID{}, false, err
	}

	t.rootLatch.RLock()
	if t.rootPageID == primitives.InvalidPageID {
		t.rootLatch.RUnlock()
		return primitives.RID{}, false, nil
	}

	pg, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return primitives.RID{}, false, err
	}
	pg.RLatch()
	t.rootLatch.RUnlock()

	for {
		view := nodeView{page: pg, keySize: t.keySize}
		if view.isLeaf() {
			break
		}
		childID := asInternal(pg, t.keySize).lookup(key)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			pg.RUnlatch()
			t.bpm.UnpinPage(pg.ID(), false)
			return primitives.RID{}, false, err
		}
		child.RLatch()
		pg.RUnlatch()
		t.bpm.UnpinPage(pg.ID(), false)
		pg = child
	}

	leaf := asLeaf(pg, t.keySize)
	idx, found := leaf.indexOf(key)
	var rid primitives.RID
	if found {
		rid = leaf.ridAt(idx)
	}
	pg.RUnlatch()
	t.bpm.UnpinPage(pg.ID(), false)
	return rid, found, nil
}

func (t *BPlusTree) checkKey(key []byte) error {
	if len(key) != t.keySize {
		return errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
			"key must be %d bytes, got %d", t.keySize, len(key)).
			WithOp("checkKey", "BPlusTree")
	}
	return nil
}

// isSafe reports whether a pending structural change cannot propagate past
// this node, permitting release of every ancestor latch.
func (t *BPlusTree) isSafe(view nodeView, op opKind) bool {
	if op == opInsert {
		return view.size() < view.maxSize()-1
	}
	if view.isRoot() {
		if view.isLeaf() {
			return view.size() > 1
		}
		return view.size() > 2
	}
	return view.size() > view.minSize()
}

// releaseAll flushes the operation's held latches: the root latch first, then
// every queued page latch in FIFO order of acquisition.
func (t *BPlusTree) releaseAll(ctx *opContext, txn *transaction.Transaction, dirty bool) {
	if ctx.rootLatched {
		t.rootLatch.Unlock()
		ctx.rootLatched = false
	}
	for _, pg := range txn.TakeLatchedPages() {
		pid := pg.ID()
		pg.WUnlatch()
		t.bpm.UnpinPage(pid, dirty)
	}
}

// flushDeleted frees the pages queued for deletion during the operation.
// Called only after every latch has been released.
func (t *BPlusTree) flushDeleted(txn *transaction.Transaction) {
	for _, pid := range txn.TakeDeletedPages() {
		t.bpm.DeletePage(pid)
	}
}

// crabToLeaf descends with pessimistic write crabbing: each node is write
// latched and queued on the transaction; reaching a safe node releases every
// ancestor. The caller owns the root latch in write mode and a valid root.
// Returns the leaf frame, which is the tail of the latch queue.
func (t *BPlusTree) crabToLeaf(key []byte, op opKind, ctx *opContext, txn *transaction.Transaction) (*page.Page, error) {
	pg, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.releaseAll(ctx, txn, false)
		return nil, err
	}
	pg.WLatch()

	for {
		view := nodeView{page: pg, keySize: t.keySize}
		if t.isSafe(view, op) {
			t.releaseAll(ctx, txn, false)
		}
		txn.PushLatchedPage(pg)

		if view.isLeaf() {
			return pg, nil
		}

		childID := asInternal(pg, t.keySize).lookup(key)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			t.releaseAll(ctx, txn, false)
			return nil, err
		}
		child.WLatch()
		pg = child
	}
}

// newPage allocates a pinned frame, unwinding the operation's latches on
// buffer-pool exhaustion.
func (t *BPlusTree) newPage(ctx *opContext, txn *transaction.Transaction) (*page.Page, error) {
	pg, err := t.bpm.NewPage()
	if err != nil {
		t.releaseAll(ctx, txn, true)
		t.flushDeleted(txn)
		return nil, errs.Wrap(err, errs.CodeOutOfMemory, "newPage", "BPlusTree")
	}
	return pg, nil
}
