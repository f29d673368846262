package heap

import (
	"log/slog"
	"sync"

	"crabdb/pkg/buffer"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/errs"
	"crabdb/pkg/logging"
	"crabdb/pkg/primitives"
)

// TableHeap stores a table's tuples in a doubly linked chain of slotted
// pages. Tuples are opaque byte strings; RIDs locate them. Mark-deletes stay
// reversible until a transaction commits (ApplyDelete) or aborts
// (RollbackDelete).
type TableHeap struct {
	bpm         *buffer.Pool
	firstPageID primitives.PageID

	mu         sync.Mutex // guards chain extension
	lastPageID primitives.PageID

	log *slog.Logger
}

// NewTableHeap allocates the heap's first page.
func NewTableHeap(bpm *buffer.Pool) (*TableHeap, error) {
	pg, err := bpm.NewPage()
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeOutOfMemory, "NewTableHeap", "TableHeap")
	}
	pg.WLatch()
	initTablePage(pg, primitives.InvalidPageID)
	pg.WUnlatch()
	pid := pg.ID()
	bpm.UnpinPage(pid, true)

	return &TableHeap{
		bpm:         bpm,
		firstPageID: pid,
		lastPageID:  pid,
		log:         logging.For("TableHeap"),
	}, nil
}

// FirstPageID returns the head of the page chain.
func (h *TableHeap) FirstPageID() primitives.PageID { return h.firstPageID }

// InsertTuple appends the serialized tuple to the heap and returns its RID.
// The tuple lands on the last page; a full last page grows the chain.
func (h *TableHeap) InsertTuple(data []byte, txn *transaction.Transaction) (primitives.RID, error) {
	if len(data) > primitives.PageSize-slotsStart-slotWidth {
		return primitives.RID{}, errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
			"tuple of %d bytes exceeds page capacity", len(data)).
			WithOp("InsertTuple", "TableHeap")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pg, err := h.bpm.FetchPage(h.lastPageID)
	if err != nil {
		return primitives.RID{}, err
	}
	pg.WLatch()
	tp := asTablePage(pg)

	slot, ok := tp.insertTuple(data)
	if ok {
		pid := pg.ID()
		pg.WUnlatch()
		h.bpm.UnpinPage(pid, true)
		return primitives.NewRID(pid, slot), nil
	}

	// Last page is full: extend the chain.
	npg, err := h.bpm.NewPage()
	if err != nil {
		pid := pg.ID()
		pg.WUnlatch()
		h.bpm.UnpinPage(pid, false)
		return primitives.RID{}, errs.Wrap(err, errs.CodeOutOfMemory, "InsertTuple", "TableHeap")
	}
	npg.WLatch()
	ntp := initTablePage(npg, pg.ID())
	tp.setNext(npg.ID())

	oldPID := pg.ID()
	pg.WUnlatch()
	h.bpm.UnpinPage(oldPID, true)

	slot, _ = ntp.insertTuple(data)
	newPID := npg.ID()
	h.lastPageID = newPID
	npg.WUnlatch()
	h.bpm.UnpinPage(newPID, true)
	return primitives.NewRID(newPID, slot), nil
}

// GetTuple reads the tuple at rid. Mark-deleted tuples read as absent.
func (h *TableHeap) GetTuple(rid primitives.RID, txn *transaction.Transaction) ([]byte, bool, error) {
	pg, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		return nil, false, err
	}
	pg.RLatch()
	raw, deleted, ok := asTablePage(pg).getTuple(rid.Slot)
	var data []byte
	if ok && !deleted {
		data = make([]byte, len(raw))
		copy(data, raw)
	}
	pg.RUnlatch()
	h.bpm.UnpinPage(rid.PageID, false)
	return data, ok && !deleted, nil
}

// mutatePage runs fn against the write-latched page holding rid.
func (h *TableHeap) mutatePage(rid primitives.RID, op string, fn func(tp tablePage) bool) error {
	pg, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	pg.WLatch()
	ok := fn(asTablePage(pg))
	pg.WUnlatch()
	h.bpm.UnpinPage(rid.PageID, ok)
	if !ok {
		return errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
			"no tuple at %s", rid).WithOp(op, "TableHeap")
	}
	return nil
}

// MarkDelete tombstones the tuple at rid; reversible until commit.
func (h *TableHeap) MarkDelete(rid primitives.RID, txn *transaction.Transaction) error {
	return h.mutatePage(rid, "MarkDelete", func(tp tablePage) bool {
		return tp.markDelete(rid.Slot)
	})
}

// RollbackDelete reverses a MarkDelete during transaction abort.
func (h *TableHeap) RollbackDelete(rid primitives.RID, txn *transaction.Transaction) error {
	return h.mutatePage(rid, "RollbackDelete", func(tp tablePage) bool {
		return tp.rollbackDelete(rid.Slot)
	})
}

// ApplyDelete physically removes the tuple at rid. Called at commit for
// mark-deleted tuples and at abort for rolled-back inserts.
func (h *TableHeap) ApplyDelete(rid primitives.RID, txn *transaction.Transaction) error {
	return h.mutatePage(rid, "ApplyDelete", func(tp tablePage) bool {
		return tp.applyDelete(rid.Slot)
	})
}

// UpdateTuple overwrites the tuple at rid in place. An image that would run
// into the next tuple's bytes on the page is rejected with an error and the
// tuple is left unchanged.
func (h *TableHeap) UpdateTuple(data []byte, rid primitives.RID, txn *transaction.Transaction) error {
	return h.mutatePage(rid, "UpdateTuple", func(tp tablePage) bool {
		return tp.updateTuple(rid.Slot, data)
	})
}
