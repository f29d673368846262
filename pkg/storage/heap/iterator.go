package heap

import (
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
)

// Iterator walks every live tuple of a table heap in physical order. It
// latches one page at a time and holds nothing between calls, so concurrent
// mutations are observed page by page.
type Iterator struct {
	heap *TableHeap
	txn  *transaction.Transaction
	pid  primitives.PageID
	slot int

	data []byte
	rid  primitives.RID
	done bool
}

// Iterate returns an iterator positioned before the first tuple; call Next
// to advance.
func (h *TableHeap) Iterate(txn *transaction.Transaction) *Iterator {
	return &Iterator{
		heap: h,
		txn:  txn,
		pid:  h.firstPageID,
		slot: -1,
	}
}

// Next advances to the next live tuple, reporting false at the end.
func (it *Iterator) Next() (bool, error) {
	if it.done {
		return false, nil
	}

	for {
		pg, err := it.heap.bpm.FetchPage(it.pid)
		if err != nil {
			it.done = true
			return false, err
		}
		pg.RLatch()
		tp := asTablePage(pg)

		for s := it.slot + 1; s < tp.slotCount(); s++ {
			raw, deleted, ok := tp.getTuple(primitives.SlotID(s))
			if !ok || deleted {
				continue
			}
			it.slot = s
			it.rid = primitives.NewRID(it.pid, primitives.SlotID(s))
			it.data = make([]byte, len(raw))
			copy(it.data, raw)
			pg.RUnlatch()
			it.heap.bpm.UnpinPage(it.pid, false)
			return true, nil
		}

		next := tp.next()
		pg.RUnlatch()
		it.heap.bpm.UnpinPage(it.pid, false)

		if next == primitives.InvalidPageID {
			it.done = true
			return false, nil
		}
		it.pid = next
		it.slot = -1
	}
}

// Tuple returns the current tuple's serialized bytes.
func (it *Iterator) Tuple() []byte { return it.data }

// RID returns the current tuple's record id.
func (it *Iterator) RID() primitives.RID { return it.rid }
