package execution

import (
	"crabdb/pkg/catalog"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/heap"
	"crabdb/pkg/tuple"
)

// Predicate filters tuples; a nil Predicate accepts everything.
type Predicate func(*tuple.Tuple) bool

// SeqScanExecutor walks a table heap front to back, locking each record for
// reading per the isolation level and applying an optional predicate.
type SeqScanExecutor struct {
	ctx       *Context
	table     *catalog.TableMetadata
	predicate Predicate
	iter      *heap.Iterator
}

// NewSeqScan builds a sequential scan over tableName.
func NewSeqScan(ctx *Context, tableName string, predicate Predicate) (*SeqScanExecutor, error) {
	table, err := ctx.Catalog.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	return &SeqScanExecutor{ctx: ctx, table: table, predicate: predicate}, nil
}

// Init positions the scan before the first tuple.
func (e *SeqScanExecutor) Init() error {
	e.iter = e.table.Heap.Iterate(e.ctx.Txn)
	return nil
}

// Next produces the next matching tuple.
func (e *SeqScanExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	for {
		ok, err := e.iter.Next()
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		if !ok {
			return nil, primitives.RID{}, false, nil
		}

		rid := e.iter.RID()
		locked, err := e.ctx.lockForRead(rid)
		if err != nil {
			return nil, primitives.RID{}, false, err
		}

		// Re-read under the lock so the bytes reflect a stable state.
		data, live, err := e.table.Heap.GetTuple(rid, e.ctx.Txn)
		if err != nil {
			e.ctx.unlockAfterRead(rid, locked)
			return nil, primitives.RID{}, false, err
		}
		if !live {
			e.ctx.unlockAfterRead(rid, locked)
			continue
		}

		t, err := tuple.Deserialize(data, e.table.Schema)
		e.ctx.unlockAfterRead(rid, locked)
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		if e.predicate != nil && !e.predicate(t) {
			continue
		}
		t.RID = rid
		return t, rid, true, nil
	}
}
