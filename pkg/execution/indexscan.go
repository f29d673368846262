package execution

import (
	"bytes"

	"crabdb/pkg/catalog"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/index/btree"
	"crabdb/pkg/tuple"
)

// IndexScanExecutor walks an index in key order over [startKey, endKey],
// fetching each matching tuple from the table heap under a read lock. Nil
// bounds are open.
type IndexScanExecutor struct {
	ctx      *Context
	table    *catalog.TableMetadata
	index    *catalog.IndexInfo
	startKey []byte
	endKey   []byte

	iter *btree.Iterator
}

// NewIndexScan builds an index scan over the named index.
func NewIndexScan(ctx *Context, indexName, tableName string, startKey, endKey []byte) (*IndexScanExecutor, error) {
	table, err := ctx.Catalog.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	index, err := ctx.Catalog.GetIndex(indexName, tableName)
	if err != nil {
		return nil, err
	}
	return &IndexScanExecutor{
		ctx:      ctx,
		table:    table,
		index:    index,
		startKey: startKey,
		endKey:   endKey,
	}, nil
}

// Init positions the iterator at the start bound.
func (e *IndexScanExecutor) Init() error {
	var err error
	if e.startKey != nil {
		e.iter, err = e.index.Tree.BeginAt(e.startKey)
	} else {
		e.iter, err = e.index.Tree.Begin()
	}
	return err
}

// Next produces the next tuple within the key bounds.
func (e *IndexScanExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	for {
		if e.iter.IsEnd() {
			return nil, primitives.RID{}, false, nil
		}

		key := e.iter.Key()
		if e.endKey != nil && bytes.Compare(key, e.endKey) > 0 {
			e.iter.Close()
			return nil, primitives.RID{}, false, nil
		}
		rid := e.iter.RID()
		if err := e.iter.Next(); err != nil {
			return nil, primitives.RID{}, false, err
		}

		locked, err := e.ctx.lockForRead(rid)
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
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
		t.RID = rid
		return t, rid, true, nil
	}
}

// Close releases the underlying index iterator.
func (e *IndexScanExecutor) Close() {
	if e.iter != nil {
		e.iter.Close()
	}
}
