package execution

import (
	"crabdb/pkg/catalog"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// DeleteExecutor consumes a child executor and mark-deletes every produced
// tuple under an exclusive lock, logging write records and removing index
// entries. The deletions become permanent at commit and are rolled back on
// abort.
type DeleteExecutor struct {
	ctx   *Context
	table *catalog.TableMetadata
	child Executor
	done  bool
}

// NewDelete builds a delete fed by a child executor over tableName.
func NewDelete(ctx *Context, tableName string, child Executor) (*DeleteExecutor, error) {
	table, err := ctx.Catalog.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	return &DeleteExecutor{ctx: ctx, table: table, child: child}, nil
}

// Init initializes the child.
func (e *DeleteExecutor) Init() error {
	return e.child.Init()
}

// Next deletes every input tuple, then reports exhaustion.
func (e *DeleteExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	if e.done {
		return nil, primitives.RID{}, false, nil
	}
	e.done = true

	for {
		t, rid, ok, err := e.child.Next()
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		if !ok {
			return nil, primitives.RID{}, false, nil
		}
		if err := e.deleteOne(t, rid); err != nil {
			return nil, primitives.RID{}, false, err
		}
	}
}

func (e *DeleteExecutor) deleteOne(t *tuple.Tuple, rid primitives.RID) error {
	if err := e.ctx.lockForWrite(rid); err != nil {
		return err
	}

	e.ctx.Txn.AppendTableWrite(transaction.TableWriteRecord{
		Type: transaction.WDelete,
		RID:  rid,
		Heap: e.table.Heap,
	})
	if err := e.table.Heap.MarkDelete(rid, e.ctx.Txn); err != nil {
		return err
	}

	for _, idx := range e.ctx.Catalog.GetTableIndexes(e.table.Name) {
		key := catalog.EncodeKey(t, idx.KeyAttrs, idx.KeySize)
		if err := idx.Tree.Remove(key, e.ctx.Txn); err != nil {
			return err
		}
		e.ctx.Txn.AppendIndexWrite(transaction.IndexWriteRecord{
			Type:  transaction.WDelete,
			Key:   key,
			RID:   rid,
			Index: idx.Tree,
		})
	}
	return nil
}
