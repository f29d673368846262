package execution

import (
	"crabdb/pkg/catalog"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// UpdateFn maps an input tuple to its updated image.
type UpdateFn func(*tuple.Tuple) *tuple.Tuple

// UpdateExecutor consumes a child executor and overwrites every produced
// tuple in place under an exclusive lock. The before image is logged for
// rollback and every index is re-keyed.
type UpdateExecutor struct {
	ctx    *Context
	table  *catalog.TableMetadata
	child  Executor
	update UpdateFn
	done   bool
}

// NewUpdate builds an update fed by a child executor over tableName.
func NewUpdate(ctx *Context, tableName string, child Executor, update UpdateFn) (*UpdateExecutor, error) {
	table, err := ctx.Catalog.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	return &UpdateExecutor{ctx: ctx, table: table, child: child, update: update}, nil
}

// Init initializes the child.
func (e *UpdateExecutor) Init() error {
	return e.child.Init()
}

// Next updates every input tuple, then reports exhaustion.
func (e *UpdateExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
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
		if err := e.updateOne(t, rid); err != nil {
			return nil, primitives.RID{}, false, err
		}
	}
}

func (e *UpdateExecutor) updateOne(old *tuple.Tuple, rid primitives.RID) error {
	if err := e.ctx.lockForWrite(rid); err != nil {
		return err
	}

	oldData, err := old.Serialize(e.table.Schema)
	if err != nil {
		return err
	}
	updated := e.update(old)
	newData, err := updated.Serialize(e.table.Schema)
	if err != nil {
		return err
	}

	e.ctx.Txn.AppendTableWrite(transaction.TableWriteRecord{
		Type:    transaction.WUpdate,
		RID:     rid,
		OldData: oldData,
		Heap:    e.table.Heap,
	})
	if err := e.table.Heap.UpdateTuple(newData, rid, e.ctx.Txn); err != nil {
		return err
	}

	for _, idx := range e.ctx.Catalog.GetTableIndexes(e.table.Name) {
		oldKey := catalog.EncodeKey(old, idx.KeyAttrs, idx.KeySize)
		newKey := catalog.EncodeKey(updated, idx.KeyAttrs, idx.KeySize)
		if string(oldKey) == string(newKey) {
			continue
		}
		if err := idx.Tree.Remove(oldKey, e.ctx.Txn); err != nil {
			return err
		}
		e.ctx.Txn.AppendIndexWrite(transaction.IndexWriteRecord{
			Type:  transaction.WDelete,
			Key:   oldKey,
			RID:   rid,
			Index: idx.Tree,
		})
		if _, err := idx.Tree.Insert(newKey, rid, e.ctx.Txn); err != nil {
			return err
		}
		e.ctx.Txn.AppendIndexWrite(transaction.IndexWriteRecord{
			Type:  transaction.WInsert,
			Key:   newKey,
			RID:   rid,
			Index: idx.Tree,
		})
	}
	return nil
}
