package execution

import (
	"crabdb/pkg/catalog"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// InsertExecutor appends tuples to a table, takes exclusive locks on the new
// records, logs write records for rollback, and maintains every index
// registered for the table. It consumes either a fixed batch of raw tuples
// or a child executor.
type InsertExecutor struct {
	ctx    *Context
	table  *catalog.TableMetadata
	rows   []*tuple.Tuple
	child  Executor
	cursor int
	done   bool
}

// NewInsertRaw builds an insert of the given tuples.
func NewInsertRaw(ctx *Context, tableName string, rows []*tuple.Tuple) (*InsertExecutor, error) {
	table, err := ctx.Catalog.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	return &InsertExecutor{ctx: ctx, table: table, rows: rows}, nil
}

// NewInsertFromChild builds an insert fed by a child executor.
func NewInsertFromChild(ctx *Context, tableName string, child Executor) (*InsertExecutor, error) {
	table, err := ctx.Catalog.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	return &InsertExecutor{ctx: ctx, table: table, child: child}, nil
}

// Init initializes the child, if any.
func (e *InsertExecutor) Init() error {
	if e.child != nil {
		return e.child.Init()
	}
	return nil
}

// Next inserts every input tuple, then reports exhaustion. Insert produces
// no output rows.
func (e *InsertExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	if e.done {
		return nil, primitives.RID{}, false, nil
	}
	e.done = true

	for {
		t, err := e.nextInput()
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		if t == nil {
			return nil, primitives.RID{}, false, nil
		}
		if err := e.insertOne(t); err != nil {
			return nil, primitives.RID{}, false, err
		}
	}
}

func (e *InsertExecutor) nextInput() (*tuple.Tuple, error) {
	if e.child != nil {
		t, _, ok, err := e.child.Next()
		if err != nil || !ok {
			return nil, err
		}
		return t, nil
	}
	if e.cursor >= len(e.rows) {
		return nil, nil
	}
	t := e.rows[e.cursor]
	e.cursor++
	return t, nil
}

func (e *InsertExecutor) insertOne(t *tuple.Tuple) error {
	data, err := t.Serialize(e.table.Schema)
	if err != nil {
		return err
	}

	rid, err := e.table.Heap.InsertTuple(data, e.ctx.Txn)
	if err != nil {
		return err
	}

	// The record did not exist before this transaction, so the exclusive
	// lock is granted without contention; it still must be held so readers
	// at stronger isolation levels block until commit.
	if err := e.ctx.lockForWrite(rid); err != nil {
		return err
	}

	e.ctx.Txn.AppendTableWrite(transaction.TableWriteRecord{
		Type: transaction.WInsert,
		RID:  rid,
		Heap: e.table.Heap,
	})

	for _, idx := range e.ctx.Catalog.GetTableIndexes(e.table.Name) {
		key := catalog.EncodeKey(t, idx.KeyAttrs, idx.KeySize)
		if _, err := idx.Tree.Insert(key, rid, e.ctx.Txn); err != nil {
			return err
		}
		e.ctx.Txn.AppendIndexWrite(transaction.IndexWriteRecord{
			Type:  transaction.WInsert,
			Key:   key,
			RID:   rid,
			Index: idx.Tree,
		})
	}
	return nil
}
