package execution

import (
	"crabdb/pkg/catalog"
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// JoinPredicate decides whether a pair of tuples joins.
type JoinPredicate func(left, right *tuple.Tuple) bool

// NestedLoopJoinExecutor joins two child executors with the classic nested
// loop: the inner child is materialized once during Init and replayed for
// every outer tuple. Output tuples concatenate left then right values.
type NestedLoopJoinExecutor struct {
	left      Executor
	right     Executor
	predicate JoinPredicate

	inner     []*tuple.Tuple
	outer     *tuple.Tuple
	outerOK   bool
	innerIdx  int
	exhausted bool
}

// NewNestedLoopJoin builds a nested loop join of left and right.
func NewNestedLoopJoin(left, right Executor, predicate JoinPredicate) *NestedLoopJoinExecutor {
	return &NestedLoopJoinExecutor{left: left, right: right, predicate: predicate}
}

// Init initializes both children and materializes the inner side.
func (e *NestedLoopJoinExecutor) Init() error {
	if err := e.left.Init(); err != nil {
		return err
	}
	if err := e.right.Init(); err != nil {
		return err
	}
	for {
		t, _, ok, err := e.right.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		e.inner = append(e.inner, t)
	}
	return nil
}

// Next produces the next joined tuple.
func (e *NestedLoopJoinExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	for {
		if e.exhausted {
			return nil, primitives.RID{}, false, nil
		}
		if !e.outerOK {
			t, _, ok, err := e.left.Next()
			if err != nil {
				return nil, primitives.RID{}, false, err
			}
			if !ok {
				e.exhausted = true
				return nil, primitives.RID{}, false, nil
			}
			e.outer = t
			e.outerOK = true
			e.innerIdx = 0
		}

		for e.innerIdx < len(e.inner) {
			right := e.inner[e.innerIdx]
			e.innerIdx++
			if e.predicate == nil || e.predicate(e.outer, right) {
				return concat(e.outer, right), primitives.RID{}, true, nil
			}
		}
		e.outerOK = false
	}
}

// NestedIndexJoinExecutor joins an outer child against an inner table by
// probing the inner table's index with a key computed from each outer tuple.
type NestedIndexJoinExecutor struct {
	ctx     *Context
	child   Executor
	table   *catalog.TableMetadata
	index   *catalog.IndexInfo
	probeFn func(*tuple.Tuple) []byte
}

// NewNestedIndexJoin builds an index join probing indexName on innerTable.
func NewNestedIndexJoin(ctx *Context, child Executor, innerTable, indexName string,
	probeFn func(*tuple.Tuple) []byte) (*NestedIndexJoinExecutor, error) {

	table, err := ctx.Catalog.GetTable(innerTable)
	if err != nil {
		return nil, err
	}
	index, err := ctx.Catalog.GetIndex(indexName, innerTable)
	if err != nil {
		return nil, err
	}
	return &NestedIndexJoinExecutor{
		ctx:     ctx,
		child:   child,
		table:   table,
		index:   index,
		probeFn: probeFn,
	}, nil
}

// Init initializes the outer child.
func (e *NestedIndexJoinExecutor) Init() error {
	return e.child.Init()
}

// Next produces the next joined tuple: outer values concatenated with the
// matching inner tuple's values.
func (e *NestedIndexJoinExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	for {
		outer, _, ok, err := e.child.Next()
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		if !ok {
			return nil, primitives.RID{}, false, nil
		}

		key := e.probeFn(outer)
		rid, found, err := e.index.Tree.GetValue(key, e.ctx.Txn)
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		if !found {
			continue
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
		inner, err := tuple.Deserialize(data, e.table.Schema)
		e.ctx.unlockAfterRead(rid, locked)
		if err != nil {
			return nil, primitives.RID{}, false, err
		}
		return concat(outer, inner), primitives.RID{}, true, nil
	}
}

func concat(left, right *tuple.Tuple) *tuple.Tuple {
	values := make([]tuple.Value, 0, len(left.Values)+len(right.Values))
	values = append(values, left.Values...)
	values = append(values, right.Values...)
	return &tuple.Tuple{Values: values}
}
