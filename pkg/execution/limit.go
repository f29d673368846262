package execution

import (
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// LimitExecutor passes through at most limit tuples from its child, after
// skipping offset.
type LimitExecutor struct {
	child   Executor
	limit   int
	offset  int
	emitted int
	skipped int
}

// NewLimit builds a limit/offset executor.
func NewLimit(child Executor, limit, offset int) *LimitExecutor {
	return &LimitExecutor{child: child, limit: limit, offset: offset}
}

// Init initializes the child.
func (e *LimitExecutor) Init() error {
	e.emitted = 0
	e.skipped = 0
	return e.child.Init()
}

// Next produces the next tuple within the window.
func (e *LimitExecutor) Next() (*tuple.Tuple, primitives.RID, bool, error) {
	for {
		if e.emitted >= e.limit {
			return nil, primitives.RID{}, false, nil
		}
		t, rid, ok, err := e.child.Next()
		if err != nil || !ok {
			return nil, primitives.RID{}, false, err
		}
		if e.skipped < e.offset {
			e.skipped++
			continue
		}
		e.emitted++
		return t, rid, true, nil
	}
}
