// Package execution provides the pull-based executors. Every executor
// exposes Init and Next; Next materializes one output tuple at a time.
// Executors are where the two core subsystems meet: scans take shared record
// locks according to the transaction's isolation level, mutators take
// exclusive locks and maintain every index registered for the table.
package execution

import (
	"crabdb/pkg/buffer"
	"crabdb/pkg/catalog"
	"crabdb/pkg/concurrency/lock"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/primitives"
	"crabdb/pkg/tuple"
)

// Executor is the iterator contract: Init prepares the executor, Next
// produces the next tuple (ok == false at the end).
type Executor interface {
	Init() error
	Next() (t *tuple.Tuple, rid primitives.RID, ok bool, err error)
}

// Context carries everything an executor needs for one query.
type Context struct {
	Txn     *transaction.Transaction
	Catalog *catalog.Catalog
	Locks   *lock.Manager
	Pool    *buffer.Pool
}

// NewContext bundles an executor context.
func NewContext(txn *transaction.Transaction, cat *catalog.Catalog, locks *lock.Manager, pool *buffer.Pool) *Context {
	return &Context{Txn: txn, Catalog: cat, Locks: locks, Pool: pool}
}

// lockForRead takes the shared lock a read requires under the transaction's
// isolation level. It reports whether a lock was taken (READ_UNCOMMITTED
// takes none). Under READ_COMMITTED the caller releases the lock again right
// after the read via unlockAfterRead.
func (ctx *Context) lockForRead(rid primitives.RID) (bool, error) {
	txn := ctx.Txn
	if txn.Isolation() == transaction.ReadUncommitted {
		return false, nil
	}
	if txn.HoldsShared(rid) || txn.HoldsExclusive(rid) {
		return false, nil
	}
	if err := ctx.Locks.LockShared(txn, rid); err != nil {
		return false, err
	}
	return true, nil
}

// unlockAfterRead releases a read lock taken by lockForRead when the
// isolation level permits early release.
func (ctx *Context) unlockAfterRead(rid primitives.RID, locked bool) {
	if locked && ctx.Txn.Isolation() == transaction.ReadCommitted {
		ctx.Locks.Unlock(ctx.Txn, rid)
	}
}

// lockForWrite takes an exclusive lock on rid, upgrading a held shared lock.
func (ctx *Context) lockForWrite(rid primitives.RID) error {
	txn := ctx.Txn
	if txn.HoldsExclusive(rid) {
		return nil
	}
	if txn.HoldsShared(rid) {
		return ctx.Locks.LockUpgrade(txn, rid)
	}
	return ctx.Locks.LockExclusive(txn, rid)
}
