// Package transaction holds per-transaction record keeping: lifecycle state,
// isolation level, lock ownership sets, write records for rollback, and the
// scratch state the B+ tree crabbing protocol parks on the transaction (the
// held-latch queue and the deferred deleted-page set).
package transaction

import (
	"fmt"
	"sync/atomic"

	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/page"
)

// State is the transaction lifecycle state under two-phase locking.
type State int32

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// IsolationLevel selects the locking discipline for reads.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	default:
		return "REPEATABLE_READ"
	}
}

// WriteType tags a write record.
type WriteType int

const (
	WInsert WriteType = iota
	WDelete
	WUpdate
)

// HeapFile is the slice of the table heap the rollback path needs. Satisfied
// by heap.TableHeap. Tuples cross this boundary as serialized bytes; the
// executors own the schema.
type HeapFile interface {
	ApplyDelete(rid primitives.RID, txn *Transaction) error
	RollbackDelete(rid primitives.RID, txn *Transaction) error
	UpdateTuple(data []byte, rid primitives.RID, txn *Transaction) error
}

// RollbackIndex is the slice of an index the rollback path needs. Satisfied
// by btree.BPlusTree.
type RollbackIndex interface {
	Insert(key []byte, rid primitives.RID, txn *Transaction) (bool, error)
	Remove(key []byte, txn *Transaction) error
}

// TableWriteRecord captures one table-heap mutation for rollback.
type TableWriteRecord struct {
	Type    WriteType
	RID     primitives.RID
	OldData []byte // serialized before image; set for UPDATE
	Heap    HeapFile
}

// IndexWriteRecord captures one index mutation for rollback.
type IndexWriteRecord struct {
	Type  WriteType // WInsert or WDelete
	Key   []byte
	RID   primitives.RID
	Index RollbackIndex
}

// Transaction is the per-transaction record-keeping object. It performs no
// locking itself; the lock manager mutates the lock sets under its own mutex,
// and the state field is atomic so the deadlock detector can abort a
// transaction that is blocked in another goroutine.
type Transaction struct {
	id        int64
	state     atomic.Int32
	isolation IsolationLevel

	// Lock ownership, guarded by the lock manager's mutex.
	sharedLocks    map[primitives.RID]struct{}
	exclusiveLocks map[primitives.RID]struct{}

	// Rollback logs, owned by the transaction's goroutine.
	tableWrites []TableWriteRecord
	indexWrites []IndexWriteRecord

	// Crabbing scratch state, owned by the in-flight tree operation.
	latchQueue   []*page.Page
	deletedPages []primitives.PageID
}

var txnCounter atomic.Int64

// New creates a transaction in the GROWING state. Ids are strictly
// increasing, so a higher id always means a younger transaction.
func New(isolation IsolationLevel) *Transaction {
	t := &Transaction{
		id:             txnCounter.Add(1),
		isolation:      isolation,
		sharedLocks:    make(map[primitives.RID]struct{}),
		exclusiveLocks: make(map[primitives.RID]struct{}),
	}
	t.state.Store(int32(Growing))
	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() int64 { return t.id }

// Isolation returns the isolation level.
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return State(t.state.Load()) }

// SetState transitions the lifecycle state.
func (t *Transaction) SetState(s State) { t.state.Store(int32(s)) }

// IsAborted reports whether the transaction has been aborted, by itself or by
// the deadlock detector.
func (t *Transaction) IsAborted() bool { return t.State() == Aborted }

// Lock ownership. Callers hold the lock manager's mutex.

// HoldsShared reports S-lock ownership of rid.
func (t *Transaction) HoldsShared(rid primitives.RID) bool {
	_, ok := t.sharedLocks[rid]
	return ok
}

// HoldsExclusive reports X-lock ownership of rid.
func (t *Transaction) HoldsExclusive(rid primitives.RID) bool {
	_, ok := t.exclusiveLocks[rid]
	return ok
}

// AddShared records S-lock ownership of rid.
func (t *Transaction) AddShared(rid primitives.RID) { t.sharedLocks[rid] = struct{}{} }

// AddExclusive records X-lock ownership of rid.
func (t *Transaction) AddExclusive(rid primitives.RID) { t.exclusiveLocks[rid] = struct{}{} }

// RemoveShared drops S-lock ownership of rid.
func (t *Transaction) RemoveShared(rid primitives.RID) { delete(t.sharedLocks, rid) }

// RemoveExclusive drops X-lock ownership of rid.
func (t *Transaction) RemoveExclusive(rid primitives.RID) { delete(t.exclusiveLocks, rid) }

// LockedRIDs returns every RID the transaction holds a lock on.
func (t *Transaction) LockedRIDs() []primitives.RID {
	rids := make([]primitives.RID, 0, len(t.sharedLocks)+len(t.exclusiveLocks))
	for rid := range t.sharedLocks {
		rids = append(rids, rid)
	}
	for rid := range t.exclusiveLocks {
		rids = append(rids, rid)
	}
	return rids
}

// Write records.

// AppendTableWrite logs a table mutation for rollback.
func (t *Transaction) AppendTableWrite(r TableWriteRecord) {
	t.tableWrites = append(t.tableWrites, r)
}

// AppendIndexWrite logs an index mutation for rollback.
func (t *Transaction) AppendIndexWrite(r IndexWriteRecord) {
	t.indexWrites = append(t.indexWrites, r)
}

// TableWrites exposes the table write log, oldest first.
func (t *Transaction) TableWrites() []TableWriteRecord { return t.tableWrites }

// IndexWrites exposes the index write log, oldest first.
func (t *Transaction) IndexWrites() []IndexWriteRecord { return t.indexWrites }

// ClearWrites empties both write logs. Called at commit and after rollback.
func (t *Transaction) ClearWrites() {
	t.tableWrites = nil
	t.indexWrites = nil
}

// Crabbing scratch state.

// PushLatchedPage appends a write-latched page to the held-latch queue.
func (t *Transaction) PushLatchedPage(p *page.Page) {
	t.latchQueue = append(t.latchQueue, p)
}

// TakeLatchedPages hands over the held-latch queue in FIFO order and empties
// it.
func (t *Transaction) TakeLatchedPages() []*page.Page {
	q := t.latchQueue
	t.latchQueue = nil
	return q
}

// AddDeletedPage defers deletion of a page until the operation's latches are
// released.
func (t *Transaction) AddDeletedPage(pid primitives.PageID) {
	t.deletedPages = append(t.deletedPages, pid)
}

// TakeDeletedPages hands over the deferred deleted-page set and empties it.
func (t *Transaction) TakeDeletedPages() []primitives.PageID {
	d := t.deletedPages
	t.deletedPages = nil
	return d
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn-%d[%s,%s]", t.id, t.State(), t.isolation)
}
