package lock

import (
	"log/slog"
	"sync"
	"time"

	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/errs"
	"crabdb/pkg/logging"
	"crabdb/pkg/primitives"
)

// DefaultDetectionInterval is the cadence of the background deadlock
// detector.
const DefaultDetectionInterval = 50 * time.Millisecond

// Manager is the process-wide record lock service: shared/exclusive locks
// over RIDs under strict two-phase locking, S->X upgrade, and a background
// waits-for cycle detector that aborts the youngest transaction of any
// cycle.
//
// One global mutex guards the lock table; every queue's condition variable is
// built on it. Waiters re-check both the grant predicate and their
// transaction's aborted flag on each wake.
type Manager struct {
	mu       sync.Mutex
	table    map[primitives.RID]*requestQueue
	registry *transaction.Registry

	interval time.Duration
	stopCh   chan struct{}
	stopWG   sync.WaitGroup
	running  bool

	log *slog.Logger
}

// NewManager creates a lock manager resolving victim transactions through
// registry. Call StartDetection to run the deadlock detector.
func NewManager(registry *transaction.Registry) *Manager {
	return &Manager{
		table:    make(map[primitives.RID]*requestQueue),
		registry: registry,
		interval: DefaultDetectionInterval,
		log:      logging.For("LockManager"),
	}
}

// abortWith marks the transaction aborted and returns the reason.
func (m *Manager) abortWith(txn *transaction.Transaction, code errs.Code, op string) error {
	txn.SetState(transaction.Aborted)
	return errs.Newf(errs.CategoryConcurrency, code,
		"transaction %d aborted", txn.ID()).WithOp(op, "LockManager")
}

// checkPreconditions enforces the 2PL state machine for a new lock request.
func (m *Manager) checkPreconditions(txn *transaction.Transaction, mode Mode, op string) error {
	if txn.IsAborted() {
		return errs.Newf(errs.CategoryConcurrency, errs.CodeDeadlock,
			"transaction %d is already aborted", txn.ID()).WithOp(op, "LockManager")
	}
	if mode == Shared && txn.Isolation() == transaction.ReadUncommitted {
		return m.abortWith(txn, errs.CodeSharedOnReadUncommitted, op)
	}
	if txn.State() == transaction.Shrinking {
		return m.abortWith(txn, errs.CodeLockOnShrinking, op)
	}
	return nil
}

func (m *Manager) queueFor(rid primitives.RID) *requestQueue {
	q, ok := m.table[rid]
	if !ok {
		q = newRequestQueue(&m.mu)
		m.table[rid] = q
	}
	return q
}

// LockShared acquires an S lock on rid for txn, blocking until granted. A
// nil return means the lock is held; a non-nil return means the transaction
// has been aborted and must be unwound by the caller.
func (m *Manager) LockShared(txn *transaction.Transaction, rid primitives.RID) error {
	return m.lock(txn, rid, Shared)
}

// LockExclusive acquires an X lock on rid for txn, blocking until granted.
func (m *Manager) LockExclusive(txn *transaction.Transaction, rid primitives.RID) error {
	return m.lock(txn, rid, Exclusive)
}

func (m *Manager) lock(txn *transaction.Transaction, rid primitives.RID, mode Mode) error {
	op := "LockShared"
	if mode == Exclusive {
		op = "LockExclusive"
	}
	if err := m.checkPreconditions(txn, mode, op); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-entrant requests are no-ops.
	if txn.HoldsExclusive(rid) || (mode == Shared && txn.HoldsShared(rid)) {
		return nil
	}

	q := m.queueFor(rid)
	req := &request{txnID: txn.ID(), mode: mode}
	q.requests = append(q.requests, req)

	for !q.canGrant(req) {
		q.cond.Wait()
		if txn.IsAborted() {
			q.remove(req)
			q.cond.Broadcast()
			return errs.Newf(errs.CategoryConcurrency, errs.CodeDeadlock,
				"transaction %d aborted while waiting for %s on %s",
				txn.ID(), mode, rid).WithOp(op, "LockManager")
		}
	}

	q.grant(req)
	if mode == Exclusive {
		txn.AddExclusive(rid)
	} else {
		txn.AddShared(rid)
	}
	return nil
}

// LockUpgrade converts txn's S lock on rid into an X lock. The caller must
// already hold the S lock; only one upgrade may be pending per queue.
func (m *Manager) LockUpgrade(txn *transaction.Transaction, rid primitives.RID) error {
	if txn.IsAborted() {
		return errs.Newf(errs.CategoryConcurrency, errs.CodeDeadlock,
			"transaction %d is already aborted", txn.ID()).WithOp("LockUpgrade", "LockManager")
	}
	if txn.State() == transaction.Shrinking {
		return m.abortWith(txn, errs.CodeLockOnShrinking, "LockUpgrade")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.HoldsExclusive(rid) {
		return nil
	}
	if !txn.HoldsShared(rid) {
		return m.abortWith(txn, errs.CodeUpgradeConflict, "LockUpgrade")
	}

	q := m.queueFor(rid)
	if q.upgrading {
		return m.abortWith(txn, errs.CodeUpgradeConflict, "LockUpgrade")
	}
	q.upgrading = true
	q.upgradingTxn = txn.ID()

	// Wait until the caller is the sole holder. Since the caller holds one
	// of the shared locks, sharedCount == 1 identifies it.
	for !(q.sharedCount == 1 && !q.writing) {
		q.cond.Wait()
		if txn.IsAborted() {
			q.upgrading = false
			q.upgradingTxn = 0
			q.cond.Broadcast()
			return errs.Newf(errs.CategoryConcurrency, errs.CodeDeadlock,
				"transaction %d aborted while upgrading on %s",
				txn.ID(), rid).WithOp("LockUpgrade", "LockManager")
		}
	}

	req := q.findGranted(txn.ID())
	req.mode = Exclusive
	q.sharedCount--
	q.writing = true
	q.upgrading = false
	q.upgradingTxn = 0
	txn.RemoveShared(rid)
	txn.AddExclusive(rid)
	return nil
}

// Unlock releases txn's lock on rid and transitions the transaction to
// SHRINKING, except for S releases under READ_COMMITTED.
func (m *Manager) Unlock(txn *transaction.Transaction, rid primitives.RID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(txn, rid, true)
}

// ReleaseAll drops every lock held by txn without a phase transition. Called
// by the transaction manager at commit and abort.
func (m *Manager) ReleaseAll(txn *transaction.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rid := range txn.LockedRIDs() {
		m.release(txn, rid, false)
	}
}

// release is the shared unlock path. Caller holds m.mu.
func (m *Manager) release(txn *transaction.Transaction, rid primitives.RID, transition bool) bool {
	q, ok := m.table[rid]
	if !ok {
		return false
	}
	req := q.findGranted(txn.ID())
	if req == nil {
		return false
	}

	q.remove(req)

	if req.mode == Exclusive {
		txn.RemoveExclusive(rid)
	} else {
		txn.RemoveShared(rid)
	}

	if transition && txn.State() == transaction.Growing {
		readCommittedShared := req.mode == Shared &&
			txn.Isolation() == transaction.ReadCommitted
		if !readCommittedShared {
			txn.SetState(transaction.Shrinking)
		}
	}

	if q.empty() {
		delete(m.table, rid)
	} else {
		q.cond.Broadcast()
	}
	return true
}

// HoldsLock reports whether any transaction holds a lock on rid. Test hook.
func (m *Manager) HoldsLock(rid primitives.RID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.table[rid]
	return ok && (q.sharedCount > 0 || q.writing)
}
