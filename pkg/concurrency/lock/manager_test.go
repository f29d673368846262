package lock

import (
	"testing"
	"time"

	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/errs"
	"crabdb/pkg/primitives"
)

func testRID(n int) primitives.RID {
	return primitives.NewRID(primitives.PageID(n), primitives.SlotID(0))
}

func newTestManager() (*Manager, *transaction.Registry) {
	reg := transaction.NewRegistry()
	return NewManager(reg), reg
}

func beginTxn(reg *transaction.Registry, iso transaction.IsolationLevel) *transaction.Transaction {
	txn := transaction.New(iso)
	reg.Register(txn)
	return txn
}

// waitForBlocked asserts that the channel does NOT deliver within the grace
// period, i.e. the goroutine behind it is blocked.
func waitForBlocked(t *testing.T, ch <-chan error, what string) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("%s completed while it should block (err=%v)", what, err)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForGranted(t *testing.T, ch <-chan error, what string) {
	t.Helper()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("%s failed: %v", what, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s still blocked after release", what)
	}
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockShared(t1, r); err != nil {
		t.Fatalf("t1 LockShared failed: %v", err)
	}
	if err := m.LockShared(t2, r); err != nil {
		t.Fatalf("t2 LockShared failed: %v", err)
	}
	if !t1.HoldsShared(r) || !t2.HoldsShared(r) {
		t.Fatal("shared lock ownership not recorded")
	}
}

func TestExclusiveBlocksUntilSharedRelease(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	t3 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockShared(t1, r); err != nil {
		t.Fatalf("t1 LockShared failed: %v", err)
	}
	if err := m.LockShared(t2, r); err != nil {
		t.Fatalf("t2 LockShared failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.LockExclusive(t3, r) }()
	waitForBlocked(t, done, "t3 LockExclusive")

	m.Unlock(t1, r)
	waitForBlocked(t, done, "t3 LockExclusive after one of two unlocks")

	m.Unlock(t2, r)
	waitForGranted(t, done, "t3 LockExclusive")
	if !t3.HoldsExclusive(r) {
		t.Fatal("t3 exclusive ownership not recorded")
	}
}

func TestSharedWaitsBehindPendingExclusive(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	t3 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockShared(t1, r); err != nil {
		t.Fatalf("t1 LockShared failed: %v", err)
	}

	xDone := make(chan error, 1)
	go func() { xDone <- m.LockExclusive(t2, r) }()
	waitForBlocked(t, xDone, "t2 LockExclusive")

	// A later shared request must not jump the pending exclusive one.
	sDone := make(chan error, 1)
	go func() { sDone <- m.LockShared(t3, r) }()
	waitForBlocked(t, sDone, "t3 LockShared behind pending X")

	m.Unlock(t1, r)
	waitForGranted(t, xDone, "t2 LockExclusive")
	waitForBlocked(t, sDone, "t3 LockShared while t2 holds X")

	m.Unlock(t2, r)
	waitForGranted(t, sDone, "t3 LockShared")
}

func TestUpgradeWaitsForOtherSharedHolders(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockShared(t1, r); err != nil {
		t.Fatalf("t1 LockShared failed: %v", err)
	}
	if err := m.LockShared(t2, r); err != nil {
		t.Fatalf("t2 LockShared failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.LockUpgrade(t1, r) }()
	waitForBlocked(t, done, "t1 LockUpgrade")

	m.Unlock(t2, r)
	waitForGranted(t, done, "t1 LockUpgrade")

	if !t1.HoldsExclusive(r) || t1.HoldsShared(r) {
		t.Fatal("upgrade did not convert S to X")
	}
}

func TestUpgradeConflictWhenAnotherUpgradePending(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockShared(t1, r); err != nil {
		t.Fatalf("t1 LockShared failed: %v", err)
	}
	if err := m.LockShared(t2, r); err != nil {
		t.Fatalf("t2 LockShared failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.LockUpgrade(t1, r) }()
	waitForBlocked(t, done, "t1 LockUpgrade")

	err := m.LockUpgrade(t2, r)
	if !errs.HasCode(err, errs.CodeUpgradeConflict) {
		t.Fatalf("second upgrade got %v, want UPGRADE_CONFLICT", err)
	}
	if !t2.IsAborted() {
		t.Fatal("conflicting upgrader was not aborted")
	}

	// The aborted upgrader's unwind releases its shared lock, letting the
	// first upgrade through.
	m.ReleaseAll(t2)
	waitForGranted(t, done, "t1 LockUpgrade")
}

func TestUpgradeWithoutSharedLockRejected(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	err := m.LockUpgrade(t1, r)
	if !errs.HasCode(err, errs.CodeUpgradeConflict) {
		t.Fatalf("upgrade without S lock got %v, want UPGRADE_CONFLICT", err)
	}
	if !t1.IsAborted() {
		t.Fatal("transaction not aborted")
	}
}

func TestSharedOnReadUncommittedAborts(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.ReadUncommitted)
	r := testRID(1)

	err := m.LockShared(t1, r)
	if !errs.HasCode(err, errs.CodeSharedOnReadUncommitted) {
		t.Fatalf("got %v, want LOCKSHARED_ON_READ_UNCOMMITTED", err)
	}
	if !t1.IsAborted() {
		t.Fatal("transaction not aborted")
	}
}

func TestLockOnShrinkingAborts(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	r1, r2 := testRID(1), testRID(2)

	if err := m.LockShared(t1, r1); err != nil {
		t.Fatalf("LockShared failed: %v", err)
	}
	m.Unlock(t1, r1)
	if t1.State() != transaction.Shrinking {
		t.Fatalf("state after unlock = %v, want SHRINKING", t1.State())
	}

	err := m.LockShared(t1, r2)
	if !errs.HasCode(err, errs.CodeLockOnShrinking) {
		t.Fatalf("got %v, want LOCK_ON_SHRINKING", err)
	}
	if !t1.IsAborted() {
		t.Fatal("transaction not aborted")
	}
}

func TestReadCommittedSharedUnlockStaysGrowing(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.ReadCommitted)
	r1, r2 := testRID(1), testRID(2)

	if err := m.LockShared(t1, r1); err != nil {
		t.Fatalf("LockShared failed: %v", err)
	}
	m.Unlock(t1, r1)
	if t1.State() != transaction.Growing {
		t.Fatalf("READ_COMMITTED state after S unlock = %v, want GROWING", t1.State())
	}

	// A later lock request is still legal.
	if err := m.LockShared(t1, r2); err != nil {
		t.Fatalf("re-acquire after S release failed: %v", err)
	}

	// An X unlock still moves to SHRINKING.
	r3 := testRID(3)
	if err := m.LockExclusive(t1, r3); err != nil {
		t.Fatalf("LockExclusive failed: %v", err)
	}
	m.Unlock(t1, r3)
	if t1.State() != transaction.Shrinking {
		t.Fatalf("state after X unlock = %v, want SHRINKING", t1.State())
	}
}

func TestReentrantLockRequests(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockExclusive(t1, r); err != nil {
		t.Fatalf("LockExclusive failed: %v", err)
	}
	// Both modes are satisfied by a held X lock.
	if err := m.LockExclusive(t1, r); err != nil {
		t.Fatalf("re-entrant X failed: %v", err)
	}
	if err := m.LockShared(t1, r); err != nil {
		t.Fatalf("S under held X failed: %v", err)
	}
}

func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	m, reg := newTestManager()
	m.SetDetectionInterval(10 * time.Millisecond)
	m.StartDetection()
	defer m.StopDetection()

	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	r1, r2 := testRID(1), testRID(2)

	if err := m.LockExclusive(t1, r1); err != nil {
		t.Fatalf("t1 X(r1) failed: %v", err)
	}
	if err := m.LockExclusive(t2, r2); err != nil {
		t.Fatalf("t2 X(r2) failed: %v", err)
	}

	t1Done := make(chan error, 1)
	t2Done := make(chan error, 1)
	go func() { t1Done <- m.LockExclusive(t1, r2) }()
	// Give t1's request time to enqueue so the cycle is t1 -> t2 -> t1.
	time.Sleep(20 * time.Millisecond)
	go func() { t2Done <- m.LockExclusive(t2, r1) }()

	// The detector must abort the youngest transaction (t2).
	select {
	case err := <-t2Done:
		if !errs.HasCode(err, errs.CodeDeadlock) {
			t.Fatalf("t2 got %v, want DEADLOCK", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock not detected within 2s")
	}
	if !t2.IsAborted() {
		t.Fatal("victim not marked aborted")
	}
	if t1.IsAborted() {
		t.Fatal("older transaction was aborted instead of the youngest")
	}

	// Unwinding the victim releases r2 and unblocks t1.
	m.ReleaseAll(t2)
	waitForGranted(t, t1Done, "t1 X(r2) after victim release")
}

func TestNoFalseDeadlock(t *testing.T) {
	m, reg := newTestManager()
	m.SetDetectionInterval(10 * time.Millisecond)
	m.StartDetection()
	defer m.StopDetection()

	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	r := testRID(1)

	if err := m.LockExclusive(t1, r); err != nil {
		t.Fatalf("t1 X failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.LockExclusive(t2, r) }()

	// A plain waits-for chain with no cycle must survive several detection
	// rounds.
	time.Sleep(100 * time.Millisecond)
	if t1.IsAborted() || t2.IsAborted() {
		t.Fatal("detector aborted a transaction without a cycle")
	}

	m.Unlock(t1, r)
	waitForGranted(t, done, "t2 LockExclusive")
}

func TestReleaseAllWakesWaiters(t *testing.T) {
	m, reg := newTestManager()
	t1 := beginTxn(reg, transaction.RepeatableRead)
	t2 := beginTxn(reg, transaction.RepeatableRead)
	r1, r2 := testRID(1), testRID(2)

	if err := m.LockExclusive(t1, r1); err != nil {
		t.Fatalf("t1 X(r1) failed: %v", err)
	}
	if err := m.LockExclusive(t1, r2); err != nil {
		t.Fatalf("t1 X(r2) failed: %v", err)
	}

	d1 := make(chan error, 1)
	d2 := make(chan error, 1)
	go func() { d1 <- m.LockExclusive(t2, r1) }()
	go func() { d2 <- m.LockShared(t2, r2) }()
	waitForBlocked(t, d1, "t2 X(r1)")
	waitForBlocked(t, d2, "t2 S(r2)")

	m.ReleaseAll(t1)
	waitForGranted(t, d1, "t2 X(r1)")
	waitForGranted(t, d2, "t2 S(r2)")

	if m.HoldsLock(r1) != true || m.HoldsLock(r2) != true {
		t.Fatal("t2's granted locks not visible")
	}
}
