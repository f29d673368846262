// Package lock implements record-level Two-Phase Locking for the
// concurrency control layer.
//
// # Overview
//
// Each RID maps to a FIFO request queue. Two lock modes are supported:
//
//   - [Shared]    — required to read a record; compatible with other shared locks.
//   - [Exclusive] — required to write a record; incompatible with all other locks.
//
// A transaction holding a shared lock may upgrade it with
// [Manager.LockUpgrade], provided it is the sole holder and no other upgrade
// is pending on the queue. Downgrading is never permitted.
//
// # Granting
//
// A new request is granted immediately iff the queue is empty, or the request
// is shared, no exclusive lock is held, and no exclusive request sits ahead
// of it. Otherwise the caller blocks on the queue's condition variable. On
// every release the queue is re-evaluated from the head: consecutive shared
// requests are granted up to the first pending exclusive one; a lone
// exclusive request is granted only when no lock is held.
//
// # Isolation levels
//
//   - READ_UNCOMMITTED never takes shared locks; requesting one aborts the
//     transaction.
//   - READ_COMMITTED may release shared locks between reads without leaving
//     the growing phase.
//   - REPEATABLE_READ holds every lock until commit or abort; the first
//     unlock moves the transaction to the shrinking phase, and any lock
//     request made while shrinking aborts it.
//
// # Deadlock detection
//
// A single background goroutine wakes every ~50ms, snapshots the wait state
// under the manager's mutex, and builds the waits-for graph: every
// not-yet-granted waiter has an edge to every granted holder of the same
// queue. DFS runs from each node in ascending transaction-id order with
// sorted child lists, so detection is deterministic. The youngest
// (highest-id) transaction on each cycle is marked aborted and its waiting
// requests are removed; blocked callers observe the aborted flag on wake and
// return an error so the caller can unwind through the transaction manager.
package lock
