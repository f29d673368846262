package lock

import (
	"sort"
	"time"

	"crabdb/pkg/concurrency/transaction"
)

// StartDetection launches the background deadlock detector. Exactly one
// detector goroutine runs per manager.
func (m *Manager) StartDetection() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.stopWG.Add(1)
	go func() {
		defer m.stopWG.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runDetection()
			}
		}
	}()
}

// StopDetection stops the detector goroutine and waits for it to exit.
func (m *Manager) StopDetection() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.stopWG.Wait()
}

// SetDetectionInterval overrides the detection cadence. Call before
// StartDetection.
func (m *Manager) SetDetectionInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// runDetection snapshots the wait state under the global mutex, then
// repeatedly finds a cycle in the waits-for graph and aborts its youngest
// transaction until the graph is acyclic.
func (m *Manager) runDetection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		waitsFor := m.buildWaitsFor()
		cycle, ok := findCycle(waitsFor)
		if !ok {
			return
		}

		victim := cycle[0]
		for _, id := range cycle {
			if id > victim {
				victim = id
			}
		}
		m.abortVictim(victim)
	}
}

// buildWaitsFor derives the waits-for graph from the lock table: every
// not-yet-granted waiter has an edge to every currently granted holder of
// the same queue. Caller holds m.mu.
func (m *Manager) buildWaitsFor() map[int64][]int64 {
	waitsFor := make(map[int64][]int64)
	for _, q := range m.table {
		for _, waiter := range q.requests {
			if waiter.granted {
				continue
			}
			for _, holder := range q.requests {
				if holder.granted && holder.txnID != waiter.txnID {
					waitsFor[waiter.txnID] = append(waitsFor[waiter.txnID], holder.txnID)
				}
			}
		}
		if q.upgrading {
			// A pending upgrade waits on every other granted holder until its
			// transaction has been aborted as a victim.
			if up, ok := m.registry.Get(q.upgradingTxn); ok && up.IsAborted() {
				continue
			}
			for _, holder := range q.requests {
				if holder.granted && holder.txnID != q.upgradingTxn {
					waitsFor[q.upgradingTxn] = append(waitsFor[q.upgradingTxn], holder.txnID)
				}
			}
		}
	}
	return waitsFor
}

// findCycle runs DFS from every node in ascending txn-id order with child
// lists also sorted ascending, so detection is deterministic. It returns the
// transactions on the first cycle found.
func findCycle(waitsFor map[int64][]int64) ([]int64, bool) {
	nodes := make([]int64, 0, len(waitsFor))
	for id := range waitsFor {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	for _, children := range waitsFor {
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	}

	visited := make(map[int64]bool)
	onStack := make(map[int64]bool)
	var stack []int64
	var cycle []int64

	var dfs func(id int64) bool
	dfs = func(id int64) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range waitsFor[id] {
			if onStack[next] {
				// Back edge: the cycle is the stack suffix from next.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						break
					}
				}
				return true
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range nodes {
		if !visited[id] && dfs(id) {
			return cycle, true
		}
	}
	return nil, false
}

// abortVictim marks the victim aborted, removes its waiting requests from
// every queue, and wakes those queues so blocked callers observe the aborted
// flag. Caller holds m.mu.
func (m *Manager) abortVictim(victim int64) {
	m.log.Warn("deadlock detected, aborting youngest transaction", "txn", victim)

	if txn, ok := m.registry.Get(victim); ok {
		txn.SetState(transaction.Aborted)
	}

	for _, q := range m.table {
		wasWaiting := q.removeWaiting(victim)
		if q.upgrading && q.upgradingTxn == victim {
			// A pending upgrade by the victim is also a waiting request;
			// the upgrade goroutine clears the flag itself on wake.
			wasWaiting = true
		}
		if wasWaiting {
			q.cond.Broadcast()
		}
	}
}
