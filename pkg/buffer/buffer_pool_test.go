package buffer

import (
	"path/filepath"
	"testing"

	"crabdb/pkg/errs"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/disk"
)

func newTestPool(t *testing.T, frames int) *Pool {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "pool_test.db"))
	if err != nil {
		t.Fatalf("failed to create disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	return NewPool(frames, dm)
}

func TestNewPageAndFetch(t *testing.T) {
	pool := newTestPool(t, 4)

	pg, err := pool.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	pid := pg.ID()

	pg.WLatch()
	copy(pg.Data(), []byte("hello"))
	pg.WUnlatch()
	if !pool.UnpinPage(pid, true) {
		t.Fatal("UnpinPage reported page not pinned")
	}

	fetched, err := pool.FetchPage(pid)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	fetched.RLatch()
	got := string(fetched.Data()[:5])
	fetched.RUnlatch()
	if got != "hello" {
		t.Fatalf("page data = %q, want hello", got)
	}
	pool.UnpinPage(pid, false)
}

func TestEvictionRoundTripsThroughDisk(t *testing.T) {
	pool := newTestPool(t, 2)

	// Fill two frames, write distinct bytes, unpin both.
	var pids []primitives.PageID
	for i := 0; i < 2; i++ {
		pg, err := pool.NewPage()
		if err != nil {
			t.Fatalf("NewPage %d failed: %v", i, err)
		}
		pg.WLatch()
		pg.Data()[0] = byte(i + 1)
		pg.WUnlatch()
		pids = append(pids, pg.ID())
		pool.UnpinPage(pg.ID(), true)
	}

	// Two more pages force both original frames out.
	for i := 0; i < 2; i++ {
		pg, err := pool.NewPage()
		if err != nil {
			t.Fatalf("NewPage (evicting) failed: %v", err)
		}
		pool.UnpinPage(pg.ID(), false)
	}

	// The evicted pages must come back from disk intact.
	for i, pid := range pids {
		pg, err := pool.FetchPage(pid)
		if err != nil {
			t.Fatalf("FetchPage(%d) failed: %v", pid, err)
		}
		pg.RLatch()
		got := pg.Data()[0]
		pg.RUnlatch()
		if got != byte(i+1) {
			t.Fatalf("page %d byte = %d, want %d", pid, got, i+1)
		}
		pool.UnpinPage(pid, false)
	}
}

func TestAllFramesPinnedIsOutOfMemory(t *testing.T) {
	pool := newTestPool(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := pool.NewPage(); err != nil {
			t.Fatalf("NewPage %d failed: %v", i, err)
		}
	}

	_, err := pool.NewPage()
	if !errs.HasCode(err, errs.CodeOutOfMemory) {
		t.Fatalf("NewPage with all frames pinned got %v, want OUT_OF_MEMORY", err)
	}
}

func TestPinCountTracksFetches(t *testing.T) {
	pool := newTestPool(t, 4)

	pg, err := pool.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	pid := pg.ID()
	if got := pool.PinCount(pid); got != 1 {
		t.Fatalf("pin count after NewPage = %d, want 1", got)
	}

	if _, err := pool.FetchPage(pid); err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if got := pool.PinCount(pid); got != 2 {
		t.Fatalf("pin count after second fetch = %d, want 2", got)
	}

	pool.UnpinPage(pid, false)
	pool.UnpinPage(pid, false)
	if got := pool.PinCount(pid); got != 0 {
		t.Fatalf("pin count after unpins = %d, want 0", got)
	}
	if pool.UnpinPage(pid, false) {
		t.Fatal("unpinning an unpinned page succeeded")
	}
}

func TestDeletePageRefusesPinned(t *testing.T) {
	pool := newTestPool(t, 4)

	pg, err := pool.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	pid := pg.ID()

	if pool.DeletePage(pid) {
		t.Fatal("DeletePage succeeded on a pinned page")
	}
	pool.UnpinPage(pid, false)
	if !pool.DeletePage(pid) {
		t.Fatal("DeletePage failed on an unpinned page")
	}
	if got := pool.PinCount(pid); got != -1 {
		t.Fatalf("deleted page still resident (pin count %d)", got)
	}
}

func TestLRUReplacerVictimOrder(t *testing.T) {
	r := newLRUReplacer()

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	if r.Size() != 3 {
		t.Fatalf("size = %d, want 3", r.Size())
	}

	// 1 was unpinned first, so it is the first victim.
	if v, ok := r.Victim(); !ok || v != 1 {
		t.Fatalf("victim = (%d,%v), want (1,true)", v, ok)
	}

	// Pinning removes a frame from candidacy.
	r.Pin(2)
	if v, ok := r.Victim(); !ok || v != 3 {
		t.Fatalf("victim = (%d,%v), want (3,true)", v, ok)
	}
	if _, ok := r.Victim(); ok {
		t.Fatal("replacer produced a victim while empty")
	}

	// Re-unpinning an already-present frame keeps its position.
	r.Unpin(4)
	r.Unpin(5)
	r.Unpin(4)
	if v, _ := r.Victim(); v != 4 {
		t.Fatalf("victim = %d, want 4", v)
	}
}
