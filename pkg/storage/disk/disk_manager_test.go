package disk

import (
	"bytes"
	"path/filepath"
	"testing"

	"crabdb/pkg/primitives"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "disk_test.db"))
	if err != nil {
		t.Fatalf("failed to create disk manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	pid := m.AllocatePage()
	out := make([]byte, primitives.PageSize)
	copy(out, []byte("page payload"))
	if err := m.WritePage(pid, out); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}

	in := make([]byte, primitives.PageSize)
	if err := m.ReadPage(pid, in); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("read bytes differ from written bytes")
	}
}

func TestReadPastEOFIsZeroed(t *testing.T) {
	m := newTestManager(t)

	pid := m.AllocatePage()
	buf := make([]byte, primitives.PageSize)
	buf[0] = 0xFF
	if err := m.ReadPage(pid, buf); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero", i, b)
		}
	}
}

func TestAllocateReusesFreedPages(t *testing.T) {
	m := newTestManager(t)

	a := m.AllocatePage()
	b := m.AllocatePage()
	if a == b {
		t.Fatalf("two allocations returned the same page %d", a)
	}

	m.DeallocatePage(a)
	if got := m.AllocatePage(); got != a {
		t.Fatalf("allocation after free = %d, want reused %d", got, a)
	}
	if got := m.AllocatePage(); got == a || got == b {
		t.Fatalf("fresh allocation %d collides with live pages", got)
	}
}

func TestRejectsBadArguments(t *testing.T) {
	m := newTestManager(t)

	if err := m.ReadPage(-1, make([]byte, primitives.PageSize)); err == nil {
		t.Fatal("ReadPage accepted a negative page id")
	}
	if err := m.WritePage(0, make([]byte, 10)); err == nil {
		t.Fatal("WritePage accepted a short buffer")
	}
}
