// Package disk implements the single-file page store underneath the buffer
// pool.
package disk

import (
	"fmt"
	"os"
	"sync"

	"crabdb/pkg/primitives"
)

// Manager reads and writes fixed-size pages in one database file. Page ids
// map directly to file offsets; deallocated pages are kept on a free list and
// handed out again before the file is grown.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	nextPage primitives.PageID
	freeList []primitives.PageID
}

// NewManager opens (or creates) the database file at path.
func NewManager(path string) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open database file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat database file %s: %w", path, err)
	}

	return &Manager{
		file:     file,
		path:     path,
		nextPage: primitives.PageID(info.Size() / primitives.PageSize),
	}, nil
}

// ReadPage reads the page into buf, which must be PageSize bytes. Reading a
// page past the end of file yields a zeroed buffer, matching a freshly
// allocated page.
func (m *Manager) ReadPage(pid primitives.PageID, buf []byte) error {
	if pid < 0 {
		return fmt.Errorf("invalid page id %d", pid)
	}
	if len(buf) != primitives.PageSize {
		return fmt.Errorf("read buffer must be %d bytes, got %d", primitives.PageSize, len(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.file.ReadAt(buf, int64(pid)*primitives.PageSize)
	if err != nil && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if n < primitives.PageSize {
		for i := n; i < primitives.PageSize; i++ {
			buf[i] = 0
		}
	}
	return nil
}

// WritePage writes the page data at the page's file offset. It does not sync;
// Sync and Close do.
func (m *Manager) WritePage(pid primitives.PageID, data []byte) error {
	if pid < 0 {
		return fmt.Errorf("invalid page id %d", pid)
	}
	if len(data) != primitives.PageSize {
		return fmt.Errorf("page data must be %d bytes, got %d", primitives.PageSize, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.file.WriteAt(data, int64(pid)*primitives.PageSize); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pid, err)
	}
	return nil
}

// AllocatePage returns the id of a fresh page, reusing deallocated pages
// first.
func (m *Manager) AllocatePage() primitives.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.freeList); n > 0 {
		pid := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return pid
	}

	pid := m.nextPage
	m.nextPage++
	return pid
}

// DeallocatePage returns a page to the free list for reuse.
func (m *Manager) DeallocatePage(pid primitives.PageID) {
	if pid < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, pid)
}

// NumPages returns the number of pages ever allocated (including freed ones).
func (m *Manager) NumPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.nextPage)
}

// Sync forces file contents to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Sync()
}

// Close syncs and closes the database file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync database file: %w", err)
	}
	return m.file.Close()
}
