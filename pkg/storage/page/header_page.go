package page

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"crabdb/pkg/primitives"
)

// HeaderPage is a typed view over page 0: a persistent index-name to
// root-page-id table. Layout:
//
//	0..4    record count (uint32)
//	then per record: 32-byte name (zero padded) + 4-byte root page id
//
// Callers hold the page latch around every call; the view itself does no
// locking.
type HeaderPage struct {
	page *Page
}

const (
	// HeaderPageID is where the header page always lives.
	HeaderPageID primitives.PageID = 0

	headerNameSize   = 32
	headerRecordSize = headerNameSize + 4
	headerCountSize  = 4
	headerMaxRecords = (primitives.PageSize - headerCountSize) / headerRecordSize
)

// AsHeaderPage projects a header-page view onto a frame.
func AsHeaderPage(p *Page) *HeaderPage {
	return &HeaderPage{page: p}
}

// RecordCount returns the number of stored records.
func (h *HeaderPage) RecordCount() int {
	return int(binary.BigEndian.Uint32(h.page.Data()[0:headerCountSize]))
}

func (h *HeaderPage) setRecordCount(n int) {
	binary.BigEndian.PutUint32(h.page.Data()[0:headerCountSize], uint32(n))
}

func (h *HeaderPage) recordOffset(i int) int {
	return headerCountSize + i*headerRecordSize
}

func (h *HeaderPage) nameAt(i int) string {
	off := h.recordOffset(i)
	raw := h.page.Data()[off : off+headerNameSize]
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

func (h *HeaderPage) rootAt(i int) primitives.PageID {
	off := h.recordOffset(i) + headerNameSize
	return primitives.PageID(binary.BigEndian.Uint32(h.page.Data()[off : off+4]))
}

func (h *HeaderPage) setRecord(i int, name string, root primitives.PageID) {
	off := h.recordOffset(i)
	data := h.page.Data()
	copy(data[off:off+headerNameSize], make([]byte, headerNameSize))
	copy(data[off:off+headerNameSize], name)
	binary.BigEndian.PutUint32(data[off+headerNameSize:off+headerNameSize+4], uint32(root))
}

func (h *HeaderPage) find(name string) int {
	for i := 0; i < h.RecordCount(); i++ {
		if h.nameAt(i) == name {
			return i
		}
	}
	return -1
}

// InsertRecord adds a name -> root mapping. It fails on duplicates, full
// pages and overlong names.
func (h *HeaderPage) InsertRecord(name string, root primitives.PageID) error {
	if len(name) == 0 || len(name) > headerNameSize {
		return fmt.Errorf("index name %q must be 1..%d bytes", name, headerNameSize)
	}
	if h.find(name) >= 0 {
		return fmt.Errorf("index %q already registered", name)
	}
	n := h.RecordCount()
	if n >= headerMaxRecords {
		return fmt.Errorf("header page full (%d records)", n)
	}
	h.setRecord(n, name, root)
	h.setRecordCount(n + 1)
	return nil
}

// UpdateRecord replaces the root page id stored under name.
func (h *HeaderPage) UpdateRecord(name string, root primitives.PageID) error {
	i := h.find(name)
	if i < 0 {
		return fmt.Errorf("index %q not registered", name)
	}
	h.setRecord(i, name, root)
	return nil
}

// DeleteRecord removes the mapping for name.
func (h *HeaderPage) DeleteRecord(name string) error {
	i := h.find(name)
	if i < 0 {
		return fmt.Errorf("index %q not registered", name)
	}
	last := h.RecordCount() - 1
	if i != last {
		h.setRecord(i, h.nameAt(last), h.rootAt(last))
	}
	h.setRecord(last, "", 0)
	h.setRecordCount(last)
	return nil
}

// GetRootID looks up the root page id stored under name.
func (h *HeaderPage) GetRootID(name string) (primitives.PageID, bool) {
	i := h.find(name)
	if i < 0 {
		return primitives.InvalidPageID, false
	}
	return h.rootAt(i), true
}
