package primitives

import "math"

// PageID identifies a page within the database file. Page 0 is reserved for
// the index header page; data pages are allocated from 1 upward.
type PageID int32

// SlotID identifies a tuple slot within a table page.
type SlotID uint32

// TableOID identifies a table in the catalog.
type TableOID uint32

// IndexOID identifies an index in the catalog.
type IndexOID uint32

// LSN (log sequence number) uniquely identifies a log record. It is
// monotonically increasing per log file.
type LSN uint64

// Sentinel values for invalid/unset identifiers.
const (
	// InvalidPageID marks a missing page reference: an empty tree root,
	// the last leaf's next pointer, an unset parent.
	InvalidPageID PageID = -1

	InvalidLSN LSN = math.MaxUint64
)

// PageSize is the size of every on-disk page frame in bytes.
const PageSize = 4096
