// Package log implements the append-only transaction log. Records carry
// LSNs and are buffered until an explicit flush; commit forces the log.
// There is no replay path here: crash recovery is out of scope, the log
// exists so the commit protocol and tooling have a durable record stream.
package log

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"crabdb/pkg/primitives"
)

// RecordType tags a log record.
type RecordType uint8

const (
	RecordBegin RecordType = iota
	RecordCommit
	RecordAbort
	RecordInsert
	RecordDelete
	RecordUpdate
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordInsert:
		return "INSERT"
	case RecordDelete:
		return "DELETE"
	case RecordUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("RECORD(%d)", uint8(t))
	}
}

// Record is one log entry. Payload is the serialized tuple image for data
// records and empty for lifecycle records.
type Record struct {
	LSN     primitives.LSN
	TxnID   int64
	Type    RecordType
	RID     primitives.RID
	Payload []byte
}

// Manager appends records to a single log file behind a buffered writer.
type Manager struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	nextLSN primitives.LSN
}

// NewManager opens (or creates) the log file at path.
func NewManager(path string) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &Manager{
		file:   file,
		writer: bufio.NewWriterSize(file, 1<<14),
	}, nil
}

// Append writes a record to the log buffer and returns its LSN.
func (m *Manager) Append(r Record) (primitives.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.LSN = m.nextLSN
	m.nextLSN++

	// Fixed header: LSN(8) txn(8) type(1) rid(8) payload length(4).
	var header [29]byte
	binary.BigEndian.PutUint64(header[0:], uint64(r.LSN))
	binary.BigEndian.PutUint64(header[8:], uint64(r.TxnID))
	header[16] = byte(r.Type)
	r.RID.Serialize(header[17:25])
	binary.BigEndian.PutUint32(header[25:], uint32(len(r.Payload)))

	if _, err := m.writer.Write(header[:]); err != nil {
		return 0, fmt.Errorf("failed to append log record: %w", err)
	}
	if len(r.Payload) > 0 {
		if _, err := m.writer.Write(r.Payload); err != nil {
			return 0, fmt.Errorf("failed to append log payload: %w", err)
		}
	}
	return r.LSN, nil
}

// Flush drains the buffer and syncs the file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if err := m.writer.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

// LogBegin appends a BEGIN record.
func (m *Manager) LogBegin(txnID int64) error {
	_, err := m.Append(Record{TxnID: txnID, Type: RecordBegin})
	return err
}

// LogCommit appends a COMMIT record and forces the log, making the commit
// durable before the caller proceeds.
func (m *Manager) LogCommit(txnID int64) error {
	if _, err := m.Append(Record{TxnID: txnID, Type: RecordCommit}); err != nil {
		return err
	}
	return m.Flush()
}

// LogAbort appends an ABORT record.
func (m *Manager) LogAbort(txnID int64) error {
	_, err := m.Append(Record{TxnID: txnID, Type: RecordAbort})
	return err
}

// Close flushes and closes the log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	return m.file.Close()
}
