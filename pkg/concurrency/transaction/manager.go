package transaction

import (
	"log/slog"

	"crabdb/pkg/errs"
	"crabdb/pkg/logging"
)

// LockReleaser is the slice of the lock manager the transaction manager
// needs: bulk release at commit/abort.
type LockReleaser interface {
	ReleaseAll(txn *Transaction)
}

// TxnLogger receives lifecycle records for the append-only log. Optional.
type TxnLogger interface {
	LogBegin(txnID int64) error
	LogCommit(txnID int64) error
	LogAbort(txnID int64) error
}

// Manager drives transaction lifecycles: Begin registers a transaction,
// Commit applies pending deletes and releases locks, Abort replays write
// records newest-first and releases locks.
type Manager struct {
	registry *Registry
	locks    LockReleaser
	logger   TxnLogger // may be nil
	log      *slog.Logger
}

// NewManager wires a transaction manager. logger may be nil to run without a
// transaction log.
func NewManager(registry *Registry, locks LockReleaser, logger TxnLogger) *Manager {
	return &Manager{
		registry: registry,
		locks:    locks,
		logger:   logger,
		log:      logging.For("TransactionManager"),
	}
}

// Begin starts a transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	txn := New(isolation)
	m.registry.Register(txn)
	if m.logger != nil {
		if err := m.logger.LogBegin(txn.ID()); err != nil {
			m.log.Warn("failed to log BEGIN", "txn", txn.ID(), "error", err)
		}
	}
	return txn
}

// Commit finalizes the transaction: pending mark-deletes become real
// deletions, write records are cleared, and every lock is released.
func (m *Manager) Commit(txn *Transaction) error {
	if txn.IsAborted() {
		return errs.Newf(errs.CategoryConcurrency, errs.CodeDeadlock,
			"transaction %d was aborted and cannot commit", txn.ID()).
			WithOp("Commit", "TransactionManager")
	}

	for _, w := range txn.TableWrites() {
		if w.Type == WDelete {
			if err := w.Heap.ApplyDelete(w.RID, txn); err != nil {
				return errs.Wrap(err, errs.CodeOutOfRange, "Commit", "TransactionManager")
			}
		}
	}

	txn.ClearWrites()
	txn.SetState(Committed)
	if m.logger != nil {
		if err := m.logger.LogCommit(txn.ID()); err != nil {
			m.log.Warn("failed to log COMMIT", "txn", txn.ID(), "error", err)
		}
	}
	m.locks.ReleaseAll(txn)
	m.registry.Remove(txn.ID())
	return nil
}

// Abort rolls the transaction back: write records are replayed in reverse
// (an insert is deleted, a mark-delete is rolled back, an update restores the
// old image; index records drive the inverse index call), then every lock is
// released.
func (m *Manager) Abort(txn *Transaction) error {
	txn.SetState(Aborted)

	tableWrites := txn.TableWrites()
	for i := len(tableWrites) - 1; i >= 0; i-- {
		w := tableWrites[i]
		var err error
		switch w.Type {
		case WInsert:
			err = w.Heap.ApplyDelete(w.RID, txn)
		case WDelete:
			err = w.Heap.RollbackDelete(w.RID, txn)
		case WUpdate:
			err = w.Heap.UpdateTuple(w.OldData, w.RID, txn)
		}
		if err != nil {
			return errs.Wrap(err, errs.CodeOutOfRange, "Abort", "TransactionManager")
		}
	}

	indexWrites := txn.IndexWrites()
	for i := len(indexWrites) - 1; i >= 0; i-- {
		w := indexWrites[i]
		var err error
		switch w.Type {
		case WInsert:
			err = w.Index.Remove(w.Key, txn)
		case WDelete:
			_, err = w.Index.Insert(w.Key, w.RID, txn)
		}
		if err != nil {
			return errs.Wrap(err, errs.CodeOutOfRange, "Abort", "TransactionManager")
		}
	}

	txn.ClearWrites()
	if m.logger != nil {
		if err := m.logger.LogAbort(txn.ID()); err != nil {
			m.log.Warn("failed to log ABORT", "txn", txn.ID(), "error", err)
		}
	}
	m.locks.ReleaseAll(txn)
	m.registry.Remove(txn.ID())
	m.log.Debug("transaction aborted", "txn", txn.ID())
	return nil
}
