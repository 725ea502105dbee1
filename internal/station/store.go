package station

import (
	"database/sql"
	"time"
)

// Store persists the station's queue, its journal, and CLI operation history.
// Implementations do not need to serialize queue access; SyncQueue does that.
type Store interface {
	// Queue operations

	// AppendOperation inserts op at the tail of the queue and assigns op.Seq.
	AppendOperation(op *QueuedOperation) error

	// ListOperations returns all queued operations in Seq order.
	ListOperations() ([]*QueuedOperation, error)

	// FindOperation returns the operation with the given ID, or nil if absent.
	FindOperation(id string) (*QueuedOperation, error)

	// UpdateOperation persists status, attempts, next attempt time and last error.
	UpdateOperation(op *QueuedOperation) error

	// DeleteOperation removes an operation from the queue without journaling it.
	DeleteOperation(id string) error

	// ResetSyncing moves operations left in syncing state back to pending.
	ResetSyncing() (int, error)

	// Journal operations

	// ResolveOperation atomically journals op with the given status
	// (committed or skipped) and removes it from the queue.
	ResolveOperation(op *QueuedOperation, status OperationStatus, at time.Time) error

	// ListJournal returns the most recent journal entries, newest first.
	ListJournal(limit int) ([]*JournalEntry, error)

	// MaxJournalSeq returns the highest journal sequence, or 0 when empty.
	MaxJournalSeq() (int64, error)

	// Operation history

	CreateStationOperation(operation string, parameters string) (*OperationRecord, error)
	FinishStationOperation(id int64, status string) error
	ListStationOperations(limit int) ([]*OperationRecord, error)

	// Close closes the store.
	Close() error
}

// OperationRecord is a CLI command recorded in the store.
type OperationRecord struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
}
