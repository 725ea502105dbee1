package station

import "time"

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusSyncing   OperationStatus = "syncing"
	StatusFailed    OperationStatus = "failed"
	StatusCommitted OperationStatus = "committed"
	StatusSkipped   OperationStatus = "skipped"
)

// Punch records a runner passing a checkpoint.
type Punch struct {
	StationID    string
	RunnerID     string
	CheckpointID string
	// LocalAt is the raw device time of the punch.
	LocalAt time.Time
	// RecordedAt is LocalAt corrected by the offset snapshotted at enqueue.
	RecordedAt time.Time
}

// QueuedOperation is a punch waiting to be committed to the race backend.
type QueuedOperation struct {
	ID            string
	Seq           int64 // store-assigned, defines flush order
	Payload       Punch
	CreatedAt     time.Time
	Attempts      uint
	Status        OperationStatus
	OffsetMillis  int64
	NextAttemptAt time.Time
	LastError     string
}

// JournalEntry is a punch that left the queue, either committed or skipped.
type JournalEntry struct {
	Seq          int64
	OperationID  string
	Payload      Punch
	OffsetMillis int64
	Attempts     uint
	Status       OperationStatus
	ResolvedAt   time.Time
}
