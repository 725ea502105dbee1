package station

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FailurePolicy decides what a terminally failed item does to the items behind it.
type FailurePolicy string

const (
	// FailurePolicyBlock holds every later item until the failed one is
	// resubmitted, discarded or skipped.
	FailurePolicyBlock FailurePolicy = "block"

	// FailurePolicySkip passes over failed items and keeps committing later ones.
	FailurePolicySkip FailurePolicy = "skip"
)

// ParseFailurePolicy validates a policy name. Empty means block.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailurePolicyBlock:
		return FailurePolicyBlock, nil
	case FailurePolicySkip:
		return FailurePolicySkip, nil
	default:
		return "", fmt.Errorf("unknown failure policy: %q", s)
	}
}

// OffsetSource supplies the offset stamped onto new operations.
type OffsetSource interface {
	Current() (TimeOffset, bool)
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) IsOnline() bool { return f() }

// FlushResult lists what happened to each item a flush touched.
type FlushResult struct {
	Committed []string
	Failed    []string
	Retrying  []string
}

// QueueStatus is the read-only snapshot shown by status surfaces.
type QueueStatus struct {
	IsOnline        bool
	PendingCount    int
	FailedCount     int
	IsSyncing       bool
	LastSyncAttempt time.Time
}

// SyncQueue buffers punches locally and commits them in enqueue order.
// It is the only writer of queued operations; all store mutation happens
// under mu.
type SyncQueue struct {
	store     Store
	committer Committer
	offsets   OffsetSource
	conn      Connectivity
	clock     Clock
	idgen     IDGenerator
	logger    Logger
	policy    FailurePolicy
	backoff   Backoff

	mu              sync.Mutex
	inflight        *flushCall
	stopped         bool
	lastSyncAttempt time.Time
}

type flushCall struct {
	done   chan struct{}
	result FlushResult
	err    error
}

// NewSyncQueue creates a queue over store.
func NewSyncQueue(store Store, committer Committer, offsets OffsetSource, conn Connectivity,
	clock Clock, idgen IDGenerator, logger Logger, policy FailurePolicy, backoff Backoff) *SyncQueue {
	if policy == "" {
		policy = FailurePolicyBlock
	}
	return &SyncQueue{
		store:     store,
		committer: committer,
		offsets:   offsets,
		conn:      conn,
		clock:     clock,
		idgen:     idgen,
		logger:    logger,
		policy:    policy,
		backoff:   backoff,
	}
}

// Recover resets operations interrupted mid-sync by a crash back to pending.
func (q *SyncQueue) Recover() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.ResetSyncing()
	if err != nil {
		return 0, fmt.Errorf("resetting interrupted operations: %w", err)
	}
	if n > 0 {
		q.logger.Warn("recovered interrupted operations", "count", n)
	}
	return n, nil
}

// Enqueue stores a punch for later commit. It never touches the network.
// The current offset is snapshotted into the operation and applied to the
// punch's RecordedAt. A zero LocalAt is set to the current device time.
func (q *SyncQueue) Enqueue(p Punch) (string, error) {
	now := q.clock.Now()
	if p.LocalAt.IsZero() {
		p.LocalAt = now
	}

	var offset TimeOffset
	if q.offsets != nil {
		offset, _ = q.offsets.Current()
	}
	p.RecordedAt = offset.Apply(p.LocalAt)

	op := &QueuedOperation{
		ID:            q.idgen.New(),
		Payload:       p,
		CreatedAt:     now,
		Status:        StatusPending,
		OffsetMillis:  offset.OffsetMillis,
		NextAttemptAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.AppendOperation(op); err != nil {
		return "", fmt.Errorf("queueing punch: %w", err)
	}

	q.logger.Info("punch queued",
		"id", op.ID,
		"runner", p.RunnerID,
		"checkpoint", p.CheckpointID,
		"offset_ms", op.OffsetMillis)
	return op.ID, nil
}

// Flush commits pending operations in order until the queue is drained,
// an item must wait, or dispatch is halted.
//
// Only one flush runs at a time. A call made while a flush is in flight
// starts nothing; it waits for that flush and returns its result.
func (q *SyncQueue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	if call := q.inflight; call != nil {
		q.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return FlushResult{}, ctx.Err()
		}
	}
	call := &flushCall{done: make(chan struct{})}
	q.inflight = call
	q.lastSyncAttempt = q.clock.Now()
	q.mu.Unlock()

	call.result, call.err = q.flush(ctx)

	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()
	close(call.done)

	return call.result, call.err
}

func (q *SyncQueue) flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult

	for {
		if !q.canDispatch(ctx) {
			break
		}

		op, err := q.claimNext()
		if err != nil {
			return res, err
		}
		if op == nil {
			break
		}

		// Cancellation stops dispatch of the next item, never the one in flight.
		// The committer's own timeout still bounds it.
		commitErr := q.committer.Commit(context.WithoutCancel(ctx), op)

		cont, err := q.settle(op, commitErr, &res)
		if err != nil {
			return res, err
		}
		if !cont {
			break
		}
	}

	if n := len(res.Committed) + len(res.Failed) + len(res.Retrying); n > 0 {
		q.logger.Info("flush finished",
			"committed", len(res.Committed),
			"failed", len(res.Failed),
			"retrying", len(res.Retrying))
	}
	return res, nil
}

// canDispatch reports whether another item may be sent.
func (q *SyncQueue) canDispatch(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		q.logger.Debug("flush halted: queue stopped")
		return false
	}
	if q.conn != nil && !q.conn.IsOnline() {
		q.logger.Debug("flush halted: offline")
		return false
	}
	return true
}

// claimNext finds the next item to send and marks it syncing.
// It returns nil when nothing may be sent now: the queue is empty, the
// head is backing off, or a failed item blocks under FailurePolicyBlock.
func (q *SyncQueue) claimNext() (*QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.ListOperations()
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}

	now := q.clock.Now()
	for _, op := range ops {
		switch op.Status {
		case StatusFailed:
			if q.policy == FailurePolicySkip {
				continue
			}
			q.logger.Debug("flush blocked by failed operation", "id", op.ID)
			return nil, nil
		case StatusPending:
			if op.NextAttemptAt.After(now) {
				return nil, nil
			}
			op.Status = StatusSyncing
			if err := q.store.UpdateOperation(op); err != nil {
				return nil, fmt.Errorf("marking operation %s syncing: %w", op.ID, err)
			}
			return op, nil
		default:
			// Something else owns it; keep order by not overtaking.
			return nil, nil
		}
	}
	return nil, nil
}

// settle records the outcome of a commit and reports whether the flush may continue.
func (q *SyncQueue) settle(op *QueuedOperation, commitErr error, res *FlushResult) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	op.Attempts++

	switch {
	case commitErr == nil:
		op.Status = StatusCommitted
		op.LastError = ""
		if err := q.store.ResolveOperation(op, StatusCommitted, now); err != nil {
			return false, fmt.Errorf("journaling operation %s: %w", op.ID, err)
		}
		res.Committed = append(res.Committed, op.ID)
		q.logger.Info("punch committed", "id", op.ID, "attempts", op.Attempts)
		return true, nil

	case Terminal(commitErr):
		op.Status = StatusFailed
		op.LastError = commitErr.Error()
		if err := q.store.UpdateOperation(op); err != nil {
			return false, fmt.Errorf("marking operation %s failed: %w", op.ID, err)
		}
		res.Failed = append(res.Failed, op.ID)
		q.logger.Error("punch rejected", "id", op.ID, "error", commitErr)
		return q.policy == FailurePolicySkip, nil

	default:
		delay := q.backoff.Delay(op.Attempts)
		op.Status = StatusPending
		op.LastError = commitErr.Error()
		op.NextAttemptAt = now.Add(delay)
		if err := q.store.UpdateOperation(op); err != nil {
			return false, fmt.Errorf("rescheduling operation %s: %w", op.ID, err)
		}
		res.Retrying = append(res.Retrying, op.ID)
		q.logger.Warn("punch commit failed, will retry",
			"id", op.ID,
			"attempts", op.Attempts,
			"retry_in", delay.String(),
			"error", commitErr)
		return false, nil
	}
}

// Stop makes in-flight and future flushes stop after their current item.
func (q *SyncQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
}

// Resume lets flushes dispatch again after Stop.
func (q *SyncQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = false
}

// Resubmit returns a failed operation to pending with a fresh attempt count.
func (q *SyncQueue) Resubmit(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return err
	}
	if op.Status != StatusFailed {
		return fmt.Errorf("operation %s is %s, not failed", id, op.Status)
	}

	op.Status = StatusPending
	op.Attempts = 0
	op.NextAttemptAt = q.clock.Now()
	op.LastError = ""
	if err := q.store.UpdateOperation(op); err != nil {
		return fmt.Errorf("resubmitting operation %s: %w", id, err)
	}
	q.logger.Info("punch resubmitted", "id", id)
	return nil
}

// Discard drops a pending or failed operation without committing it.
func (q *SyncQueue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return err
	}
	if err := q.store.DeleteOperation(id); err != nil {
		return fmt.Errorf("discarding operation %s: %w", id, err)
	}
	q.logger.Warn("punch discarded", "id", id, "status", string(op.Status))
	return nil
}

// Skip moves a failed operation out of the queue into the journal as skipped,
// unblocking the items behind it.
func (q *SyncQueue) Skip(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return err
	}
	if op.Status != StatusFailed {
		return fmt.Errorf("operation %s is %s, not failed", id, op.Status)
	}

	op.Status = StatusSkipped
	if err := q.store.ResolveOperation(op, StatusSkipped, q.clock.Now()); err != nil {
		return fmt.Errorf("skipping operation %s: %w", id, err)
	}
	q.logger.Warn("punch skipped", "id", id)
	return nil
}

// lookup fetches an operation that is safe to modify. Caller holds mu.
func (q *SyncQueue) lookup(id string) (*QueuedOperation, error) {
	op, err := q.store.FindOperation(id)
	if err != nil {
		return nil, fmt.Errorf("finding operation %s: %w", id, err)
	}
	if op == nil {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if op.Status == StatusSyncing {
		return nil, fmt.Errorf("operation %s: %w", id, ErrConcurrentOperation)
	}
	return op, nil
}

// List returns all queued operations in flush order.
func (q *SyncQueue) List() ([]*QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ListOperations()
}

// Failed returns the operations waiting for user action.
func (q *SyncQueue) Failed() ([]*QueuedOperation, error) {
	ops, err := q.List()
	if err != nil {
		return nil, err
	}
	var failed []*QueuedOperation
	for _, op := range ops {
		if op.Status == StatusFailed {
			failed = append(failed, op)
		}
	}
	return failed, nil
}

// Status returns a snapshot for status surfaces.
func (q *SyncQueue) Status() (QueueStatus, error) {
	ops, err := q.List()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("listing queue: %w", err)
	}

	q.mu.Lock()
	status := QueueStatus{
		IsSyncing:       q.inflight != nil,
		LastSyncAttempt: q.lastSyncAttempt,
	}
	q.mu.Unlock()

	if q.conn != nil {
		status.IsOnline = q.conn.IsOnline()
	}
	for _, op := range ops {
		switch op.Status {
		case StatusPending, StatusSyncing:
			status.PendingCount++
		case StatusFailed:
			status.FailedCount++
		}
	}
	return status, nil
}
