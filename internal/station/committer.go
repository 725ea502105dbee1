package station

import "context"

// Committer sends one queued operation to the race backend.
// Errors must wrap ErrNetwork, ErrTimeout or ErrValidation so the queue can
// decide between retrying and failing the item. Unclassified errors are retried.
type Committer interface {
	Commit(ctx context.Context, op *QueuedOperation) error
}
