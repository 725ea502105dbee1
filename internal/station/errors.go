package station

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transient transport failures. Retried with backoff.
	ErrNetwork = errors.New("network error")

	// ErrTimeout marks a remote that did not answer in time. Treated like ErrNetwork.
	ErrTimeout = errors.New("timeout")

	// ErrValidation marks a terminal rejection by the remote. Never retried automatically.
	ErrValidation = errors.New("validation error")

	// ErrConcurrentOperation is returned when an item is being synced and cannot be changed.
	ErrConcurrentOperation = errors.New("concurrent operation in progress")

	// ErrNotFound is returned when a queued operation does not exist.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// Terminal reports whether err is a permanent rejection.
func Terminal(err error) bool {
	return errors.Is(err, ErrValidation)
}

// CommitError carries the remote's response for a failed commit.
// Err is one of the sentinel errors above and decides how the queue reacts.
type CommitError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *CommitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: status %d", e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s", e.Err, e.StatusCode, e.Message)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
