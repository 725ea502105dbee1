package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"racesync/internal/station"
)

// StubAuthority answers ServerTime from a function. When Gate is non-nil,
// each call blocks until Gate is closed or receives a value.
type StubAuthority struct {
	Fn   func() (time.Time, error)
	Gate chan struct{}

	calls atomic.Int32
}

var _ station.TimeAuthority = (*StubAuthority)(nil)

// NewSkewedAuthority answers with clock's time shifted by skew.
func NewSkewedAuthority(clock station.Clock, skew time.Duration) *StubAuthority {
	return &StubAuthority{Fn: func() (time.Time, error) {
		return clock.Now().Add(skew), nil
	}}
}

// NewFailingAuthority always fails with err.
func NewFailingAuthority(err error) *StubAuthority {
	return &StubAuthority{Fn: func() (time.Time, error) {
		return time.Time{}, err
	}}
}

func (a *StubAuthority) ServerTime(ctx context.Context) (time.Time, error) {
	a.calls.Add(1)
	if a.Gate != nil {
		select {
		case <-a.Gate:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	return a.Fn()
}

// Calls returns how many times ServerTime was called.
func (a *StubAuthority) Calls() int {
	return int(a.calls.Load())
}

// StubCommitter records commits and returns scripted errors per operation ID.
// A scripted error is consumed by one call; later calls for that ID succeed
// unless more errors are queued.
type StubCommitter struct {
	// OnCommit, when set, runs before the result is returned.
	OnCommit func(op *station.QueuedOperation)

	// Block, when set, makes each call wait for a receive or close.
	Block chan struct{}

	mu     sync.Mutex
	errs   map[string][]error
	always map[string]error
	calls  []string
}

var _ station.Committer = (*StubCommitter)(nil)

func NewStubCommitter() *StubCommitter {
	return &StubCommitter{
		errs:   make(map[string][]error),
		always: make(map[string]error),
	}
}

// FailNext queues errs for the next calls committing id.
func (c *StubCommitter) FailNext(id string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[id] = append(c.errs[id], errs...)
}

// FailAlways makes every commit of id fail with err. A nil err clears it.
func (c *StubCommitter) FailAlways(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.always, id)
		return
	}
	c.always[id] = err
}

func (c *StubCommitter) Commit(ctx context.Context, op *station.QueuedOperation) error {
	c.mu.Lock()
	c.calls = append(c.calls, op.ID)
	var err error
	if e, ok := c.always[op.ID]; ok {
		err = e
	} else if q := c.errs[op.ID]; len(q) > 0 {
		err = q[0]
		c.errs[op.ID] = q[1:]
	}
	block := c.Block
	hook := c.OnCommit
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		hook(op)
	}
	return err
}

// Calls returns the IDs committed so far, in call order.
func (c *StubCommitter) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}
