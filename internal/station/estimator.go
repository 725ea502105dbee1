package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMeasureTimeout bounds a single offset measurement.
const DefaultMeasureTimeout = 5 * time.Second

// TimeSyncStatus is the read-only snapshot shown by status surfaces.
type TimeSyncStatus struct {
	Offset        *TimeOffset
	LastSync      time.Time
	IsCalculating bool
	Err           error
}

// OffsetEstimator measures the difference between the device clock and a
// time authority, and remembers the last good measurement.
type OffsetEstimator struct {
	authority TimeAuthority
	clock     Clock
	logger    Logger
	timeout   time.Duration

	group singleflight.Group

	mu          sync.RWMutex
	current     *TimeOffset
	lastSync    time.Time
	calculating bool
	lastErr     error
}

// NewOffsetEstimator creates an estimator. A non-positive timeout uses DefaultMeasureTimeout.
func NewOffsetEstimator(authority TimeAuthority, clock Clock, logger Logger, timeout time.Duration) *OffsetEstimator {
	if timeout <= 0 {
		timeout = DefaultMeasureTimeout
	}
	return &OffsetEstimator{
		authority: authority,
		clock:     clock,
		logger:    logger,
		timeout:   timeout,
	}
}

// Measure performs one measurement and returns it without touching the
// estimator's remembered state.
//
// offset = Tserver - (T0 + rtt/2), assuming symmetric latency.
func (e *OffsetEstimator) Measure(ctx context.Context) (TimeOffset, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if p, ok := e.authority.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return TimeOffset{}, e.classify(ctx, err)
		}
	}

	t0 := e.clock.Now()
	serverTime, err := e.authority.ServerTime(ctx)
	t3 := e.clock.Now()
	if err != nil {
		return TimeOffset{}, e.classify(ctx, err)
	}

	rtt := t3.Sub(t0)
	if rtt < 0 {
		rtt = 0
	}
	offset := serverTime.Sub(t0.Add(rtt / 2)).Round(time.Millisecond)

	ms := offset.Milliseconds()
	return TimeOffset{
		OffsetMillis:    ms,
		MeasuredAt:      t3,
		RoundTripMillis: uint64(rtt.Milliseconds()),
		Confidence:      ClassifyOffset(ms),
	}, nil
}

// classify maps an authority failure onto the error taxonomy.
func (e *OffsetEstimator) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNetwork):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: no response from time authority within %s", ErrTimeout, e.timeout)
	default:
		return fmt.Errorf("%w: time authority unreachable: %w", ErrNetwork, err)
	}
}

// Recalculate measures the offset and stores the result. Concurrent calls
// share a single in-flight measurement. On failure the previous offset is kept
// and the error is reported through Status.
func (e *OffsetEstimator) Recalculate(ctx context.Context) (TimeOffset, error) {
	ch := e.group.DoChan("measure", func() (any, error) {
		e.mu.Lock()
		e.calculating = true
		e.mu.Unlock()

		off, err := e.Measure(context.WithoutCancel(ctx))

		e.mu.Lock()
		e.calculating = false
		if err != nil {
			e.lastErr = err
		} else {
			e.current = &off
			e.lastSync = off.MeasuredAt
			e.lastErr = nil
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("offset measurement failed", "error", err)
			return TimeOffset{}, err
		}
		e.logger.Debug("offset measured",
			"offset_ms", off.OffsetMillis,
			"rtt_ms", off.RoundTripMillis,
			"confidence", string(off.Confidence))
		return off, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return TimeOffset{}, res.Err
		}
		return res.Val.(TimeOffset), nil
	case <-ctx.Done():
		return TimeOffset{}, ctx.Err()
	}
}

// Current returns the last good offset, if any.
func (e *OffsetEstimator) Current() (TimeOffset, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return TimeOffset{}, false
	}
	return *e.current, true
}

// Correct converts a device timestamp to server time using the last good offset.
func (e *OffsetEstimator) Correct(t time.Time) time.Time {
	off, _ := e.Current()
	return off.Apply(t)
}

// Status returns a snapshot for status surfaces.
func (e *OffsetEstimator) Status() TimeSyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := TimeSyncStatus{
		LastSync:      e.lastSync,
		IsCalculating: e.calculating,
		Err:           e.lastErr,
	}
	if e.current != nil {
		off := *e.current
		status.Offset = &off
	}
	return status
}
