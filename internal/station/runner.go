package station

import (
	"context"
	"sync"
	"time"
)

// RunnerConfig sets the background loop intervals.
type RunnerConfig struct {
	OffsetInterval time.Duration // how often to re-measure the clock offset (default 60s)
	FlushInterval  time.Duration // how often to flush while online (default 5s)
}

// DefaultRunnerConfig returns the default intervals.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		OffsetInterval: 60 * time.Second,
		FlushInterval:  5 * time.Second,
	}
}

// RunnerStatus combines the snapshots shown by `racesync status`.
type RunnerStatus struct {
	TimeSync     TimeSyncStatus
	Queue        QueueStatus
	Connectivity ConnectivityState
}

// Runner keeps a station working unattended: it re-measures the offset
// periodically, flushes the queue periodically, and flushes as soon as
// connectivity comes back.
type Runner struct {
	queue     *SyncQueue
	estimator *OffsetEstimator
	monitor   *ConnectivityMonitor
	logger    Logger
	cfg       RunnerConfig

	stopCh  chan struct{}
	trigger chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	running     bool
	unsubscribe func()
}

// NewRunner creates a runner. Zero intervals take their defaults.
func NewRunner(queue *SyncQueue, estimator *OffsetEstimator, monitor *ConnectivityMonitor, logger Logger, cfg RunnerConfig) *Runner {
	def := DefaultRunnerConfig()
	if cfg.OffsetInterval <= 0 {
		cfg.OffsetInterval = def.OffsetInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Runner{
		queue:     queue,
		estimator: estimator,
		monitor:   monitor,
		logger:    logger,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
	}
}

// Start launches the background loops. It measures the offset once before
// returning so punches taken right after start are corrected.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.unsubscribe = r.monitor.Subscribe(func(ev ConnectivityEvent) {
		if ev.Type == EventOnline {
			r.TriggerFlush()
		}
	})
	r.mu.Unlock()

	if _, err := r.estimator.Recalculate(ctx); err != nil {
		r.logger.Warn("initial offset measurement failed", "error", err)
	}

	r.wg.Add(2)
	go r.offsetLoop(ctx)
	go r.flushLoop(ctx)

	r.logger.Info("station runner started",
		"offset_interval", r.cfg.OffsetInterval.String(),
		"flush_interval", r.cfg.FlushInterval.String())
}

// Stop halts the loops and waits for them. A flush in progress finishes
// its current item and then stops.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.unsubscribe()
	r.mu.Unlock()

	r.queue.Stop()
	close(r.stopCh)
	r.wg.Wait()
	r.queue.Resume()

	r.logger.Info("station runner stopped")
}

// TriggerFlush asks the flush loop to run now. Extra triggers while one is
// outstanding are dropped.
func (r *Runner) TriggerFlush() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Status returns the combined snapshot.
func (r *Runner) Status() (RunnerStatus, error) {
	qs, err := r.queue.Status()
	if err != nil {
		return RunnerStatus{}, err
	}
	return RunnerStatus{
		TimeSync:     r.estimator.Status(),
		Queue:        qs,
		Connectivity: r.monitor.State(),
	}, nil
}

func (r *Runner) offsetLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.OffsetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if !r.monitor.IsOnline() {
				continue
			}
			if _, err := r.estimator.Recalculate(ctx); err != nil {
				r.logger.Debug("periodic offset measurement failed", "error", err)
			}
		}
	}
}

func (r *Runner) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if !r.monitor.IsOnline() {
			continue
		}
		if _, err := r.queue.Flush(ctx); err != nil {
			r.logger.Error("flush failed", "error", err)
		}
	}
}
