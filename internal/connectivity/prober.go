// Package connectivity turns periodic reachability probes into reports for
// the station's connectivity monitor.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"racesync/internal/config"
	"racesync/internal/station"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Target    string
	OK        bool
	LatencyMs int64
	Err       error
	CheckedAt time.Time
}

// Reporter receives raw observations. *station.ConnectivityMonitor implements it.
type Reporter interface {
	Report(online bool)
}

// Prober checks reachability with HTTP HEAD. Any response, whatever its
// status, counts as reachable; only transport failures count as offline.
type Prober struct {
	target   string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	clock    station.Clock
	logger   station.Logger
}

// NewProber creates a prober from configuration.
func NewProber(cfg config.ConnectivityConfig, clock station.Clock, logger station.Logger) (*Prober, error) {
	if cfg.ProbeURL == "" {
		return nil, fmt.Errorf("connectivity.probe_url is required")
	}
	p := &Prober{
		target:   cfg.ProbeURL,
		interval: cfg.ProbeInterval.Duration,
		timeout:  cfg.ProbeTimeout.Duration,
		client:   &http.Client{},
		clock:    clock,
		logger:   logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	return p, nil
}

// Probe performs one check.
func (p *Prober) Probe(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	res := ProbeResult{Target: p.target}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		res.Err = fmt.Errorf("creating probe request: %w", err)
		res.CheckedAt = start
		return res
	}

	resp, err := p.client.Do(req)
	res.CheckedAt = p.clock.Now()
	res.LatencyMs = res.CheckedAt.Sub(start).Milliseconds()
	if err != nil {
		res.Err = err
		return res
	}
	resp.Body.Close()

	res.OK = true
	return res
}

// Run probes every interval and reports each result until ctx is done.
// The first probe runs immediately.
func (p *Prober) Run(ctx context.Context, r Reporter) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		res := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if res.Err != nil {
			p.logger.Debug("probe failed", "target", res.Target, "error", res.Err)
		}
		r.Report(res.OK)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
