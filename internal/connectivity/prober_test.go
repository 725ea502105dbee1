package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"racesync/internal/config"
	"racesync/internal/station"
)

func newTestProber(t *testing.T, url string) *Prober {
	t.Helper()
	p, err := NewProber(config.ConnectivityConfig{
		ProbeURL:      url,
		ProbeInterval: config.D(10 * time.Millisecond),
		ProbeTimeout:  config.D(200 * time.Millisecond),
	}, station.RealClock{}, station.NewNopLogger())
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	return p
}

func TestProber_Probe(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodHead {
				t.Errorf("method = %s, want HEAD", r.Method)
			}
		}))
		defer srv.Close()

		res := newTestProber(t, srv.URL).Probe(context.Background())
		if !res.OK || res.Err != nil {
			t.Errorf("Probe() = %+v, want OK", res)
		}
		if res.Target != srv.URL {
			t.Errorf("Target = %q, want %q", res.Target, srv.URL)
		}
		if res.CheckedAt.IsZero() {
			t.Error("CheckedAt is zero")
		}
	})

	t.Run("error status still reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		if res := newTestProber(t, srv.URL).Probe(context.Background()); !res.OK {
			t.Errorf("Probe() = %+v, want OK", res)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		res := newTestProber(t, url).Probe(context.Background())
		if res.OK || res.Err == nil {
			t.Errorf("Probe() = %+v, want failure", res)
		}
	})
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []bool
}

func (r *recordingReporter) Report(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, online)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func TestProber_Run(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	p := newTestProber(t, srv.URL)
	rep := &recordingReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, rep)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rep.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.reports) < 3 {
		t.Fatalf("got %d reports, want at least 3", len(rep.reports))
	}
	for i, online := range rep.reports {
		if !online {
			t.Errorf("report %d = offline, want online", i)
		}
	}
}

func TestNewProber_RequiresURL(t *testing.T) {
	if _, err := NewProber(config.ConnectivityConfig{}, station.RealClock{}, station.NewNopLogger()); err == nil {
		t.Error("NewProber() without probe_url expected error")
	}
}
