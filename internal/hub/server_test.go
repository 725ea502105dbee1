package hub_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"racesync/internal/commit"
	"racesync/internal/config"
	"racesync/internal/hub"
	"racesync/internal/station"
	"racesync/internal/testutil"
	"racesync/internal/timeauthority"
)

func newTestHub(t *testing.T) (*hub.Server, *httptest.Server, *testutil.StubClock) {
	t.Helper()
	clock := testutil.FixedClock()
	h := hub.NewServer(clock, station.NewNopLogger())
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv, clock
}

func TestServer_Time(t *testing.T) {
	_, srv, clock := newTestHub(t)

	t.Run("http", func(t *testing.T) {
		got, err := timeauthority.NewHTTPAuthority(srv.URL+"/time", srv.Client()).ServerTime(context.Background())
		if err != nil {
			t.Fatalf("ServerTime() error = %v", err)
		}
		if !got.Equal(clock.Now()) {
			t.Errorf("ServerTime() = %v, want %v", got, clock.Now())
		}
	})

	t.Run("websocket", func(t *testing.T) {
		a := timeauthority.NewWebSocketAuthority("ws" + strings.TrimPrefix(srv.URL, "http") + "/time/ws")
		defer a.Close()

		got, err := a.ServerTime(context.Background())
		if err != nil {
			t.Fatalf("ServerTime() error = %v", err)
		}
		if !got.Equal(clock.Now()) {
			t.Errorf("ServerTime() = %v, want %v", got, clock.Now())
		}
	})

	t.Run("head for probes", func(t *testing.T) {
		resp, err := srv.Client().Head(srv.URL + "/time")
		if err != nil {
			t.Fatalf("HEAD /time error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("HEAD /time status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestServer_PostPunch(t *testing.T) {
	valid := commit.PunchRequest{
		ID:           "op-1",
		StationID:    "station-1",
		RunnerID:     "r1",
		CheckpointID: "cp1",
		RecordedAtMs: 1705314600000,
	}

	tests := []struct {
		name   string
		mutate func(*commit.PunchRequest)
		status int
	}{
		{name: "missing runner", mutate: func(p *commit.PunchRequest) { p.RunnerID = "" }, status: http.StatusUnprocessableEntity},
		{name: "missing checkpoint", mutate: func(p *commit.PunchRequest) { p.CheckpointID = " " }, status: http.StatusUnprocessableEntity},
		{name: "zero recorded time", mutate: func(p *commit.PunchRequest) { p.RecordedAtMs = 0 }, status: http.StatusUnprocessableEntity},
		{name: "accepted", mutate: func(*commit.PunchRequest) {}, status: http.StatusCreated},
		{name: "duplicate", mutate: func(*commit.PunchRequest) {}, status: http.StatusConflict},
	}

	h, srv, _ := newTestHub(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			body, _ := json.Marshal(p)

			resp, err := srv.Client().Post(srv.URL+"/punches", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("POST /punches error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	if got := h.Punches(); len(got) != 1 || got[0].ID != "op-1" {
		t.Errorf("Punches() = %+v, want only op-1", got)
	}

	t.Run("malformed body", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL+"/punches", "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatalf("POST /punches error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

// TestServer_WithCommitter drives the hub through the real commit client so
// both sides agree on status classification.
func TestServer_WithCommitter(t *testing.T) {
	h, srv, clock := newTestHub(t)

	c, err := commit.NewHTTPCommitter(config.CommitConfig{URL: srv.URL + "/punches"})
	if err != nil {
		t.Fatalf("NewHTTPCommitter() error = %v", err)
	}

	op := &station.QueuedOperation{
		ID: "op-7",
		Payload: station.Punch{
			StationID:    "station-1",
			RunnerID:     "r7",
			CheckpointID: "finish",
			LocalAt:      clock.Now(),
			RecordedAt:   clock.Now().Add(40 * time.Millisecond),
		},
		OffsetMillis: 40,
	}

	if err := c.Commit(context.Background(), op); err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}
	if err := c.Commit(context.Background(), op); err != nil {
		t.Errorf("replayed Commit() error = %v, want nil", err)
	}

	bad := *op
	bad.ID = "op-8"
	bad.Payload.RunnerID = ""
	err = c.Commit(context.Background(), &bad)
	if !errors.Is(err, station.ErrValidation) {
		t.Errorf("Commit(invalid) error = %v, want ErrValidation", err)
	}

	got := h.Punches()
	if len(got) != 1 {
		t.Fatalf("Punches() = %d, want 1", len(got))
	}
	if got[0].OffsetMs != 40 || got[0].RecordedAtMs != clock.Now().UnixMilli()+40 {
		t.Errorf("Punches()[0] = %+v", got[0])
	}
}

func TestServer_ListenAndServe(t *testing.T) {
	h := hub.NewServer(testutil.FixedClock(), station.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe() did not return after cancel")
	}
}
