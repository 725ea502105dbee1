package commit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"racesync/internal/config"
	"racesync/internal/station"
)

var localAt = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func testOp() *station.QueuedOperation {
	return &station.QueuedOperation{
		ID: "op-1",
		Payload: station.Punch{
			StationID:    "station-1",
			RunnerID:     "r42",
			CheckpointID: "cp3",
			LocalAt:      localAt,
			RecordedAt:   localAt.Add(150 * time.Millisecond),
		},
		OffsetMillis: 150,
	}
}

func TestHTTPCommitter_Request(t *testing.T) {
	var got PunchRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := NewHTTPCommitter(config.CommitConfig{URL: srv.URL, Token: "tok", APIKey: "key"})
	if err != nil {
		t.Fatalf("NewHTTPCommitter() error = %v", err)
	}
	if err := c.Commit(context.Background(), testOp()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	want := PunchRequest{
		ID:           "op-1",
		StationID:    "station-1",
		RunnerID:     "r42",
		CheckpointID: "cp3",
		RecordedAtMs: localAt.UnixMilli() + 150,
		LocalAtMs:    localAt.UnixMilli(),
		OffsetMs:     150,
	}
	if got != want {
		t.Errorf("body = %+v, want %+v", got, want)
	}
	if h := headers.Get("Authorization"); h != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", h, "Bearer tok")
	}
	if h := headers.Get("apikey"); h != "key" {
		t.Errorf("apikey = %q, want key", h)
	}
	if h := headers.Get(IdempotencyHeader); h != "op-1" {
		t.Errorf("%s = %q, want op-1", IdempotencyHeader, h)
	}
}

func TestHTTPCommitter_Classification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantMsg string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "created", status: http.StatusCreated},
		{name: "duplicate is success", status: http.StatusConflict},
		{name: "server error retries", status: http.StatusInternalServerError, wantErr: station.ErrNetwork},
		{name: "unavailable retries", status: http.StatusServiceUnavailable, wantErr: station.ErrNetwork},
		{name: "rate limited retries", status: http.StatusTooManyRequests, wantErr: station.ErrNetwork},
		{name: "request timeout retries", status: http.StatusRequestTimeout, wantErr: station.ErrNetwork},
		{
			name:    "unprocessable is terminal",
			status:  http.StatusUnprocessableEntity,
			body:    `{"error":"runner_id is required"}`,
			wantErr: station.ErrValidation,
			wantMsg: "runner_id is required",
		},
		{name: "bad request is terminal", status: http.StatusBadRequest, body: "bad", wantErr: station.ErrValidation, wantMsg: "bad"},
		{name: "unauthorized is terminal", status: http.StatusUnauthorized, wantErr: station.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := NewHTTPCommitter(config.CommitConfig{URL: srv.URL})
			err := c.Commit(context.Background(), testOp())

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Commit() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Commit() error = %v, want %v", err, tt.wantErr)
			}
			var ce *station.CommitError
			if !errors.As(err, &ce) {
				t.Fatalf("Commit() error %T is not *CommitError", err)
			}
			if ce.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ce.StatusCode, tt.status)
			}
			if tt.wantMsg != "" && ce.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", ce.Message, tt.wantMsg)
			}
		})
	}
}

func TestHTTPCommitter_TransportErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, _ := NewHTTPCommitter(config.CommitConfig{URL: url})
		err := c.Commit(context.Background(), testOp())
		if !errors.Is(err, station.ErrNetwork) {
			t.Errorf("Commit() error = %v, want ErrNetwork", err)
		}
		if !station.Retryable(err) {
			t.Error("Retryable() = false for unreachable backend")
		}
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c, _ := NewHTTPCommitter(config.CommitConfig{URL: srv.URL})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := c.Commit(ctx, testOp())
		if !errors.Is(err, station.ErrTimeout) {
			t.Errorf("Commit() error = %v, want ErrTimeout", err)
		}
	})
}

func TestNewHTTPCommitter_RequiresURL(t *testing.T) {
	if _, err := NewHTTPCommitter(config.CommitConfig{}); err == nil {
		t.Error("NewHTTPCommitter() without url expected error")
	}
}
