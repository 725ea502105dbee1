// Package hub is a local stand-in for the race backend, used for field
// rehearsals and tests. It serves the time authority endpoints and accepts punches.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"racesync/internal/commit"
	"racesync/internal/station"
	"racesync/internal/timeauthority"
)

// Server holds accepted punches in memory.
type Server struct {
	clock    station.Clock
	logger   station.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	punches map[string]commit.PunchRequest
	order   []string
}

// NewServer creates an empty hub.
func NewServer(clock station.Clock, logger station.Logger) *Server {
	return &Server{
		clock:  clock,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		punches: make(map[string]commit.PunchRequest),
	}
}

// Handler returns the hub's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /time", s.handleTime)
	mux.HandleFunc("GET /time/ws", s.handleTimeWS)
	mux.HandleFunc("POST /punches", s.handlePostPunch)
	mux.HandleFunc("GET /punches", s.handleListPunches)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("hub listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serving hub: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down hub: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Punches returns accepted punches ordered by recorded time.
func (s *Server) Punches() []commit.PunchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]commit.PunchRequest, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.punches[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAtMs < out[j].RecordedAtMs })
	return out
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, timeauthority.NewTimeResponse(s.clock.Now()))
}

func (s *Server) handleTimeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	for {
		var req timeauthority.TimeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp := timeauthority.TimeResponse{Error: "unknown request type: " + req.Type}
		if req.Type == "time" {
			resp = timeauthority.NewTimeResponse(s.clock.Now())
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) handlePostPunch(w http.ResponseWriter, r *http.Request) {
	var p commit.PunchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.ID == "" {
		p.ID = r.Header.Get(commit.IdempotencyHeader)
	}

	if msg := validate(p); msg != "" {
		s.logger.Warn("punch rejected", "id", p.ID, "reason", msg)
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	s.mu.Lock()
	if _, dup := s.punches[p.ID]; dup {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "punch already recorded")
		return
	}
	s.punches[p.ID] = p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()

	s.logger.Info("punch accepted",
		"id", p.ID,
		"station", p.StationID,
		"runner", p.RunnerID,
		"checkpoint", p.CheckpointID,
		"offset_ms", p.OffsetMs)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPunches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Punches())
}

func validate(p commit.PunchRequest) string {
	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(p.RunnerID) == "" {
		missing = append(missing, "runner_id")
	}
	if strings.TrimSpace(p.CheckpointID) == "" {
		missing = append(missing, "checkpoint_id")
	}
	if len(missing) > 0 {
		return strings.Join(missing, ", ") + " required"
	}
	if p.RecordedAtMs <= 0 {
		return "recorded_at_ms must be positive"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, commit.ErrorResponse{Error: msg})
}
