// Package commit sends queued punches to the race backend.
package commit

import "racesync/internal/station"

// PunchRequest is the JSON body of POST /punches.
type PunchRequest struct {
	ID           string `json:"id"`
	StationID    string `json:"station_id"`
	RunnerID     string `json:"runner_id"`
	CheckpointID string `json:"checkpoint_id"`
	RecordedAtMs int64  `json:"recorded_at_ms"`
	LocalAtMs    int64  `json:"local_at_ms"`
	OffsetMs     int64  `json:"offset_ms"`
}

// ErrorResponse is the body the backend sends with a non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IdempotencyHeader carries the operation ID so a replayed commit is recognized.
const IdempotencyHeader = "Idempotency-Key"

// NewPunchRequest builds the wire body for op.
func NewPunchRequest(op *station.QueuedOperation) PunchRequest {
	return PunchRequest{
		ID:           op.ID,
		StationID:    op.Payload.StationID,
		RunnerID:     op.Payload.RunnerID,
		CheckpointID: op.Payload.CheckpointID,
		RecordedAtMs: op.Payload.RecordedAt.UnixMilli(),
		LocalAtMs:    op.Payload.LocalAt.UnixMilli(),
		OffsetMs:     op.OffsetMillis,
	}
}
