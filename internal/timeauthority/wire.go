// Package timeauthority implements the transports the offset estimator uses
// to ask a server for its current time.
package timeauthority

import "time"

// TimeRequest is the WebSocket request frame.
type TimeRequest struct {
	Type string `json:"type"`
}

// TimeResponse is the body of every time authority reply.
type TimeResponse struct {
	UnixMs int64  `json:"unix_ms"`
	Error  string `json:"error,omitempty"`
}

// Time converts the reply to a time.Time.
func (r TimeResponse) Time() time.Time {
	return time.UnixMilli(r.UnixMs)
}

// NewTimeResponse builds a reply for t.
func NewTimeResponse(t time.Time) TimeResponse {
	return TimeResponse{UnixMs: t.UnixMilli()}
}

const requestTypeTime = "time"
