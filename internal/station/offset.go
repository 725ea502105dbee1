package station

import "time"

// Confidence is the qualitative tier derived from the magnitude of a clock offset.
type Confidence string

const (
	ConfidenceAccurate Confidence = "accurate"
	ConfidenceWarning  Confidence = "warning"
	ConfidenceCritical Confidence = "critical"
)

// Tier boundaries are half-open: [0,100ms) accurate, [100ms,1s) warning, [1s,∞) critical.
const (
	WarningThreshold  = 100 * time.Millisecond
	CriticalThreshold = 1000 * time.Millisecond
)

// ClassifyOffset returns the confidence tier for an offset in milliseconds.
// Only the magnitude matters; round-trip time is not considered.
func ClassifyOffset(offsetMillis int64) Confidence {
	if offsetMillis < 0 {
		offsetMillis = -offsetMillis
	}
	switch {
	case offsetMillis >= CriticalThreshold.Milliseconds():
		return ConfidenceCritical
	case offsetMillis >= WarningThreshold.Milliseconds():
		return ConfidenceWarning
	default:
		return ConfidenceAccurate
	}
}

// TimeOffset is one measurement of the device clock against the time authority.
// A positive offset means the device clock is behind the server.
type TimeOffset struct {
	OffsetMillis    int64
	MeasuredAt      time.Time
	RoundTripMillis uint64
	Confidence      Confidence
}

// Offset returns the offset as a duration.
func (o TimeOffset) Offset() time.Duration {
	return time.Duration(o.OffsetMillis) * time.Millisecond
}

// Apply converts a device timestamp into server time.
func (o TimeOffset) Apply(t time.Time) time.Time {
	return t.Add(o.Offset())
}
