package station

import (
	"context"
	"time"
)

// TimeAuthority is a trusted source of server time.
type TimeAuthority interface {
	// ServerTime asks the authority for its current time.
	ServerTime(ctx context.Context) (time.Time, error)
}

// Preparer is implemented by authorities that hold a connection.
// The estimator calls Prepare before sampling T0 so that connection setup
// is not counted in the round trip.
type Preparer interface {
	Prepare(ctx context.Context) error
}
