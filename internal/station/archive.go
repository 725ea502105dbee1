package station

import "io"

// Archive stores encrypted snapshots of a station's journal database off-device.
type Archive interface {
	// PutSnapshot uploads a snapshot, replacing any earlier one for the station.
	PutSnapshot(stationID string, r io.Reader, size int64, version int64) error

	// GetSnapshot streams the latest snapshot for the station into w.
	GetSnapshot(stationID string, w io.Writer) error

	// SnapshotVersion returns the version of the latest snapshot, or 0 if none exists.
	SnapshotVersion(stationID string) (int64, error)

	// ValidateSetup checks the archive is reachable and writable.
	ValidateSetup() error
}
