package testutil

import (
	"testing"

	"racesync/internal/database"
	"racesync/internal/station"
)

// NewTestStore creates an in-memory station store with the schema applied.
// The store is closed when the test completes.
func NewTestStore(t *testing.T, clock station.Clock) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	return s
}
