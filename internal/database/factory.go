package database

import (
	"fmt"
	"os"
	"path/filepath"

	"racesync/internal/config"
	"racesync/internal/station"
)

// NewStoreFromConfig opens the station store named by the database config type.
// The schema is not migrated here.
func NewStoreFromConfig(cfg config.DatabaseConfig, stationID string, clock station.Clock) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, stationID+".db"), clock)
	case "memory":
		return NewSQLiteStore(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %q", cfg.Type)
	}
}
