package timeauthority

import (
	"fmt"
	"net/http"

	"racesync/internal/config"
	"racesync/internal/station"
)

// NewFromConfig creates the configured time authority.
func NewFromConfig(cfg config.TimeSyncConfig) (station.TimeAuthority, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("time_sync.url is required")
	}
	switch cfg.Type {
	case "http", "":
		return NewHTTPAuthority(cfg.URL, &http.Client{}), nil
	case "websocket":
		return NewWebSocketAuthority(cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown time_sync type: %q", cfg.Type)
	}
}
