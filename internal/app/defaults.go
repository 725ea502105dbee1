package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - RACESYNC_CONFIG_PATH: config file location (default: ~/.config/racesync.toml)
//   - RACESYNC_HOME: base directory for station data (default: ~/.local/share/racesync)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath resolves the config file, preferring RACESYNC_CONFIG_PATH over
// ~/.config/racesync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("RACESYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "racesync.toml"), nil
}

// getBaseDir returns the station data directory, checking RACESYNC_HOME first,
// then falling back to the XDG default ~/.local/share/racesync.
func getBaseDir() (string, error) {
	if path := os.Getenv("RACESYNC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "racesync"), nil
}
