package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the configuration for one racesync station.
type Config struct {
	StationID    string             `toml:"station_id"`
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	Database     DatabaseConfig     `toml:"database"`
	TimeSync     TimeSyncConfig     `toml:"time_sync"`
	Commit       CommitConfig       `toml:"commit"`
	Queue        QueueConfig        `toml:"queue"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Hub          HubConfig          `toml:"hub"`
	Archives     []ArchiveConfig    `toml:"archives"`
	Encryption   EncryptionConfig   `toml:"encryption"`
}

// DatabaseConfig represents configuration for the station store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// TimeSyncConfig selects the time authority used for offset estimation.
type TimeSyncConfig struct {
	Type     string   `toml:"type"` // "http" or "websocket"
	URL      string   `toml:"url"`
	Timeout  Duration `toml:"timeout"`
	Interval Duration `toml:"interval"`
}

// CommitConfig points at the race backend's punch endpoint.
type CommitConfig struct {
	URL     string   `toml:"url"`
	Token   string   `toml:"token,omitempty"`   // bearer token
	APIKey  string   `toml:"api_key,omitempty"` // sent as the apikey header
	Timeout Duration `toml:"timeout"`
}

// QueueConfig tunes the offline queue.
type QueueConfig struct {
	FailurePolicy string   `toml:"failure_policy"` // "block" (default) or "skip"
	FlushInterval Duration `toml:"flush_interval"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffCap    Duration `toml:"backoff_cap"`
	BackoffJitter float64  `toml:"backoff_jitter"`
}

// ConnectivityConfig configures the reachability probe and debounce window.
type ConnectivityConfig struct {
	ProbeURL      string   `toml:"probe_url"`
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
	Debounce      Duration `toml:"debounce"`
}

// HubConfig configures `racesync serve`.
type HubConfig struct {
	Addr string `toml:"addr"`
}

// ArchiveConfig represents configuration for a journal archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSArchiveRoot string `toml:"fs_archive_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to seal snapshots.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Duration is a time.Duration written as a Go duration string ("1s", "5m").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(stationID, baseDir string) *Config {
	return &Config{
		StationID: stationID,
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		TimeSync: TimeSyncConfig{
			Type:     "http",
			URL:      "http://localhost:8080/time",
			Timeout:  D(5 * time.Second),
			Interval: D(60 * time.Second),
		},
		Commit: CommitConfig{
			URL:     "http://localhost:8080/punches",
			Timeout: D(10 * time.Second),
		},
		Queue: QueueConfig{
			FailurePolicy: "block",
			FlushInterval: D(5 * time.Second),
			BackoffBase:   D(2 * time.Second),
			BackoffCap:    D(60 * time.Second),
			BackoffJitter: 0.2,
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      "http://localhost:8080/time",
			ProbeInterval: D(5 * time.Second),
			ProbeTimeout:  D(2 * time.Second),
			Debounce:      D(time.Second),
		},
		Hub: HubConfig{Addr: ":8080"},
		Archives: []ArchiveConfig{
			{Type: "filesystem", Name: "local", FSArchiveRoot: filepath.Join(baseDir, "archive")},
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "racesync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "racesync.key"),
		},
	}
}

// Validate checks fields that have no usable zero value.
func (c *Config) Validate() error {
	if c.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	switch c.TimeSync.Type {
	case "http", "websocket":
	default:
		return fmt.Errorf("unknown time_sync type: %q", c.TimeSync.Type)
	}
	if c.TimeSync.URL == "" {
		return fmt.Errorf("time_sync.url is required")
	}
	if c.Commit.URL == "" {
		return fmt.Errorf("commit.url is required")
	}
	switch c.Queue.FailurePolicy {
	case "", "block", "skip":
	default:
		return fmt.Errorf("unknown queue.failure_policy: %q", c.Queue.FailurePolicy)
	}
	if c.Queue.BackoffJitter < 0 || c.Queue.BackoffJitter > 1 {
		return fmt.Errorf("queue.backoff_jitter must be within [0, 1], got %v", c.Queue.BackoffJitter)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry the commit token and S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
