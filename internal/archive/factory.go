package archive

import (
	"fmt"

	"racesync/internal/config"
	"racesync/internal/station"
)

// NewArchiveFromConfig creates an Archive based on the archive config type.
func NewArchiveFromConfig(cfg config.ArchiveConfig) (station.Archive, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryArchive(cfg.Name), nil
	case "s3":
		return NewS3Archive(cfg)
	case "filesystem":
		if cfg.FSArchiveRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_archive_root to be set")
		}
		return NewFileSystemArchive(cfg.Name, cfg.FSArchiveRoot)
	default:
		return nil, fmt.Errorf("unknown archive type: %q", cfg.Type)
	}
}
