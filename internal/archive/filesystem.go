package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"racesync/internal/station"
)

// FileSystemArchive stores snapshots under a directory, typically a mounted
// USB stick or network share:
//
//	<root>/
//	  <stationID>.snap     (sealed snapshot)
//	  <stationID>.version  (journal seq the snapshot was taken at)
type FileSystemArchive struct {
	name string
	root string
}

var _ station.Archive = (*FileSystemArchive)(nil)

// NewFileSystemArchive creates an archive rooted at root, creating it if needed.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	return &FileSystemArchive{name: name, root: root}, nil
}

func (a *FileSystemArchive) snapshotPath(stationID string) string {
	return filepath.Join(a.root, stationID+".snap")
}

func (a *FileSystemArchive) versionPath(stationID string) string {
	return filepath.Join(a.root, stationID+".version")
}

// PutSnapshot writes the snapshot then the version, each with an atomic rename,
// so a reader never sees a version newer than the snapshot beside it.
func (a *FileSystemArchive) PutSnapshot(stationID string, r io.Reader, size int64, version int64) error {
	if err := writeAtomic(a.snapshotPath(stationID), r, size); err != nil {
		return err
	}
	v := strconv.FormatInt(version, 10)
	return writeAtomic(a.versionPath(stationID), strings.NewReader(v), int64(len(v)))
}

func (a *FileSystemArchive) GetSnapshot(stationID string, w io.Writer) error {
	f, err := os.Open(a.snapshotPath(stationID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no snapshot for station %s: %w", stationID, station.ErrNotFound)
		}
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	return nil
}

func (a *FileSystemArchive) SnapshotVersion(stationID string) (int64, error) {
	data, err := os.ReadFile(a.versionPath(stationID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks the root is a writable directory.
func (a *FileSystemArchive) ValidateSetup() error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeAtomic writes r to destPath through a temp file in the same directory.
func writeAtomic(destPath string, r io.Reader, expectedSize int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && written != expectedSize {
		err = fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err == nil {
		err = os.Rename(tmpPath, destPath)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", filepath.Base(destPath), err)
	}
	return nil
}
