package archive

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"racesync/internal/station"
)

// MemoryArchive keeps snapshots in memory. Used by tests and the "memory" archive type.
type MemoryArchive struct {
	name string

	mu        sync.RWMutex
	snapshots map[string][]byte
	versions  map[string]int64
}

var _ station.Archive = (*MemoryArchive)(nil)

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive(name string) *MemoryArchive {
	return &MemoryArchive{
		name:      name,
		snapshots: make(map[string][]byte),
		versions:  make(map[string]int64),
	}
}

func (m *MemoryArchive) PutSnapshot(stationID string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[stationID] = data
	m.versions[stationID] = version
	return nil
}

func (m *MemoryArchive) GetSnapshot(stationID string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.snapshots[stationID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no snapshot for station %s: %w", stationID, station.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

func (m *MemoryArchive) SnapshotVersion(stationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[stationID], nil
}

func (m *MemoryArchive) ValidateSetup() error { return nil }
