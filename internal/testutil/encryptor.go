package testutil

import (
	"racesync/internal/archive"
	"racesync/internal/encryption"
	"racesync/internal/station"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() station.Encryptor {
	return encryption.NewTestEncryptor()
}

// NewTestArchive creates a new in-memory archive for testing.
func NewTestArchive() *archive.MemoryArchive {
	return archive.NewMemoryArchive("test-archive")
}
