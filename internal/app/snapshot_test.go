package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"racesync/internal/config"
	"racesync/internal/encryption"
	"racesync/internal/station"
	"racesync/internal/testutil"
)

func TestSealSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "station.db")
	want := bytes.Repeat([]byte("SQLite format 3\x00 journal page "), 4096)
	if err := os.WriteFile(src, want, 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		enc        func(t *testing.T) station.Encryptor
		passphrase string
	}{
		{
			name: "test encryptor",
			enc:  func(*testing.T) station.Encryptor { return testutil.NewTestEncryptor() },
		},
		{
			name: "age encryptor",
			enc: func(t *testing.T) station.Encryptor {
				keys := t.TempDir()
				enc := encryption.NewAgeEncryptor(config.EncryptionConfig{
					Type:           "age",
					PublicKeyPath:  filepath.Join(keys, "racesync.pub"),
					PrivateKeyPath: filepath.Join(keys, "racesync.key"),
				})
				if err := enc.Setup("correct horse"); err != nil {
					t.Fatalf("Setup() error = %v", err)
				}
				return enc
			},
			passphrase: "correct horse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.enc(t)

			var sealed bytes.Buffer
			if err := sealSnapshot(src, enc, &sealed); err != nil {
				t.Fatalf("sealSnapshot() error = %v", err)
			}
			if sealed.Len() >= len(want)/4 {
				t.Errorf("sealed snapshot is %d bytes for %d bytes of repetitive input; not compressed", sealed.Len(), len(want))
			}

			dec, err := enc.Unlock(tt.passphrase)
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var got bytes.Buffer
			if err := openSnapshot(&sealed, dec, &got); err != nil {
				t.Fatalf("openSnapshot() error = %v", err)
			}
			if !bytes.Equal(got.Bytes(), want) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", got.Len(), len(want))
			}
		})
	}
}

func TestOpenSnapshot_Corrupt(t *testing.T) {
	dec := encryption.TestDecryptionContext{}
	var out bytes.Buffer
	if err := openSnapshot(bytes.NewReader([]byte("garbage")), dec, &out); err == nil {
		t.Error("openSnapshot() of garbage succeeded")
	}
}

func TestUploadSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "station.db")
	if err := os.WriteFile(src, []byte("snapshot body"), 0600); err != nil {
		t.Fatal(err)
	}

	arch := testutil.NewTestArchive()
	if err := uploadSnapshot(arch, testutil.NewTestEncryptor(), "cp-3", src, 7); err != nil {
		t.Fatalf("uploadSnapshot() error = %v", err)
	}

	version, err := arch.SnapshotVersion("cp-3")
	if err != nil || version != 7 {
		t.Fatalf("SnapshotVersion() = %d, %v; want 7", version, err)
	}

	var sealed, got bytes.Buffer
	if err := arch.GetSnapshot("cp-3", &sealed); err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if err := openSnapshot(&sealed, encryption.TestDecryptionContext{}, &got); err != nil {
		t.Fatalf("openSnapshot() error = %v", err)
	}
	if got.String() != "snapshot body" {
		t.Errorf("archived snapshot = %q", got.String())
	}
}
