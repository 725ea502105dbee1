package app

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"

	"racesync/internal/station"
)

// sealSnapshot compresses the database file at srcPath with snappy framing,
// encrypts the stream, and writes the result to dst.
func sealSnapshot(srcPath string, enc station.Encryptor, dst io.Writer) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	go func() {
		zw := snappy.NewBufferedWriter(pw)
		if _, err := io.Copy(zw, src); err != nil {
			pw.CloseWithError(fmt.Errorf("compressing snapshot: %w", err))
			return
		}
		pw.CloseWithError(zw.Close())
	}()

	if err := enc.Encrypt(pr, dst); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	return nil
}

// openSnapshot reverses sealSnapshot.
func openSnapshot(src io.Reader, dec station.DecryptionContext, dst io.Writer) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(dec.Decrypt(src, pw))
	}()

	if _, err := io.Copy(dst, snappy.NewReader(pr)); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("unpacking snapshot: %w", err)
	}
	return nil
}

// uploadSnapshot seals the database at dbPath and stores it in the archive
// under version.
func uploadSnapshot(archive station.Archive, enc station.Encryptor, stationID, dbPath string, version int64) error {
	sealed, err := os.CreateTemp("", "racesync-snapshot-*.sealed")
	if err != nil {
		return fmt.Errorf("creating temp file for sealed snapshot: %w", err)
	}
	defer os.Remove(sealed.Name())
	defer sealed.Close()

	if err := sealSnapshot(dbPath, enc, sealed); err != nil {
		return err
	}

	size, err := sealed.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sizing sealed snapshot: %w", err)
	}
	if _, err := sealed.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding sealed snapshot: %w", err)
	}

	if err := archive.PutSnapshot(stationID, sealed, size, version); err != nil {
		return fmt.Errorf("uploading snapshot to archive: %w", err)
	}
	return nil
}
