package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"racesync/internal/station"
)

// testMagic marks data sealed by TestEncryptor.
var testMagic = []byte("RSTEST1\n")

// TestEncryptor is a reversible, deterministic stand-in for AgeEncryptor.
// Sealed output is the plaintext behind a fixed marker line, so tests can
// tell sealed from unsealed bytes without any key material.
type TestEncryptor struct {
	configured bool
}

var _ station.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor returns a TestEncryptor that reports itself configured.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{configured: true}
}

func (e *TestEncryptor) Setup(string) error {
	e.configured = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing marker: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(string) (station.DecryptionContext, error) {
	return TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return e.configured
}

// TestDecryptionContext strips the marker written by TestEncryptor.
type TestDecryptionContext struct{}

func (TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading marker: %w", err)
	}
	if !bytes.Equal(line, testMagic) {
		return fmt.Errorf("data was not sealed by the test encryptor")
	}
	if _, err := io.Copy(w, br); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
