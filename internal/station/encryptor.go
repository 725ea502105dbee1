package station

import "io"

// Encryptor seals journal snapshots before they leave the device.
// Sealing needs only the public key; opening needs the passphrase.
type Encryptor interface {
	// Setup generates the station key pair and protects the private key
	// with passphrase. Called by `racesync keys init`.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock opens the private key for a fetch session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether keys exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
