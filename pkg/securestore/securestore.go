// Package securestore persists small secrets — currently just the
// device identity — encrypted at rest with
// golang.org/x/crypto/nacl/secretbox. The engine's other use of x/crypto
// (an acme/autocert TLS layer) has no home here since this
// engine ships no HTTP server of its own; secretbox is the same module's
// symmetric-encryption primitive, reused for local file protection
// instead of transport security.
package securestore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32
const nonceSize = 24

// Store encrypts and decrypts a single secret file with a fixed
// symmetric key. The key is expected to come from a platform keychain or
// an operator-provisioned file outside this package's scope; Store only
// handles the box/open and file IO around it.
type Store struct {
	path string
	key  [keySize]byte
}

// New returns a Store that reads/writes path, sealed with key. key must
// be exactly 32 bytes (NewKey generates a suitable one).
func New(path string, key [keySize]byte) *Store {
	return &Store{path: path, key: key}
}

// NewKey generates a fresh random 32-byte secretbox key.
func NewKey() ([keySize]byte, error) {
	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("securestore: generate key: %w", err)
	}
	return key, nil
}

// Save encrypts plaintext and writes it to the store's path as
// nonce||box, base64-encoded so the file stays editable/transportable as
// text.
func (s *Store) Save(plaintext []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("securestore: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := os.WriteFile(s.path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("securestore: write %s: %w", s.path, err)
	}
	return nil
}

// Load decrypts and returns the plaintext previously written by Save. A
// missing file returns (nil, false, nil) so callers can treat "never
// provisioned" as a normal, non-error state.
func (s *Store) Load() (plaintext []byte, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("securestore: read %s: %w", s.path, err)
	}

	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, false, fmt.Errorf("securestore: decode %s: %w", s.path, err)
	}
	if len(sealed) < nonceSize {
		return nil, false, fmt.Errorf("securestore: %s is truncated", s.path)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	out, okOpen := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !okOpen {
		return nil, false, fmt.Errorf("securestore: %s failed authentication (wrong key or corrupted)", s.path)
	}
	return out, true, nil
}
