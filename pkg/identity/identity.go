// Package identity manages the device's local identity: a write-once
// random device id, an optional rewritable username, and a QR code
// encoding the device id for pairing (spec.md §4.11, the identity
// surface the Settings screen and sharing flow sit on top of).
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"street-exploration-engine/pkg/securestore"
)

// deviceIDBytes is the amount of randomness backing a device id; base64
// encoding turns this into a 32-character URL-safe token.
const deviceIDBytes = 24

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// Store owns the on-disk device id (encrypted via securestore) and an
// adjacent plaintext username file. Unlike FeatureBitmaskStore this
// package has no concurrent writers to guard against — identity is read
// and written from a single settings-screen flow — so it carries no
// internal lock.
type Store struct {
	secrets      *securestore.Store
	usernamePath string
}

// New returns a Store backed by an encrypted device-id file at
// deviceIDPath (sealed with key) and a plaintext username file at
// usernamePath.
func New(deviceIDPath string, key [32]byte, usernamePath string) *Store {
	return &Store{
		secrets:      securestore.New(deviceIDPath, key),
		usernamePath: usernamePath,
	}
}

// GetOrCreateDeviceID returns the device's persistent id, generating and
// persisting one on first call (spec.md §4.11: "write-once").
func (s *Store) GetOrCreateDeviceID() (string, error) {
	plaintext, ok, err := s.secrets.Load()
	if err != nil {
		return "", err
	}
	if ok {
		return string(plaintext), nil
	}

	id, err := newDeviceID()
	if err != nil {
		return "", err
	}
	if err := s.secrets.Save([]byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func newDeviceID() (string, error) {
	buf := make([]byte, deviceIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate device id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SetUsername validates and stores a new username. Valid usernames are
// 3-20 characters of lowercase letters, digits, or underscore; input is
// lowercased before validation so "Alice_42" and "alice_42" are
// equivalent. Unlike the device id this file is rewritable.
func (s *Store) SetUsername(name string) error {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if !usernamePattern.MatchString(normalized) {
		return fmt.Errorf("identity: invalid username %q: must be 3-20 chars of [a-z0-9_]", name)
	}
	if err := os.WriteFile(s.usernamePath, []byte(normalized), 0o644); err != nil {
		return fmt.Errorf("identity: write username: %w", err)
	}
	return nil
}

// Username returns the stored username, or "" if none has been set.
func (s *Store) Username() (string, error) {
	data, err := os.ReadFile(s.usernamePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("identity: read username: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// QRCodePNG renders the device id as a PNG QR code at the requested
// pixel size. The teacher's own pairing flow (pkg/qrpng) hand-rolls a QR
// encoder and PNG renderer from scratch; this engine keeps the same
// small EncodePNG-shaped API but backs it with the real
// github.com/skip2/go-qrcode library instead, dropping the
// radiation-logo overlay, which has no place in this engine's pairing
// screen.
func (s *Store) QRCodePNG(sizePx int) ([]byte, error) {
	deviceID, err := s.GetOrCreateDeviceID()
	if err != nil {
		return nil, err
	}
	if sizePx <= 0 {
		sizePx = 512
	}
	png, err := qrcode.Encode(deviceID, qrcode.High, sizePx)
	if err != nil {
		return nil, fmt.Errorf("identity: encode qr code: %w", err)
	}
	return png, nil
}
