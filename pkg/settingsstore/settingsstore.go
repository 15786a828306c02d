// Package settingsstore persists the small set of user-editable runtime
// settings the Settings screen exposes (spec.md §4.11): whether sharing
// is enabled and the locally chosen username.
package settingsstore

import (
	"encoding/json"
	"fmt"
	"os"
)

// Explore carries the settings namespace this engine currently owns.
// It is nested under a top-level key so a host application's own
// settings file can grow other namespaces beside it without collision.
type Explore struct {
	SharingEnabled bool   `json:"sharingEnabled"`
	Username       string `json:"username"`
}

// Settings is the on-disk document shape.
type Settings struct {
	Explore Explore `json:"explore"`
}

// Store loads and saves a Settings document at a fixed path.
type Store struct {
	path string
}

// New returns a Store backed by path. The file need not exist yet; Load
// returns the zero-value Settings (sharing disabled, no username) in
// that case.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the settings document, returning the defaults if the file
// does not yet exist.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("settingsstore: read %s: %w", s.path, err)
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return Settings{}, fmt.Errorf("settingsstore: parse %s: %w", s.path, err)
	}
	return out, nil
}

// Save writes settings to disk as indented JSON.
func (s *Store) Save(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("settingsstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("settingsstore: write %s: %w", s.path, err)
	}
	return nil
}

// SetSharingEnabled loads, updates, and saves the sharing flag in one
// call, the shape the Settings screen's toggle handler wants.
func (s *Store) SetSharingEnabled(enabled bool) error {
	settings, err := s.Load()
	if err != nil {
		return err
	}
	settings.Explore.SharingEnabled = enabled
	return s.Save(settings)
}

// SetUsername loads, updates, and saves the username in one call.
func (s *Store) SetUsername(username string) error {
	settings, err := s.Load()
	if err != nil {
		return err
	}
	settings.Explore.Username = username
	return s.Save(settings)
}
