package settingsstore

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent.json"))
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Explore.SharingEnabled || got.Explore.Username != "" {
		t.Fatalf("Load() = %+v, want zero value", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "settings.json"))
	want := Settings{Explore: Explore{SharingEnabled: true, Username: "alice"}}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestSetSharingEnabledPreservesUsername(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "settings.json"))
	if err := s.SetUsername("bob"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	if err := s.SetSharingEnabled(true); err != nil {
		t.Fatalf("SetSharingEnabled: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Explore.SharingEnabled || got.Explore.Username != "bob" {
		t.Fatalf("Load() = %+v, want sharing=true username=bob", got)
	}
}
