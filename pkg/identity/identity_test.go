package identity

import (
	"path/filepath"
	"testing"

	"street-exploration-engine/pkg/securestore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key, err := securestore.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	dir := t.TempDir()
	return New(filepath.Join(dir, "device.box"), key, filepath.Join(dir, "username.txt"))
}

func TestGetOrCreateDeviceIDIsStableAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	first, err := s.GetOrCreateDeviceID()
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID: %v", err)
	}
	if first == "" {
		t.Fatal("expected a non-empty device id")
	}
	second, err := s.GetOrCreateDeviceID()
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID: %v", err)
	}
	if first != second {
		t.Fatalf("device id changed across calls: %q vs %q", first, second)
	}
}

func TestTwoDevicesGetDistinctIDs(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	idA, _ := a.GetOrCreateDeviceID()
	idB, _ := b.GetOrCreateDeviceID()
	if idA == idB {
		t.Fatal("expected distinct device ids for distinct stores")
	}
}

func TestSetUsernameValidation(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"alice", false},
		{"Alice_42", false},
		{"al", true},              // too short
		{"this-has-a-dash", true}, // invalid char
		{"thisusernameiswaytoolongtobevalid", true},
	}
	for _, tc := range cases {
		err := s.SetUsername(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("SetUsername(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestSetUsernameIsLowercasedAndRewritable(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetUsername("Alice_42"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	got, err := s.Username()
	if err != nil {
		t.Fatalf("Username: %v", err)
	}
	if got != "alice_42" {
		t.Fatalf("Username() = %q, want alice_42", got)
	}

	if err := s.SetUsername("bob_7"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	got, _ = s.Username()
	if got != "bob_7" {
		t.Fatalf("Username() after rewrite = %q, want bob_7", got)
	}
}

func TestUsernameEmptyWhenUnset(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Username()
	if err != nil {
		t.Fatalf("Username: %v", err)
	}
	if got != "" {
		t.Fatalf("Username() = %q, want empty", got)
	}
}

func TestQRCodePNGProducesValidPNGHeader(t *testing.T) {
	s := newTestStore(t)
	png, err := s.QRCodePNG(256)
	if err != nil {
		t.Fatalf("QRCodePNG: %v", err)
	}
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47}
	if len(png) < 4 {
		t.Fatalf("QRCodePNG returned %d bytes, too short", len(png))
	}
	for i, b := range pngMagic {
		if png[i] != b {
			t.Fatalf("QRCodePNG output missing PNG magic header, got %v", png[:4])
		}
	}
}
