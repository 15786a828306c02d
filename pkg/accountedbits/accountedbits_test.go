package accountedbits

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetAndGet(t *testing.T) {
	b := New(10)
	if b.Get(3) {
		t.Fatal("bit 3 should start clear")
	}
	if err := b.Set(3); err != nil {
		t.Fatalf("Set(3): %v", err)
	}
	if !b.Get(3) {
		t.Fatal("bit 3 should be set")
	}
	if !b.Dirty() {
		t.Fatal("Bitset should be dirty after Set")
	}
}

func TestSetIdempotent(t *testing.T) {
	b := New(10)
	_ = b.Set(1)
	if err := b.Save(filepath.Join(t.TempDir(), "x.pixa")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if b.Dirty() {
		t.Fatal("should not be dirty after Save")
	}
	if err := b.Set(1); err != nil {
		t.Fatalf("Set(1) again: %v", err)
	}
	if b.Dirty() {
		t.Fatal("re-setting an already-set bit should not mark dirty")
	}
}

func TestSetRejectsOutOfRange(t *testing.T) {
	b := New(4)
	if err := b.Set(4); err == nil {
		t.Fatal("expected error setting index >= limit")
	}
	if err := b.Set(-1); err == nil {
		t.Fatal("expected error setting negative index")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.pixa")
	b := New(20)
	for _, i := range []int{0, 1, 7, 8, 15, 19} {
		if err := b.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if err := b.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, 20)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 20; i++ {
		want := false
		for _, s := range []int{0, 1, 7, 8, 15, 19} {
			if s == i {
				want = true
			}
		}
		if loaded.Get(i) != want {
			t.Fatalf("bit %d: got %v, want %v", i, loaded.Get(i), want)
		}
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "missing.pixa"), 8)
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if b.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", b.Count())
	}
}

func TestSaveSkipsWhenNotDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clean.pixa")
	b := New(8)
	if err := b.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("Save should not write a file when the bitset is not dirty")
	}
}

func TestGrowLimitNeverShrinks(t *testing.T) {
	b := New(10)
	b.GrowLimit(20)
	if b.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", b.Len())
	}
	b.GrowLimit(5)
	if b.Len() != 20 {
		t.Fatalf("Len() = %d after shrink attempt, want 20", b.Len())
	}
}

func TestByteLayoutIsLittleEndianWithinByte(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.pixa")
	b := New(8)
	_ = b.Set(0)
	_ = b.Set(3)
	if err := b.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 1 {
		t.Fatalf("expected 1 byte for 8 bits, got %d", len(data))
	}
	want := byte(1<<0 | 1<<3)
	if data[0] != want {
		t.Fatalf("byte = %08b, want %08b", data[0], want)
	}
}
