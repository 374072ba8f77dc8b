package drm

import (
	"bytes"
	"strings"
	"testing"
)

func TestKeyIDFromGUIDSwapsFields(t *testing.T) {
	guid := []byte{
		0x00, 0x01, 0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b,
		0x0c, 0x0d, 0x0e, 0x0f,
	}
	kid, err := KeyIDFromGUID(guid)
	if err != nil {
		t.Fatalf("KeyIDFromGUID: %v", err)
	}
	if got, want := kid.String(), "03020100-0504-0706-0809-0a0b0c0d0e0f"; got != want {
		t.Fatalf("canonical form = %s, want %s", got, want)
	}
	if !bytes.Equal(kid.GUIDBytes(), guid) {
		t.Fatalf("GUIDBytes round trip = %x, want %x", kid.GUIDBytes(), guid)
	}
}

func TestKeyIDFromGUIDRejectsShortInput(t *testing.T) {
	if _, err := KeyIDFromGUID([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte guid")
	}
}

func TestKeyIDFromBytesKeepsByteOrder(t *testing.T) {
	raw := []byte{
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17,
		0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f,
	}
	kid, err := KeyIDFromBytes(raw)
	if err != nil {
		t.Fatalf("KeyIDFromBytes: %v", err)
	}
	if got, want := kid.Hex(), "101112131415161718191a1b1c1d1e1f"; got != want {
		t.Fatalf("hex = %s, want %s", got, want)
	}
	if kid.IsZero() {
		t.Fatal("kid reported zero")
	}
}

func TestSameKeyUnderBothRepresentations(t *testing.T) {
	// A PlayReady GUID and the equivalent big-endian bytes must collapse to
	// one identifier.
	be := []byte{
		0x03, 0x02, 0x01, 0x00, 0x05, 0x04, 0x07, 0x06,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}
	guid := []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}
	a, err := KeyIDFromBytes(be)
	if err != nil {
		t.Fatalf("KeyIDFromBytes: %v", err)
	}
	b, err := KeyIDFromGUID(guid)
	if err != nil {
		t.Fatalf("KeyIDFromGUID: %v", err)
	}
	if a != b {
		t.Fatalf("identifiers diverged: %s vs %s", a, b)
	}
}

func TestNewContentKeyValidation(t *testing.T) {
	kid := MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f")

	if _, err := NewContentKey("TEST", kid, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewContentKey("TEST", kid, make([]byte, 16)); err == nil {
		t.Fatal("expected error for null key")
	}

	raw := bytes.Repeat([]byte{0xab}, 16)
	key, err := NewContentKey("TEST", kid, raw)
	if err != nil {
		t.Fatalf("NewContentKey: %v", err)
	}
	if key.KeyHex() != strings.Repeat("ab", 16) {
		t.Fatalf("KeyHex = %s", key.KeyHex())
	}
}

func TestContentKeyStringRedacts(t *testing.T) {
	kid := MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f")
	key, err := NewContentKey("TEST", kid, bytes.Repeat([]byte{0xcd}, 16))
	if err != nil {
		t.Fatalf("NewContentKey: %v", err)
	}
	s := key.String()
	if strings.Contains(s, key.KeyHex()) {
		t.Fatalf("String leaks full key material: %s", s)
	}
	if !strings.Contains(s, kid.Hex()) {
		t.Fatalf("String missing key id: %s", s)
	}
}
