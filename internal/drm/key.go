package drm

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// KeyID is the canonical big-endian 16-byte identifier of one content key.
// Key IDs sourced from PlayReady GUIDs must go through KeyIDFromGUID so the
// same key surfaces under one identifier regardless of the reporting system.
type KeyID uuid.UUID

// KeyIDFromBytes builds a KeyID from 16 big-endian bytes.
func KeyIDFromBytes(b []byte) (KeyID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return KeyID{}, fmt.Errorf("key id from bytes: %w", err)
	}
	return KeyID(id), nil
}

// KeyIDFromGUID builds a KeyID from a 16-byte mixed-endian GUID as embedded
// in PlayReady headers: the first three fields are little-endian and are
// byte-swapped into plain big-endian form, the remaining 8 bytes pass through.
func KeyIDFromGUID(b []byte) (KeyID, error) {
	if len(b) != 16 {
		return KeyID{}, fmt.Errorf("key id from guid: got %d bytes, want 16", len(b))
	}
	var be [16]byte
	be[0], be[1], be[2], be[3] = b[3], b[2], b[1], b[0]
	be[4], be[5] = b[5], b[4]
	be[6], be[7] = b[7], b[6]
	copy(be[8:], b[8:])
	return KeyID(be), nil
}

// MustKeyID parses a KeyID from its canonical string form. Panics on bad
// input, intended for tests and constants.
func MustKeyID(s string) KeyID {
	return KeyID(uuid.MustParse(s))
}

// GUIDBytes returns the mixed-endian byte form used inside PlayReady headers.
func (k KeyID) GUIDBytes() []byte {
	b := k[:]
	return []byte{
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15],
	}
}

func (k KeyID) Bytes() []byte { return append([]byte(nil), k[:]...) }

// Hex returns the 32-char lowercase hex form used by vault backends.
func (k KeyID) Hex() string { return hex.EncodeToString(k[:]) }

func (k KeyID) String() string { return uuid.UUID(k).String() }

// IsZero reports whether the KeyID is all zeroes.
func (k KeyID) IsZero() bool { return k == KeyID{} }

// ContentKey is the symmetric key decrypting media protected under ID,
// namespaced by the service it was obtained from. Immutable value object.
type ContentKey struct {
	ID      KeyID
	Key     [16]byte
	Service string
}

// NewContentKey builds a ContentKey from raw key bytes. All-zero keys are
// rejected: they are the convention for "no key" in shared vaults.
func NewContentKey(service string, id KeyID, key []byte) (ContentKey, error) {
	if len(key) != 16 {
		return ContentKey{}, fmt.Errorf("content key for %s: got %d bytes, want 16", id, len(key))
	}
	ck := ContentKey{ID: id, Service: service}
	copy(ck.Key[:], key)
	if ck.Key == [16]byte{} {
		return ContentKey{}, fmt.Errorf("content key for %s is null", id)
	}
	return ck, nil
}

// KeyHex returns the full key in hex. Only for handing off to vault backends
// and decrypters, never for logging.
func (c ContentKey) KeyHex() string { return hex.EncodeToString(c.Key[:]) }

// String redacts the key material.
func (c ContentKey) String() string {
	return fmt.Sprintf("%s:%x… (%s)", c.ID.Hex(), c.Key[:2], c.Service)
}
