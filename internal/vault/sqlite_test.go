package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/devatadev/gokeyward/internal/drm"
)

func testKey(t *testing.T, service string, kid string, fill byte) drm.ContentKey {
	t.Helper()
	key, err := drm.NewContentKey(service, drm.MustKeyID(kid), bytes.Repeat([]byte{fill}, 16))
	if err != nil {
		t.Fatalf("NewContentKey: %v", err)
	}
	return key
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	key := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0xaa)

	v, err := NewSQLite("local", path, false)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := v.Store(ctx, key); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v, err = NewSQLite("local", path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer v.Close()

	got, err := v.Lookup(ctx, "SVC", key.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("key lost across reopen")
	}
	if got.KeyHex() != key.KeyHex() {
		t.Fatalf("key = %s, want %s", got.KeyHex(), key.KeyHex())
	}
}

func TestSQLiteKeepsFirstWrite(t *testing.T) {
	ctx := context.Background()
	v, err := NewSQLite("local", filepath.Join(t.TempDir(), "vault.db"), false)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer v.Close()

	first := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0x11)
	second := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0x22)

	if err := v.Store(ctx, first); err != nil {
		t.Fatalf("Store first: %v", err)
	}
	if err := v.Store(ctx, second); err != nil {
		t.Fatalf("Store second: %v", err)
	}

	got, err := v.Lookup(ctx, "SVC", first.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil || got.KeyHex() != first.KeyHex() {
		t.Fatalf("got %v, want first write retained", got)
	}

	n, err := v.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestSQLiteServiceIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	v, err := NewSQLite("local", filepath.Join(t.TempDir(), "vault.db"), false)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer v.Close()

	key := testKey(t, "AMZN", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0x33)
	if err := v.Store(ctx, key); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := v.Lookup(ctx, "amzn", key.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("case-folded service missed")
	}
}

func TestSQLiteNullKeyTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	v, err := NewSQLite("local", filepath.Join(t.TempDir(), "vault.db"), false)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer v.Close()

	kid := drm.MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f")
	// Shared vaults use an all-zero key to mean "kid seen, key unknown".
	if _, err := v.db.ExecContext(ctx,
		"INSERT INTO content_keys (service, kid, key) VALUES (?, ?, ?)",
		"svc", kid.Hex(), nullKeyHex,
	); err != nil {
		t.Fatalf("insert null row: %v", err)
	}

	got, err := v.Lookup(ctx, "SVC", kid)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("null key surfaced: %v", got)
	}

	keys, err := v.Keys(ctx, "SVC")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("export surfaced %d keys, want 0", len(keys))
	}
}

func TestSQLiteReadOnly(t *testing.T) {
	ctx := context.Background()
	v, err := NewSQLite("shared", filepath.Join(t.TempDir(), "vault.db"), true)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer v.Close()

	if v.CanWrite() {
		t.Fatal("no_push vault reports writable")
	}
	key := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0x44)
	if err := v.Store(ctx, key); err == nil {
		t.Fatal("expected ErrReadOnly")
	}
}

func TestSQLiteExport(t *testing.T) {
	ctx := context.Background()
	v, err := NewSQLite("local", filepath.Join(t.TempDir(), "vault.db"), false)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer v.Close()

	a := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0x55)
	b := testKey(t, "SVC", "13121110-1514-1716-1819-1a1b1c1d1e1f", 0x66)
	other := testKey(t, "OTHER", "23222120-2524-2726-2829-2a2b2c2d2e2f", 0x77)
	for _, key := range []drm.ContentKey{a, b, other} {
		if err := v.Store(ctx, key); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	keys, err := v.Keys(ctx, "SVC")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
}
