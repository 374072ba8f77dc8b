package vault

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/devatadev/gokeyward/internal/drm"
)

// nullKeyHex is the shared-vault convention for "kid known, key unknown".
// Null keys are neither returned nor stored.
const nullKeyHex = "00000000000000000000000000000000"

// SQLite is a key vault backed by a locally-accessed sqlite database file.
type SQLite struct {
	name   string
	db     *sql.DB
	noPush bool
}

func NewSQLite(name, path string, noPush bool) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vault %s: %w", name, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("vault %s: exec pragma %q: %w", name, pragma, err)
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS content_keys (
		service TEXT NOT NULL COLLATE NOCASE,
		kid     TEXT NOT NULL COLLATE NOCASE,
		key     TEXT NOT NULL COLLATE NOCASE,
		PRIMARY KEY (service, kid)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault %s: create schema: %w", name, err)
	}

	return &SQLite{name: name, db: db, noPush: noPush}, nil
}

func (v *SQLite) Name() string   { return v.name }
func (v *SQLite) CanWrite() bool { return !v.noPush }

func (v *SQLite) Lookup(ctx context.Context, service string, kid drm.KeyID) (*drm.ContentKey, error) {
	var keyHex string
	err := v.db.QueryRowContext(ctx,
		"SELECT key FROM content_keys WHERE service = ? AND kid = ? AND key <> ?",
		strings.ToLower(service), kid.Hex(), nullKeyHex,
	).Scan(&keyHex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault %s: lookup %s: %w", v.name, kid.Hex(), err)
	}
	return contentKeyFromHex(service, kid, keyHex, v.name)
}

func (v *SQLite) Store(ctx context.Context, key drm.ContentKey) error {
	if v.noPush {
		return fmt.Errorf("vault %s: %w", v.name, ErrReadOnly)
	}
	_, err := v.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO content_keys (service, kid, key) VALUES (?, ?, ?)",
		strings.ToLower(key.Service), key.ID.Hex(), key.KeyHex(),
	)
	if err != nil {
		return fmt.Errorf("vault %s: store %s: %w", v.name, key.ID.Hex(), err)
	}
	return nil
}

// Keys exports every key stored for a service.
func (v *SQLite) Keys(ctx context.Context, service string) ([]drm.ContentKey, error) {
	rows, err := v.db.QueryContext(ctx,
		"SELECT kid, key FROM content_keys WHERE service = ? AND key <> ?",
		strings.ToLower(service), nullKeyHex,
	)
	if err != nil {
		return nil, fmt.Errorf("vault %s: export %s: %w", v.name, service, err)
	}
	defer rows.Close()

	var keys []drm.ContentKey
	for rows.Next() {
		var kidHex, keyHex string
		if err := rows.Scan(&kidHex, &keyHex); err != nil {
			return nil, fmt.Errorf("vault %s: export %s: %w", v.name, service, err)
		}
		kidRaw, err := hex.DecodeString(kidHex)
		if err != nil {
			continue
		}
		kid, err := drm.KeyIDFromBytes(kidRaw)
		if err != nil {
			continue
		}
		ck, err := contentKeyFromHex(service, kid, keyHex, v.name)
		if err != nil {
			continue
		}
		keys = append(keys, *ck)
	}
	return keys, rows.Err()
}

// Count returns the number of stored keys.
func (v *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := v.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM content_keys").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vault %s: count: %w", v.name, err)
	}
	return n, nil
}

func (v *SQLite) Close() error { return v.db.Close() }

func contentKeyFromHex(service string, kid drm.KeyID, keyHex, vaultName string) (*drm.ContentKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("vault %s: corrupt key for %s: %w", vaultName, kid.Hex(), err)
	}
	ck, err := drm.NewContentKey(service, kid, raw)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", vaultName, err)
	}
	return &ck, nil
}
