// Package vault stores previously obtained content keys across heterogeneous
// backends and aggregates them behind one ordered lookup/store interface.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/devatadev/gokeyward/internal/drm"
)

// ErrReadOnly is returned by Store on a vault configured with no_push.
var ErrReadOnly = errors.New("vault is read-only")

// Vault is one key storage backend. Lookup returns (nil, nil) on a clean
// miss; backend connectivity failures come back as errors and are treated as
// soft misses by the aggregator. Implementations manage their own
// connections and must be safe for concurrent use.
type Vault interface {
	Name() string
	// CanWrite reports whether Store is permitted (no_push sets it false).
	CanWrite() bool
	Lookup(ctx context.Context, service string, kid drm.KeyID) (*drm.ContentKey, error)
	Store(ctx context.Context, key drm.ContentKey) error
}

// Config is one vault record from configuration.
type Config struct {
	Type   string `yaml:"type"` // sqlite | api
	Name   string `yaml:"name"`
	Path   string `yaml:"path,omitempty"`
	URI    string `yaml:"uri,omitempty"`
	Token  string `yaml:"token,omitempty"`
	NoPush bool   `yaml:"no_push,omitempty"`
}

// New constructs a vault from its configuration record.
func New(cfg Config) (Vault, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLite(cfg.Name, cfg.Path, cfg.NoPush)
	case "api":
		return NewAPI(cfg.Name, cfg.URI, cfg.Token, cfg.NoPush), nil
	default:
		return nil, fmt.Errorf("unknown vault type %q for %s", cfg.Type, cfg.Name)
	}
}
