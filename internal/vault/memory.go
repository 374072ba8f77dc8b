package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/devatadev/gokeyward/internal/drm"
)

type memoryKey struct {
	service string
	kid     drm.KeyID
}

// Memory is an in-process vault tier. Used as the daemon's hot tier and as a
// test double.
type Memory struct {
	name   string
	noPush bool

	mu   sync.RWMutex
	keys map[memoryKey]drm.ContentKey
}

func NewMemory(name string, noPush bool) *Memory {
	return &Memory{
		name:   name,
		noPush: noPush,
		keys:   make(map[memoryKey]drm.ContentKey),
	}
}

func (v *Memory) Name() string   { return v.name }
func (v *Memory) CanWrite() bool { return !v.noPush }

func (v *Memory) Lookup(ctx context.Context, service string, kid drm.KeyID) (*drm.ContentKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.keys[memoryKey{strings.ToLower(service), kid}]
	if !ok {
		return nil, nil
	}
	return &key, nil
}

func (v *Memory) Store(ctx context.Context, key drm.ContentKey) error {
	if v.noPush {
		return fmt.Errorf("vault %s: %w", v.name, ErrReadOnly)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	id := memoryKey{strings.ToLower(key.Service), key.ID}
	if _, exists := v.keys[id]; exists {
		return nil
	}
	v.keys[id] = key
	return nil
}

// Len reports the number of stored keys.
func (v *Memory) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}
