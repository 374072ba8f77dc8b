package vault

import (
	"context"

	"go.uber.org/zap"

	"github.com/devatadev/gokeyward/internal/drm"
	"github.com/devatadev/gokeyward/internal/logging"
)

// Aggregator presents an ordered set of vaults as one cache tier. The vault
// list is fixed at construction and shared process-wide; ordering is the
// caller's configured priority.
type Aggregator struct {
	vaults []Vault
	log    *zap.Logger
}

func NewAggregator(log *zap.Logger, vaults ...Vault) *Aggregator {
	return &Aggregator{
		vaults: vaults,
		log:    log.With(logging.Component("vaults")),
	}
}

func (a *Aggregator) Len() int { return len(a.vaults) }

// Lookup queries vaults in configured order and returns the first hit.
// Backend failures are soft: logged and treated as misses so one unreachable
// vault never blocks resolution.
func (a *Aggregator) Lookup(ctx context.Context, service string, kid drm.KeyID) (*drm.ContentKey, bool) {
	for i, v := range a.vaults {
		key, err := v.Lookup(ctx, service, kid)
		if err != nil {
			a.log.Warn("vault lookup failed, treating as miss",
				logging.Vault(v.Name()), logging.KID(kid.Hex()), zap.Error(err))
			continue
		}
		if key == nil {
			continue
		}
		if i > 0 {
			// No write-back to earlier tiers here; resync is a separate job.
			a.log.Info("hit on lower-priority vault, consider resyncing",
				logging.Vault(v.Name()), logging.KID(kid.Hex()))
		}
		return key, true
	}
	return nil, false
}

// Store writes the key to every write-capable vault. Individual failures are
// logged, not propagated: a partially populated cache beats none. Returns
// true when at least one write succeeded.
func (a *Aggregator) Store(ctx context.Context, key drm.ContentKey) bool {
	stored := false
	for _, v := range a.vaults {
		if !v.CanWrite() {
			continue
		}
		if err := v.Store(ctx, key); err != nil {
			a.log.Warn("vault store failed",
				logging.Vault(v.Name()), logging.KID(key.ID.Hex()), zap.Error(err))
			continue
		}
		stored = true
	}
	return stored
}

// StoreAll stores a batch, returning how many keys reached at least one
// vault.
func (a *Aggregator) StoreAll(ctx context.Context, keys []drm.ContentKey) int {
	stored := 0
	for _, key := range keys {
		if a.Store(ctx, key) {
			stored++
		}
	}
	return stored
}
