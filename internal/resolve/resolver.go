// Package resolve coordinates content-key resolution: vault cache in front,
// CDM negotiation behind, with concurrent requests for the same header
// coalesced onto a single negotiation.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devatadev/gokeyward/internal/cdm"
	"github.com/devatadev/gokeyward/internal/drm"
	"github.com/devatadev/gokeyward/internal/logging"
	"github.com/devatadev/gokeyward/internal/vault"
)

// MissingKeysError reports the required Key IDs still unresolved after every
// vault and negotiation attempt. Fatal for the affected track only.
type MissingKeysError struct {
	Service string
	KeyIDs  []drm.KeyID
}

func (e *MissingKeysError) Error() string {
	hexes := make([]string, len(e.KeyIDs))
	for i, kid := range e.KeyIDs {
		hexes[i] = kid.Hex()
	}
	return fmt.Sprintf("unresolved key ids for %s: %s", e.Service, strings.Join(hexes, ", "))
}

// Request is one track's key resolution request. License is the track's
// license endpoint callback; Required lists the Key IDs the track cannot be
// decrypted without (empty means any resolved key satisfies the caller).
type Request struct {
	Service  string
	Profile  string
	Header   drm.Header
	Required []drm.KeyID
	License  cdm.LicenseFunc
}

// Resolver is the process-wide orchestrator. The vault aggregator and device
// source are injected once and shared read-only; the in-flight registry is
// the only mutated shared state and is concurrency-safe.
type Resolver struct {
	vaults  *vault.Aggregator
	devices cdm.Source
	timeout time.Duration
	flights singleflight.Group
	log     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithNegotiationTimeout bounds each CDM negotiation. Zero disables the
// bound.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func New(vaults *vault.Aggregator, devices cdm.Source, log *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		vaults:  vaults,
		devices: devices,
		timeout: 2 * time.Minute,
		log:     log.With(logging.Component("resolve")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the content keys for every Key ID the header names that
// could be resolved, consulting vaults first and negotiating once per
// distinct header on miss. Newly obtained keys are written back to all
// write-capable vaults; write failures never fail resolution.
func (r *Resolver) Resolve(ctx context.Context, req Request) (map[drm.KeyID]drm.ContentKey, error) {
	kids, err := req.Header.KeyIDs()
	if err != nil {
		return nil, err
	}
	log := r.log.With(logging.Service(req.Service), logging.System(req.Header.System.String()))

	found := make(map[drm.KeyID]drm.ContentKey, len(kids))
	var missing []drm.KeyID
	for _, kid := range kids {
		if key, ok := r.vaults.Lookup(ctx, req.Service, kid); ok {
			found[kid] = *key
			continue
		}
		missing = append(missing, kid)
	}
	log.Debug("vault partition", zap.Int("found", len(found)), zap.Int("missing", len(missing)))

	if len(missing) > 0 {
		keys, err := r.negotiate(ctx, req, log)
		if err != nil {
			return nil, err
		}
		var fresh []drm.ContentKey
		for _, key := range keys {
			if _, ok := found[key.ID]; ok {
				continue
			}
			found[key.ID] = key
			fresh = append(fresh, key)
		}
		if stored := r.vaults.StoreAll(ctx, fresh); stored < len(fresh) {
			log.Warn("some keys reached no vault", zap.Int("stored", stored), zap.Int("total", len(fresh)))
		}
		for _, kid := range missing {
			if _, ok := found[kid]; !ok {
				// multi-key headers legitimately name KIDs the license does
				// not cover; fatal only when the caller requires them
				log.Debug("key id unresolved after negotiation", logging.KID(kid.Hex()))
			}
		}
	}

	var unresolved []drm.KeyID
	for _, kid := range req.Required {
		if _, ok := found[kid]; !ok {
			unresolved = append(unresolved, kid)
		}
	}
	if len(unresolved) > 0 {
		return nil, &MissingKeysError{Service: req.Service, KeyIDs: unresolved}
	}
	if len(found) == 0 {
		return nil, &MissingKeysError{Service: req.Service, KeyIDs: kids}
	}
	return found, nil
}

// negotiate runs (or joins) the single in-flight negotiation for this
// header. The flight itself is detached from the waiter's context: once a
// possibly billable license call started, joined waiters leaving must not
// cancel it, and a cancelled waiter simply stops waiting.
func (r *Resolver) negotiate(ctx context.Context, req Request, log *zap.Logger) ([]drm.ContentKey, error) {
	dev, err := r.devices.Device(req.Service, req.Profile, req.Header.System)
	if err != nil {
		return nil, err
	}

	flightKey := req.Header.Fingerprint(req.Service)
	ch := r.flights.DoChan(flightKey, func() (any, error) {
		nctx := context.WithoutCancel(ctx)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			nctx, cancel = context.WithTimeout(nctx, r.timeout)
			defer cancel()
		}
		return cdm.Negotiate(nctx, dev, req.Header, req.Service, req.License, r.log)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug("joined in-flight negotiation")
		}
		return res.Val.([]drm.ContentKey), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
