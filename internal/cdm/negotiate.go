// Package cdm negotiates DRM licenses through local or remote Content
// Decryption Modules. The cryptographic engine behind a device is opaque to
// this package: it accepts a challenge and returns usable keys.
package cdm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devatadev/gokeyward/internal/drm"
	"github.com/devatadev/gokeyward/internal/logging"
)

// LicenseFunc submits a challenge to the title's license endpoint. Supplied
// per track by the service layer; this package does not know service URLs.
type LicenseFunc func(ctx context.Context, challenge []byte) ([]byte, error)

// Negotiate runs one license negotiation for header against dev and returns
// every content key the license carried, bound to service. The session is
// closed on success and failure alike so a failed negotiation never blocks
// later, unrelated ones.
func Negotiate(ctx context.Context, dev Device, header drm.Header, service string, license LicenseFunc, log *zap.Logger) ([]drm.ContentKey, error) {
	if dev == nil {
		return nil, fmt.Errorf("negotiate for %s: %w", service, ErrDeviceUnavailable)
	}
	if license == nil {
		return nil, fmt.Errorf("negotiate for %s: no license endpoint supplied", service)
	}
	log = log.With(logging.Component("cdm"), logging.Service(service), logging.Device(dev.Name()))

	var track Tracker
	sess, err := dev.Open(ctx)
	if err != nil {
		track.Fail()
		return nil, fmt.Errorf("open session on %s: %w", dev.Name(), err)
	}
	if err := track.Advance(StateOpened); err != nil {
		return nil, err
	}
	defer func() {
		// Release the device session even when the caller's context is gone.
		if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("close session", zap.Error(err))
		}
	}()

	challenge, err := sess.Challenge(ctx, header)
	if err != nil {
		track.Fail()
		return nil, err
	}
	if err := track.Advance(StateChallengeBuilt); err != nil {
		return nil, err
	}

	response, err := license(ctx, challenge)
	if err != nil {
		track.Fail()
		return nil, &TransportError{Op: "submit license challenge", Err: err}
	}
	if err := track.Advance(StateLicenseReceived); err != nil {
		return nil, err
	}

	rawKeys, err := sess.Keys(ctx, response)
	if err != nil {
		track.Fail()
		return nil, err
	}

	keys := make([]drm.ContentKey, 0, len(rawKeys))
	for _, raw := range rawKeys {
		kid, err := drm.KeyIDFromBytes(raw.ID)
		if err != nil {
			// licenses may carry non-KID entries (signing, key control)
			continue
		}
		ck, err := drm.NewContentKey(service, kid, raw.Key)
		if err != nil {
			log.Warn("discarding unusable license key", logging.KID(kid.Hex()), zap.Error(err))
			continue
		}
		keys = append(keys, ck)
	}
	if len(keys) == 0 {
		track.Fail()
		return nil, fmt.Errorf("license carried no content keys: %w", ErrLicenseDenied)
	}
	if err := track.Advance(StateKeysExtracted); err != nil {
		return nil, err
	}

	log.Debug("negotiation complete", logging.System(dev.System().String()), zap.Int("keys", len(keys)))
	return keys, nil
}
