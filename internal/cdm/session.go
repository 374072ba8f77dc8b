package cdm

import (
	"context"
	"fmt"

	"github.com/devatadev/gokeyward/internal/drm"
)

// SessionState tracks one negotiation attempt. Sessions move strictly
// forward; KeysExtracted and Failed are terminal.
type SessionState int

const (
	StateOpened SessionState = iota + 1
	StateChallengeBuilt
	StateLicenseReceived
	StateKeysExtracted
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateChallengeBuilt:
		return "challenge_built"
	case StateLicenseReceived:
		return "license_received"
	case StateKeysExtracted:
		return "keys_extracted"
	case StateFailed:
		return "failed"
	default:
		return "new"
	}
}

// Tracker enforces the session lifecycle. Zero value is a session not yet
// opened.
type Tracker struct {
	state SessionState
}

func (t *Tracker) State() SessionState { return t.state }

// Advance moves the session to next, rejecting skipped or repeated states
// and any transition out of a terminal state.
func (t *Tracker) Advance(next SessionState) error {
	if t.state == StateKeysExtracted || t.state == StateFailed {
		return fmt.Errorf("session already terminal in state %s", t.state)
	}
	if next == StateFailed {
		t.state = StateFailed
		return nil
	}
	if next != t.state+1 {
		return fmt.Errorf("invalid session transition %s -> %s", t.state, next)
	}
	t.state = next
	return nil
}

// Fail marks the session terminally failed. Valid from any state.
func (t *Tracker) Fail() { t.state = StateFailed }

// Key is one key pair extracted from a license response, before it is bound
// to a service.
type Key struct {
	ID  []byte
	Key []byte
}

// Session is one license negotiation against a device. Sessions are
// single-use: owned by the Negotiate call that opened them, closed on success
// or failure, never shared across tracks.
type Session interface {
	// Challenge builds the license challenge for the header.
	Challenge(ctx context.Context, header drm.Header) ([]byte, error)
	// Keys feeds the license response back and returns every content key it
	// carried, including keys beyond those originally requested.
	Keys(ctx context.Context, license []byte) ([]Key, error)
	// Close releases device or network resources. Always called.
	Close(ctx context.Context) error
}

// Device negotiates licenses for one DRM system. The set is closed: Local
// wraps an emulated device bundle, Remote delegates to a network host.
// Implementations must tolerate failed sessions without blocking later,
// unrelated negotiations.
type Device interface {
	Name() string
	System() drm.System
	Open(ctx context.Context) (Session, error)
}
