package cdm

import (
	"errors"
	"fmt"
)

// ErrDeviceUnavailable means no usable device exists for the requested
// service/system. A configuration problem: fatal, not retryable.
var ErrDeviceUnavailable = errors.New("device unavailable")

// ErrLicenseDenied means the license server refused the challenge or the
// response carried no usable content keys. Fatal for the track.
var ErrLicenseDenied = errors.New("license denied")

// TransportError wraps a network failure while talking to a remote device or
// a license endpoint. The whole negotiation may be retried by the caller; it
// is never retried internally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("negotiation transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
