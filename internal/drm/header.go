// Package drm models protection metadata: the closed set of DRM systems, the
// canonical KeyID, content keys, and the extraction of Key IDs from
// system-specific protection headers.
package drm

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Header is a track's protection metadata as received from the manifest
// layer: a raw blob tagged with the DRM system it belongs to. The blob may be
// a PSSH box (or several concatenated), the system-specific payload on its
// own, or a base64 wrapping of either. Immutable once constructed.
type Header struct {
	System System
	Data   []byte
}

// ParseError reports a protection header that yielded no usable key records.
type ParseError struct {
	System System
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s header: %s: %v", e.System, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s header: %s", e.System, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewHeader constructs a Header, copying the payload.
func NewHeader(system System, data []byte) Header {
	return Header{System: system, Data: append([]byte(nil), data...)}
}

// NewHeaderBase64 constructs a Header from a base64 payload as found in DASH
// manifests.
func NewHeaderBase64(system System, data string) (Header, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Header{}, &ParseError{System: system, Reason: "decode base64 payload", Err: err}
	}
	return Header{System: system, Data: raw}, nil
}

// KeyIDs extracts every canonical Key ID the header names, deduplicated.
// A header naming zero Key IDs is a hard failure: there is nothing to look
// up in a vault nor to request from a license server.
func (h Header) KeyIDs() ([]KeyID, error) {
	var (
		kids []KeyID
		err  error
	)
	switch h.System {
	case SystemWidevine:
		kids, err = widevineKeyIDs(h.Data, true)
	case SystemPlayReady:
		kids, err = playReadyKeyIDs(h.Data, true)
	default:
		return nil, &ParseError{System: h.System, Reason: "unsupported system"}
	}
	if err != nil {
		return nil, err
	}
	kids = dedupeKeyIDs(kids)
	if len(kids) == 0 {
		return nil, &ParseError{System: h.System, Reason: "no key records found"}
	}
	return kids, nil
}

// Fingerprint is a stable hash over (service, system, payload bytes), used to
// key the in-flight negotiation registry: two tracks carrying byte-identical
// headers for the same service coalesce onto one negotiation.
func (h Header) Fingerprint(service string) string {
	sum := sha256.New()
	sum.Write([]byte(service))
	sum.Write([]byte{0, byte(h.System), 0})
	sum.Write(h.Data)
	return hex.EncodeToString(sum.Sum(nil))
}

// psshBoxes decodes every PSSH box in data that carries the wanted system ID.
// Data holding several concatenated boxes is common in init segments; all of
// them contribute key records, not just the first.
func psshBoxes(data []byte, systemID []byte) ([]*mp4.PsshBox, error) {
	r := bytes.NewReader(data)
	var boxes []*mp4.PsshBox
	var pos uint64
	for r.Len() > 0 {
		box, err := mp4.DecodeBox(pos, r)
		if err != nil {
			if len(boxes) > 0 {
				break
			}
			return nil, fmt.Errorf("decode box: %w", err)
		}
		pos += box.Size()
		pssh, ok := box.(*mp4.PsshBox)
		if !ok {
			continue
		}
		if !bytes.Equal(pssh.SystemID, systemID) {
			continue
		}
		boxes = append(boxes, pssh)
	}
	if len(boxes) == 0 {
		return nil, fmt.Errorf("no pssh box with system id %s", hex.EncodeToString(systemID))
	}
	return boxes, nil
}

// boxKeyIDs returns the Key IDs listed on a version 1 PSSH box itself.
func boxKeyIDs(box *mp4.PsshBox) []KeyID {
	var kids []KeyID
	for _, raw := range box.KIDs {
		kid, err := KeyIDFromBytes(raw)
		if err != nil {
			continue
		}
		kids = append(kids, kid)
	}
	return kids
}

func dedupeKeyIDs(kids []KeyID) []KeyID {
	seen := make(map[KeyID]struct{}, len(kids))
	out := kids[:0]
	for _, kid := range kids {
		if _, ok := seen[kid]; ok {
			continue
		}
		seen[kid] = struct{}{}
		out = append(out, kid)
	}
	return out
}

// tryBase64 decodes data as base64 text, tolerating surrounding whitespace.
// Some manifests hand the header over base64-encoded inside another wrapper,
// so decoding must be attempted before giving up on a payload.
func tryBase64(data []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
