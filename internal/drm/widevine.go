package drm

import (
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

// widevineKeyIDs extracts Key IDs from a Widevine protection header. The
// payload is tried as PSSH box data first, then as a bare WidevinePsshData
// message, then base64-unwrapped once. Key IDs come from both the box itself
// (version 1 boxes list them) and the protobuf payload; historically only the
// first record was read, which broke multi-key titles.
func widevineKeyIDs(data []byte, allowBase64 bool) ([]KeyID, error) {
	boxes, boxErr := psshBoxes(data, WidevineSystemID)
	if boxErr == nil {
		var kids []KeyID
		for _, box := range boxes {
			kids = append(kids, boxKeyIDs(box)...)
			payload, err := widevinePayloadKeyIDs(box.Data)
			if err == nil {
				kids = append(kids, payload...)
			}
		}
		if len(kids) == 0 {
			return nil, &ParseError{System: SystemWidevine, Reason: "pssh box carries no key ids"}
		}
		return kids, nil
	}

	if kids, err := widevinePayloadKeyIDs(data); err == nil && len(kids) > 0 {
		return kids, nil
	}

	if allowBase64 {
		if decoded, ok := tryBase64(data); ok {
			return widevineKeyIDs(decoded, false)
		}
	}

	return nil, &ParseError{System: SystemWidevine, Reason: "unrecognized payload", Err: boxErr}
}

func widevinePayloadKeyIDs(data []byte) ([]KeyID, error) {
	msg := &wvpb.WidevinePsshData{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, &ParseError{System: SystemWidevine, Reason: "unmarshal pssh data", Err: err}
	}
	var kids []KeyID
	for _, raw := range msg.GetKeyIds() {
		kid, err := KeyIDFromBytes(raw)
		if err != nil {
			continue
		}
		kids = append(kids, kid)
	}
	return kids, nil
}
