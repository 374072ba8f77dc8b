package drm

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// wrmRecordHeader is the PlayReady Object record type carrying a WRM header.
const wrmRecordHeader = 1

// reasonNoWRMHeader marks payloads with no WRMHEADER document at all, as
// opposed to one that is present but unusable.
const reasonNoWRMHeader = "no WRMHEADER element"

var wrmHeaderVersions = map[string]struct{}{
	"4.0.0.0": {},
	"4.1.0.0": {},
	"4.2.0.0": {},
	"4.3.0.0": {},
}

// playReadyKeyIDs extracts Key IDs from a PlayReady protection header. The
// payload is tried as PSSH box data, as a bare PlayReady Object, as WRMHEADER
// XML (UTF-8 or UTF-16LE), and finally base64-unwrapped once. PlayReady GUIDs
// are mixed-endian and every extracted identifier goes through KeyIDFromGUID
// to reach the canonical form shared with other systems.
func playReadyKeyIDs(data []byte, allowBase64 bool) ([]KeyID, error) {
	if boxes, err := psshBoxes(data, PlayReadySystemID); err == nil {
		var kids []KeyID
		var lastErr error
		for _, box := range boxes {
			boxKids, err := playReadyObjectKeyIDs(box.Data)
			if err != nil {
				lastErr = err
				continue
			}
			kids = append(kids, boxKids...)
		}
		if len(kids) == 0 {
			return nil, &ParseError{System: SystemPlayReady, Reason: "pssh box carries no key ids", Err: lastErr}
		}
		return kids, nil
	}

	if kids, err := playReadyObjectKeyIDs(data); err == nil {
		return kids, nil
	}

	kids, xmlErr := wrmHeaderKeyIDs(data)
	if xmlErr == nil {
		return kids, nil
	}

	if allowBase64 {
		if decoded, ok := tryBase64(data); ok {
			return playReadyKeyIDs(decoded, false)
		}
	}

	var perr *ParseError
	if errors.As(xmlErr, &perr) && perr.Reason != reasonNoWRMHeader {
		// The payload was a WRM header, just not one we can use.
		return nil, xmlErr
	}
	return nil, &ParseError{System: SystemPlayReady, Reason: "unrecognized payload", Err: xmlErr}
}

// playReadyObjectKeyIDs walks the PlayReady Object framing: a little-endian
// total length and record count, then (type, length, payload) records. Only
// WRM header records carry key ids; their payload is UTF-16LE XML.
func playReadyObjectKeyIDs(data []byte) ([]KeyID, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("playready object too short: %d bytes", len(data))
	}
	total := le32(data[0:4])
	if int(total) > len(data) {
		return nil, fmt.Errorf("playready object length %d exceeds payload %d", total, len(data))
	}
	count := int(le16(data[4:6]))
	offset := 6

	var kids []KeyID
	var lastErr error
	for i := 0; i < count; i++ {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("playready object truncated at record %d", i)
		}
		recType := int(le16(data[offset : offset+2]))
		recLen := int(le16(data[offset+2 : offset+4]))
		offset += 4
		if offset+recLen > len(data) {
			return nil, fmt.Errorf("playready record %d overruns payload", i)
		}
		record := data[offset : offset+recLen]
		offset += recLen

		if recType != wrmRecordHeader {
			continue
		}
		recKids, err := wrmHeaderKeyIDs(record)
		if err != nil {
			lastErr = err
			continue
		}
		kids = append(kids, recKids...)
	}
	if len(kids) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("playready object carries no WRM header records")
	}
	return kids, nil
}

// wrmHeaderKeyIDs parses a WRMHEADER XML document. Multi-key titles embed one
// key-record element per key; all of them are collected:
// DATA/KID text (v4.0), PROTECTINFO/KID@VALUE (v4.1), PROTECTINFO/KIDS/KID
// and CUSTOMATTRIBUTES/KIDS/KID @VALUE (v4.2, v4.3).
func wrmHeaderKeyIDs(data []byte) ([]KeyID, error) {
	doc, err := extractWRMHeaderXML(data)
	if err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	var version string
	var kids []KeyID
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{System: SystemPlayReady, Reason: "malformed WRMHEADER XML", Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "WRMHEADER":
			version = xmlAttr(start, "version")
			if _, known := wrmHeaderVersions[version]; !known {
				return nil, &ParseError{System: SystemPlayReady, Reason: fmt.Sprintf("unknown WRMHEADER version %q", version)}
			}
		case "KID":
			encoded := xmlAttr(start, "VALUE")
			if encoded == "" {
				encoded, err = elementText(dec, start)
				if err != nil {
					return nil, &ParseError{System: SystemPlayReady, Reason: "malformed KID element", Err: err}
				}
			}
			kid, err := decodeGUIDBase64(encoded)
			if err != nil {
				continue
			}
			kids = append(kids, kid)
		}
	}
	if version == "" {
		return nil, &ParseError{System: SystemPlayReady, Reason: reasonNoWRMHeader}
	}
	if len(kids) == 0 {
		return nil, &ParseError{System: SystemPlayReady, Reason: "WRMHEADER carries no KID records"}
	}
	return kids, nil
}

// extractWRMHeaderXML locates the WRMHEADER document inside raw bytes,
// decoding UTF-16LE when needed. Headers often arrive with framing bytes
// around the XML, so the document is sliced out by its element boundaries.
func extractWRMHeaderXML(data []byte) ([]byte, error) {
	if doc, ok := sliceWRMHeader(data); ok {
		return doc, nil
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	decoded, _, err := transform.Bytes(decoder, data)
	if err == nil {
		if doc, ok := sliceWRMHeader(decoded); ok {
			return doc, nil
		}
	}
	return nil, &ParseError{System: SystemPlayReady, Reason: reasonNoWRMHeader}
}

func sliceWRMHeader(data []byte) ([]byte, bool) {
	start := bytes.Index(data, []byte("<WRMHEADER"))
	if start < 0 {
		return nil, false
	}
	end := bytes.Index(data[start:], []byte("</WRMHEADER>"))
	if end < 0 {
		return nil, false
	}
	return data[start : start+end+len("</WRMHEADER>")], true
}

// decodeGUIDBase64 decodes one KID record value to its canonical KeyID. The
// value is a base64 mixed-endian GUID; sources are sloppy about padding.
func decodeGUIDBase64(encoded string) (KeyID, error) {
	encoded = strings.TrimSpace(encoded)
	if rem := len(encoded) % 4; rem != 0 {
		encoded += strings.Repeat("=", 4-rem)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return KeyID{}, fmt.Errorf("decode KID value: %w", err)
	}
	return KeyIDFromGUID(raw)
}

func xmlAttr(el xml.StartElement, name string) string {
	for _, attr := range el.Attr {
		if attr.Name.Local == name {
			return attr.Value
		}
	}
	return ""
}

// elementText collects the character data of el up to its end tag.
func elementText(dec *xml.Decoder, el xml.StartElement) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name == el.Name {
				return sb.String(), nil
			}
		}
	}
}
