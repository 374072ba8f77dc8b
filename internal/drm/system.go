package drm

// System identifies a DRM system. The set is closed: every operation on a
// Header switches exhaustively over these values.
type System int

const (
	SystemWidevine System = iota + 1
	SystemPlayReady
)

// WidevineSystemID is the CENC system ID of Widevine.
var WidevineSystemID = []byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}

// PlayReadySystemID is the CENC system ID of PlayReady.
var PlayReadySystemID = []byte{0x9a, 0x04, 0xf0, 0x79, 0x98, 0x40, 0x42, 0x86, 0xab, 0x92, 0xe6, 0x5b, 0xe0, 0x88, 0x5f, 0x95}

func (s System) String() string {
	switch s {
	case SystemWidevine:
		return "widevine"
	case SystemPlayReady:
		return "playready"
	default:
		return "unknown"
	}
}
