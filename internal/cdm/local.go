package cdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	widevine "github.com/iyear/gowidevine"
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"

	"github.com/devatadev/gokeyward/internal/drm"
)

// Local is an emulated device loaded from an on-disk key/certificate bundle.
// The license-protocol cryptography itself is the engine's business; Local
// only drives it through one session per negotiation.
type Local struct {
	name        string
	cdm         *widevine.CDM
	serviceCert *wvpb.DrmCertificate
}

// LocalOption configures a Local device.
type LocalOption func(*Local)

// WithServiceCertificate enables privacy mode using the given signed service
// certificate, as served by license servers that support it.
func WithServiceCertificate(cert []byte) LocalOption {
	return func(l *Local) {
		parsed, err := parseServiceCert(cert)
		if err == nil {
			l.serviceCert = parsed
		}
	}
}

// NewLocal creates a local Widevine device from a WVD bundle.
func NewLocal(name string, wvd io.Reader, opts ...LocalOption) (*Local, error) {
	device, err := widevine.NewDevice(widevine.FromWVD(wvd))
	if err != nil {
		return nil, fmt.Errorf("load device bundle %s: %w", name, err)
	}
	l := &Local{
		name: name,
		cdm:  widevine.NewCDM(device),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LoadLocal creates a local device from a bundle file. The file extension
// determines the DRM system; only Widevine bundles exist today.
func LoadLocal(path string, opts ...LocalOption) (*Local, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if !strings.EqualFold(filepath.Ext(path), ".wvd") {
		return nil, fmt.Errorf("device bundle %s: unsupported extension %q: %w", name, filepath.Ext(path), ErrDeviceUnavailable)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("device bundle %s: %w", name, ErrDeviceUnavailable)
	}
	defer f.Close()
	return NewLocal(name, f, opts...)
}

func (l *Local) Name() string       { return l.name }
func (l *Local) System() drm.System { return drm.SystemWidevine }

func (l *Local) Open(ctx context.Context) (Session, error) {
	return &localSession{dev: l}, nil
}

type localSession struct {
	dev   *Local
	parse func([]byte) ([]*widevine.Key, error)
}

func (s *localSession) Challenge(ctx context.Context, header drm.Header) ([]byte, error) {
	pssh, err := sessionPSSH(header)
	if err != nil {
		return nil, err
	}
	var (
		challenge []byte
		parse     func([]byte) ([]*widevine.Key, error)
	)
	if s.dev.serviceCert != nil {
		challenge, parse, err = s.dev.cdm.GetLicenseChallenge(pssh, wvpb.LicenseType_STREAMING, true, s.dev.serviceCert)
	} else {
		challenge, parse, err = s.dev.cdm.GetLicenseChallenge(pssh, wvpb.LicenseType_STREAMING, false)
	}
	if err != nil {
		return nil, fmt.Errorf("build license challenge: %w", err)
	}
	s.parse = parse
	return challenge, nil
}

func (s *localSession) Keys(ctx context.Context, license []byte) ([]Key, error) {
	if s.parse == nil {
		return nil, fmt.Errorf("no challenge built for this session")
	}
	parsed, err := s.parse(license)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseDenied, err)
	}
	var keys []Key
	for _, key := range parsed {
		if key.Type != wvpb.License_KeyContainer_CONTENT {
			continue
		}
		keys = append(keys, Key{ID: key.ID, Key: key.Key})
	}
	return keys, nil
}

func (s *localSession) Close(ctx context.Context) error {
	s.parse = nil
	return nil
}

// sessionPSSH normalizes the header payload into the PSSH box form the engine
// consumes, unwrapping base64 once if needed.
func sessionPSSH(header drm.Header) (*widevine.PSSH, error) {
	pssh, err := widevine.NewPSSH(header.Data)
	if err == nil {
		return pssh, nil
	}
	if decoded, ok := base64Payload(header.Data); ok {
		if pssh, b64Err := widevine.NewPSSH(decoded); b64Err == nil {
			return pssh, nil
		}
	}
	return nil, fmt.Errorf("decode pssh: %w", err)
}

// base64Payload reports whether data is base64 text, returning the decoded
// bytes when it is.
func base64Payload(data []byte) ([]byte, bool) {
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

// parseServiceCert unwraps a signed service certificate message down to the
// DRM certificate used for privacy mode.
func parseServiceCert(serviceCert []byte) (*wvpb.DrmCertificate, error) {
	msg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(serviceCert, msg); err != nil {
		return nil, fmt.Errorf("unmarshal signed message: %w", err)
	}
	signedCert := &wvpb.SignedDrmCertificate{}
	if err := proto.Unmarshal(msg.Msg, signedCert); err != nil {
		return nil, fmt.Errorf("unmarshal signed drm certificate: %w", err)
	}
	cert := &wvpb.DrmCertificate{}
	if err := proto.Unmarshal(signedCert.DrmCertificate, cert); err != nil {
		return nil, fmt.Errorf("unmarshal drm certificate: %w", err)
	}
	return cert, nil
}
