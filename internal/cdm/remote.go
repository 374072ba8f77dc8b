package cdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devatadev/gokeyward/internal/drm"
)

// RemoteConfig describes a remote CDM delegate. The fields mirror the device
// record validated by the external device loader.
type RemoteConfig struct {
	Name          string
	Host          string
	Secret        string
	DeviceName    string
	DeviceType    string // CHROME | ANDROID | PLAYREADY
	SystemID      int
	SecurityLevel int
	Timeout       time.Duration
}

// Remote delegates license negotiation to a CDM host speaking the serve wire
// protocol: open, get_license_challenge, parse_license, get_keys, close, all
// authenticated with an X-Secret-Key header.
type Remote struct {
	cfg    RemoteConfig
	system drm.System
	client *http.Client
}

const defaultRemoteTimeout = 30 * time.Second

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.Host == "" || cfg.Secret == "" || cfg.DeviceName == "" {
		return nil, fmt.Errorf("remote device %s: incomplete configuration: %w", cfg.Name, ErrDeviceUnavailable)
	}
	system := drm.SystemWidevine
	if strings.EqualFold(cfg.DeviceType, "PLAYREADY") {
		system = drm.SystemPlayReady
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &Remote{
		cfg:    cfg,
		system: system,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (r *Remote) Name() string       { return r.cfg.Name }
func (r *Remote) System() drm.System { return r.system }

// SecurityLevel reports the delegate's advertised level, informational only.
func (r *Remote) SecurityLevel() int { return r.cfg.SecurityLevel }

type remoteEnvelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *Remote) Open(ctx context.Context) (Session, error) {
	var data struct {
		SessionID string `json:"session_id"`
	}
	if err := r.call(ctx, http.MethodGet, fmt.Sprintf("%s/open", r.cfg.DeviceName), nil, &data); err != nil {
		return nil, err
	}
	if _, err := hex.DecodeString(data.SessionID); err != nil {
		return nil, &TransportError{Op: "open remote session", Err: fmt.Errorf("bad session id %q", data.SessionID)}
	}
	return &remoteSession{dev: r, sessionID: data.SessionID}, nil
}

// call performs one wire-protocol request and decodes the envelope.
func (r *Remote) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := strings.TrimRight(r.cfg.Host, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("X-Secret-Key", r.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}

	var envelope remoteEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &TransportError{Op: path, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if resp.StatusCode == http.StatusUnauthorized || envelope.Status == http.StatusUnauthorized {
		return fmt.Errorf("remote host rejected secret for %s: %w", r.cfg.Name, ErrDeviceUnavailable)
	}
	if envelope.Status != http.StatusOK {
		return fmt.Errorf("remote %s: %s (%d): %w", path, envelope.Message, envelope.Status, ErrLicenseDenied)
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &TransportError{Op: path, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

type remoteSession struct {
	dev       *Remote
	sessionID string
}

func (s *remoteSession) Challenge(ctx context.Context, header drm.Header) ([]byte, error) {
	body := map[string]any{
		"session_id": s.sessionID,
		"init_data":  base64.StdEncoding.EncodeToString(header.Data),
	}
	var data struct {
		ChallengeB64 string `json:"challenge_b64"`
	}
	path := fmt.Sprintf("%s/get_license_challenge/STREAMING", s.dev.cfg.DeviceName)
	if err := s.dev.call(ctx, http.MethodPost, path, body, &data); err != nil {
		return nil, err
	}
	challenge, err := base64.StdEncoding.DecodeString(data.ChallengeB64)
	if err != nil {
		return nil, &TransportError{Op: path, Err: fmt.Errorf("decode challenge: %w", err)}
	}
	return challenge, nil
}

func (s *remoteSession) Keys(ctx context.Context, license []byte) ([]Key, error) {
	body := map[string]any{
		"session_id": s.sessionID,
		"license":    base64.StdEncoding.EncodeToString(license),
	}
	path := fmt.Sprintf("%s/parse_license", s.dev.cfg.DeviceName)
	if err := s.dev.call(ctx, http.MethodPost, path, body, nil); err != nil {
		return nil, err
	}

	var data struct {
		Keys []struct {
			KeyID string `json:"key_id"`
			Key   string `json:"key"`
		} `json:"keys"`
	}
	path = fmt.Sprintf("%s/get_keys/CONTENT", s.dev.cfg.DeviceName)
	if err := s.dev.call(ctx, http.MethodPost, path, map[string]any{"session_id": s.sessionID}, &data); err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(data.Keys))
	for _, item := range data.Keys {
		id, err := hex.DecodeString(item.KeyID)
		if err != nil {
			continue
		}
		key, err := hex.DecodeString(item.Key)
		if err != nil {
			continue
		}
		keys = append(keys, Key{ID: id, Key: key})
	}
	return keys, nil
}

func (s *remoteSession) Close(ctx context.Context) error {
	return s.dev.call(ctx, http.MethodGet, fmt.Sprintf("%s/close/%s", s.dev.cfg.DeviceName, s.sessionID), nil, nil)
}
