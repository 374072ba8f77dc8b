package cdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devatadev/gokeyward/internal/drm"
)

// remoteHost is a minimal in-test CDM host speaking the delegate wire
// protocol.
type remoteHost struct {
	secret   string
	device   string
	closed   []string
	licenses [][]byte
}

func (h *remoteHost) handler() http.Handler {
	mux := http.NewServeMux()
	envelope := func(w http.ResponseWriter, status int, message string, data any) {
		raw, _ := json.Marshal(data)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"message": message,
			"data":    json.RawMessage(raw),
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Secret-Key") != h.secret {
			w.WriteHeader(http.StatusUnauthorized)
			envelope(w, http.StatusUnauthorized, "invalid secret", nil)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/"+h.device+"/")
		switch {
		case path == "open":
			envelope(w, http.StatusOK, "ok", map[string]string{"session_id": "00112233445566778899aabbccddeeff"})
		case path == "get_license_challenge/STREAMING":
			var body struct {
				SessionID string `json:"session_id"`
				InitData  string `json:"init_data"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.InitData == "" {
				envelope(w, http.StatusBadRequest, "missing init data", nil)
				return
			}
			envelope(w, http.StatusOK, "ok", map[string]string{
				"challenge_b64": base64.StdEncoding.EncodeToString([]byte("challenge-bytes")),
			})
		case path == "parse_license":
			var body struct {
				License string `json:"license"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			raw, err := base64.StdEncoding.DecodeString(body.License)
			if err != nil {
				envelope(w, http.StatusBadRequest, "bad license", nil)
				return
			}
			h.licenses = append(h.licenses, raw)
			envelope(w, http.StatusOK, "ok", nil)
		case path == "get_keys/CONTENT":
			envelope(w, http.StatusOK, "ok", map[string]any{
				"keys": []map[string]string{
					{"key_id": "000102030405060708090a0b0c0d0e0f", "key": strings.Repeat("11", 16)},
					{"key_id": "101112131415161718191a1b1c1d1e1f", "key": strings.Repeat("22", 16)},
				},
			})
		case strings.HasPrefix(path, "close/"):
			h.closed = append(h.closed, strings.TrimPrefix(path, "close/"))
			envelope(w, http.StatusOK, "ok", nil)
		default:
			envelope(w, http.StatusNotFound, "unknown endpoint", nil)
		}
	})
	return mux
}

func newTestRemote(t *testing.T, host, secret string) *Remote {
	t.Helper()
	dev, err := NewRemote(RemoteConfig{
		Name:       "remote-test",
		Host:       host,
		Secret:     secret,
		DeviceName: "device1",
		DeviceType: "CHROME",
	})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	return dev
}

func TestRemoteNegotiationRoundTrip(t *testing.T) {
	host := &remoteHost{secret: "s3cret", device: "device1"}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	dev := newTestRemote(t, srv.URL, "s3cret")
	ctx := context.Background()

	sess, err := dev.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	challenge, err := sess.Challenge(ctx, drm.NewHeader(drm.SystemWidevine, []byte("init")))
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	if !bytes.Equal(challenge, []byte("challenge-bytes")) {
		t.Fatalf("challenge = %q", challenge)
	}

	keys, err := sess.Keys(ctx, []byte("license-response"))
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if len(host.licenses) != 1 || !bytes.Equal(host.licenses[0], []byte("license-response")) {
		t.Fatalf("host saw licenses %q", host.licenses)
	}

	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(host.closed) != 1 {
		t.Fatalf("host saw %d closes, want 1", len(host.closed))
	}
}

func TestRemoteRejectedSecret(t *testing.T) {
	host := &remoteHost{secret: "s3cret", device: "device1"}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	dev := newTestRemote(t, srv.URL, "wrong")
	if _, err := dev.Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestRemoteServerSideFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": 500, "message": "cdm exploded"})
	}))
	defer srv.Close()

	dev := newTestRemote(t, srv.URL, "s3cret")
	if _, err := dev.Open(context.Background()); !errors.Is(err, ErrLicenseDenied) {
		t.Fatalf("err = %v, want ErrLicenseDenied", err)
	}
}

func TestRemoteUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	srv.Close()

	dev := newTestRemote(t, srv.URL, "s3cret")
	_, err := dev.Open(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestRemoteIncompleteConfig(t *testing.T) {
	if _, err := NewRemote(RemoteConfig{Name: "x", Host: "http://host"}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestRemoteSystemFromDeviceType(t *testing.T) {
	wv := newTestRemote(t, "http://host", "s")
	if wv.System() != drm.SystemWidevine {
		t.Fatalf("System = %s, want widevine", wv.System())
	}
	pr, err := NewRemote(RemoteConfig{Name: "pr", Host: "http://host", Secret: "s", DeviceName: "d", DeviceType: "playready"})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	if pr.System() != drm.SystemPlayReady {
		t.Fatalf("System = %s, want playready", pr.System())
	}
}
