package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devatadev/gokeyward/internal/drm"
)

func TestAPILookupHitAndMiss(t *testing.T) {
	kid := drm.MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok3n" {
			json.NewEncoder(w).Encode(map[string]any{"code": 1, "message": "bad token"})
			return
		}
		if r.URL.Path == "/svc/"+kid.Hex() {
			json.NewEncoder(w).Encode(map[string]any{
				"code":        0,
				"message":     "key found",
				"content_key": strings.Repeat("ab", 16),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "key not found"})
	}))
	defer srv.Close()

	v := NewAPI("remote", srv.URL, "tok3n", false)
	ctx := context.Background()

	got, err := v.Lookup(ctx, "SVC", kid)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil || got.KeyHex() != strings.Repeat("ab", 16) {
		t.Fatalf("got %v", got)
	}

	miss, err := v.Lookup(ctx, "SVC", drm.MustKeyID("13121110-1514-1716-1819-1a1b1c1d1e1f"))
	if err != nil {
		t.Fatalf("Lookup miss: %v", err)
	}
	if miss != nil {
		t.Fatalf("expected clean miss, got %v", miss)
	}
}

func TestAPIStoreSendsKey(t *testing.T) {
	kid := drm.MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f")
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			ContentKey string `json:"content_key"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotKey = body.ContentKey
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "key stored", "added": true})
	}))
	defer srv.Close()

	v := NewAPI("remote", srv.URL, "tok3n", false)
	key := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0xcd)
	if err := v.Store(context.Background(), key); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if gotPath != "/svc/"+kid.Hex() {
		t.Fatalf("path = %s", gotPath)
	}
	if gotKey != key.KeyHex() {
		t.Fatalf("content_key = %s, want %s", gotKey, key.KeyHex())
	}
}

func TestAPIErrorCodes(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{1, ErrAuthRejected},
		{2, ErrRateLimited},
		{3, ErrServiceTagInvalid},
		{4, ErrKeyIDInvalid},
		{5, ErrContentKeyInvalid},
	}
	for _, tc := range cases {
		code := tc.code
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "nope"})
		}))
		v := NewAPI("remote", srv.URL, "tok3n", false)
		_, err := v.Lookup(context.Background(), "SVC", drm.MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f"))
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %d: err = %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestAPIConnectivityFailure(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	srv.Close()

	v := NewAPI("remote", srv.URL, "tok3n", false)
	if _, err := v.Lookup(context.Background(), "SVC", drm.MustKeyID("03020100-0504-0706-0809-0a0b0c0d0e0f")); err == nil {
		t.Fatal("expected connectivity error")
	}
}

func TestAPIReadOnly(t *testing.T) {
	v := NewAPI("remote", "http://vault.example", "tok3n", true)
	if v.CanWrite() {
		t.Fatal("no_push vault reports writable")
	}
	key := testKey(t, "SVC", "03020100-0504-0706-0809-0a0b0c0d0e0f", 0x99)
	if err := v.Store(context.Background(), key); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}
