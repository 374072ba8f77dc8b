package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devatadev/gokeyward/internal/drm"
)

// API wire-protocol error codes.
var (
	ErrAuthRejected      = errors.New("vault auth rejected")
	ErrRateLimited       = errors.New("vault rate limited")
	ErrServiceTagInvalid = errors.New("service tag invalid")
	ErrKeyIDInvalid      = errors.New("key id invalid")
	ErrContentKeyInvalid = errors.New("content key invalid")
)

// API is a key vault reached over a simple RESTful HTTP API: GET and POST on
// {uri}/{service}/{kid} with bearer-token auth and a numeric response code.
type API struct {
	name   string
	uri    string
	token  string
	noPush bool
	client *http.Client
}

func NewAPI(name, uri, token string, noPush bool) *API {
	return &API{
		name:   name,
		uri:    strings.TrimRight(uri, "/"),
		token:  token,
		noPush: noPush,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (v *API) Name() string   { return v.name }
func (v *API) CanWrite() bool { return !v.noPush }

type apiResponse struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	ContentKey string `json:"content_key,omitempty"`
	Added      bool   `json:"added,omitempty"`
	Updated    bool   `json:"updated,omitempty"`
}

func (v *API) Lookup(ctx context.Context, service string, kid drm.KeyID) (*drm.ContentKey, error) {
	resp, err := v.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", v.uri, strings.ToLower(service), kid.Hex()), nil)
	if err != nil {
		return nil, err
	}
	if resp.ContentKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(resp.ContentKey)
	if err != nil {
		return nil, fmt.Errorf("vault %s: corrupt key for %s: %w", v.name, kid.Hex(), err)
	}
	ck, err := drm.NewContentKey(service, kid, raw)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.name, err)
	}
	return &ck, nil
}

func (v *API) Store(ctx context.Context, key drm.ContentKey) error {
	if v.noPush {
		return fmt.Errorf("vault %s: %w", v.name, ErrReadOnly)
	}
	body, err := json.Marshal(map[string]string{"content_key": key.KeyHex()})
	if err != nil {
		return fmt.Errorf("vault %s: encode store: %w", v.name, err)
	}
	url := fmt.Sprintf("%s/%s/%s", v.uri, strings.ToLower(key.Service), key.ID.Hex())
	if _, err := v.do(ctx, http.MethodPost, url, body); err != nil {
		return err
	}
	return nil
}

func (v *API) do(ctx context.Context, method, url string, body []byte) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("vault %s: build request: %w", v.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %s: %w", v.name, method, err)
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("vault %s: decode response: %w", v.name, err)
	}
	if err := apiError(resp.Code); err != nil {
		return nil, fmt.Errorf("vault %s: %s (%d): %w", v.name, resp.Message, resp.Code, err)
	}
	return &resp, nil
}

func apiError(code int) error {
	switch code {
	case 0:
		return nil
	case 1:
		return ErrAuthRejected
	case 2:
		return ErrRateLimited
	case 3:
		return ErrServiceTagInvalid
	case 4:
		return ErrKeyIDInvalid
	case 5:
		return ErrContentKeyInvalid
	default:
		return fmt.Errorf("unknown response code %d", code)
	}
}
