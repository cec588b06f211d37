package entropy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// beaconResponse is the wire format served by a randomness beacon.
type beaconResponse struct {
	Random string `json:"random"` // base64-encoded bytes
	Source string `json:"source"` // provider's own label, informational
}

// HTTPProvider fetches randomness from a remote beacon over HTTP. The
// response must carry at least the requested number of bytes; anything
// malformed fails the call.
type HTTPProvider struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPProvider creates a provider for the beacon at url. The
// http.Client's own timeout is left untouched; the Source applies the
// per-attempt timeout through the request context.
func NewHTTPProvider(name, url string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{name: name, url: url, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Random(ctx context.Context, n int) ([]byte, error) {
	url := fmt.Sprintf("%s?bytes=%d", p.url, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("beacon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beacon returned status %d", resp.StatusCode)
	}

	// Bound the body read; a beacon response is small.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("reading beacon response: %w", err)
	}

	var br beaconResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("malformed beacon response: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(br.Random)
	if err != nil {
		return nil, fmt.Errorf("malformed beacon payload: %w", err)
	}
	if len(raw) < n {
		return nil, fmt.Errorf("beacon returned %d bytes, requested %d", len(raw), n)
	}
	return raw[:n], nil
}
