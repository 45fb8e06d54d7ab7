package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// RegistryClient resolves signing keys against an HTTP identity registry
// exposing GET <base>/agents/keys/<keyID>.
type RegistryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRegistryClient creates a registry client. httpClient may be nil, in
// which case a client with a 10s timeout is used.
func NewRegistryClient(baseURL string, httpClient *http.Client) *RegistryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RegistryClient{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// ResolveKey fetches the identity for keyID. A 404 maps to
// x402.ErrIdentityNotFound; transport and server errors are returned as-is
// so callers can distinguish "unknown key" from "registry unreachable".
func (c *RegistryClient) ResolveKey(ctx context.Context, keyID string) (*x402.Identity, error) {
	endpoint := fmt.Sprintf("%s/agents/keys/%s", c.baseURL, url.PathEscape(keyID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, x402.ErrIdentityNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var identity x402.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("invalid registry response: %w", err)
	}
	if identity.KeyID == "" {
		identity.KeyID = keyID
	}

	return &identity, nil
}

// Ensure RegistryClient implements IdentityRegistry
var _ x402.IdentityRegistry = (*RegistryClient)(nil)
