package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/convocrm/backend/internal/domain/ports"
)

// HTTPProfileProvider fetches conversant profile fields from the CRM contact
// store over its REST surface.
type HTTPProfileProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProfileProvider creates a provider against the contact store base URL.
func NewHTTPProfileProvider(baseURL string) *HTTPProfileProvider {
	return &HTTPProfileProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

var _ ports.ProfileProvider = (*HTTPProfileProvider)(nil)

// GetProfile returns the profile field map for a conversant. A 404 from the
// contact store means an unknown conversant and resolves to nil, not an error.
func (p *HTTPProfileProvider) GetProfile(ctx context.Context, conversantID string) (map[string]interface{}, error) {
	endpoint := fmt.Sprintf("%s/api/contacts/%s/profile", p.baseURL, url.PathEscape(conversantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile fetch rejected with status %d", resp.StatusCode)
	}

	var profile map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return profile, nil
}

// NilProfileProvider resolves every conversant to no profile. Used when no
// contact store is configured; templates render profile fields as empty.
type NilProfileProvider struct{}

var _ ports.ProfileProvider = (*NilProfileProvider)(nil)

// GetProfile always returns nil.
func (p *NilProfileProvider) GetProfile(_ context.Context, _ string) (map[string]interface{}, error) {
	return nil, nil
}

// NewProfileProviderFromEnv picks the HTTP provider when CONTACT_STORE_URL is
// set, the nil provider otherwise.
func NewProfileProviderFromEnv() ports.ProfileProvider {
	if base := os.Getenv("CONTACT_STORE_URL"); base != "" {
		return NewHTTPProfileProvider(base)
	}
	return &NilProfileProvider{}
}
