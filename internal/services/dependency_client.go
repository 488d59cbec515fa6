package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// HTTPDependencyProvider reads the asset dependency graph from the external
// graph service. Read-only: the analyzer never mutates asset records.
type HTTPDependencyProvider struct {
	url    string
	client *http.Client
}

// NewHTTPDependencyProvider creates a new HTTPDependencyProvider.
func NewHTTPDependencyProvider(url string) *HTTPDependencyProvider {
	return &HTTPDependencyProvider{url: url, client: &http.Client{}}
}

// GetDependencies returns the asset ids that depend on the given asset.
func (p *HTTPDependencyProvider) GetDependencies(ctx context.Context, assetID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.url+"/dependencies/"+url.PathEscape(assetID), nil)
	if err != nil {
		return nil, fmt.Errorf("create dependencies request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dependencies for %s: %w", assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dependency service returned %d for %s", resp.StatusCode, assetID)
	}

	var deps []string
	if err := json.NewDecoder(resp.Body).Decode(&deps); err != nil {
		return nil, fmt.Errorf("decode dependencies for %s: %w", assetID, err)
	}
	return deps, nil
}
