package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DirectoryClient resolves approver roles against the platform directory
// service over HTTP.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type resolveRoleResponse struct {
	UserIDs []string `json:"user_ids"`
}

// ResolveRole returns the user IDs holding role for a tenant.
func (c *DirectoryClient) ResolveRole(ctx context.Context, tenantID, role string) ([]string, error) {
	path := fmt.Sprintf("%s/api/v1/directory/roles/resolve?tenant_id=%s&role=%s",
		c.baseURL, url.QueryEscape(tenantID), url.QueryEscape(role))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role %q: %w", role, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("directory returned %d resolving role %q: %s", resp.StatusCode, role, body)
	}

	var out resolveRoleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return out.UserIDs, nil
}
