// Package upstream talks to the generative-AI API the pooled accounts are
// entitled to. The only call this core needs is the model listing used as
// the post-exchange entitlement check.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airsugar/agpool/internal/auth"
)

// ModelInfo is the per-model metadata returned by the model listing.
// The quota ledger only needs the names, the rest is kept for callers.
type ModelInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	QuotaTier   string `json:"quotaTier,omitempty"`
}

// ModelLister lists the models an access token is entitled to.
// A token can be syntactically valid yet grant no usable capability;
// flow engines reject such credentials before creating any account.
type ModelLister interface {
	ListModels(ctx context.Context, accessToken string) (map[string]ModelInfo, error)
}

// Client performs the model-listing call against the upstream API.
type Client struct {
	modelsURL  string
	host       string
	userAgent  string
	httpClient *http.Client
}

var _ ModelLister = (*Client)(nil)

// NewClient creates an upstream client for the given endpoint.
func NewClient(modelsURL, host, userAgent string) *Client {
	return &Client{
		modelsURL: modelsURL,
		host:      host,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListModels calls the model-listing endpoint with the given access token.
// A non-2xx response is surfaced as a *auth.ProviderError.
func (c *Client) ListModels(ctx context.Context, accessToken string) (map[string]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelsURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("upstream: build models request: %w", err)
	}
	if c.host != "" {
		req.Host = c.host
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: models request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &auth.ProviderError{Op: "upstream: list models", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Models map[string]ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("upstream: parse models response: %w", err)
	}
	return result.Models, nil
}
