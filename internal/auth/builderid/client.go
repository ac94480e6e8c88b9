// Package builderid drives the AWS Builder ID device flow: client
// registration, device authorization, and the polling token exchange.
package builderid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airsugar/agpool/internal/auth"
)

// AWS SSO OIDC endpoints and client registration parameters.
const (
	DefaultEndpoint   = "https://oidc.us-east-1.amazonaws.com"
	BuilderIDStartURL = "https://view.awsapps.com/start"
	KiroRedirectURI   = "kiro://kiro.kiroAgent/authenticate-success"
)

var registrationScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

// Protocol-level "retry later" signals from the token endpoint. These are
// not failures; the poll loop keys its waiting off them.
var (
	errAuthorizationPending = errors.New("authorization_pending")
	errSlowDown             = errors.New("slow_down")
)

// ClientRegistration is the provider-issued OAuth client for one flow.
type ClientRegistration struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientIDIssuedAt      int64  `json:"clientIdIssuedAt"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt"`
}

// DeviceAuthorization is the provider response starting user interaction.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// TokenResponse is a successful token grant.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
}

// Client issues the JSON calls against the SSO OIDC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates an OIDC client. An empty endpoint selects the default
// AWS region endpoint.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterClient registers a fresh public OAuth client with the provider.
func (c *Client) RegisterClient(ctx context.Context) (*ClientRegistration, error) {
	payload := map[string]any{
		"clientName": fmt.Sprintf("CLI-Proxy-API-%d", time.Now().UnixMilli()),
		"clientType": "public",
		"scopes":     registrationScopes,
	}

	var reg ClientRegistration
	if err := c.postJSON(ctx, "/client/register", payload, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// StartDeviceAuthorization begins the device authorization for a
// registered client.
func (c *Client) StartDeviceAuthorization(ctx context.Context, clientID, clientSecret string) (*DeviceAuthorization, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     BuilderIDStartURL,
	}

	var da DeviceAuthorization
	if err := c.postJSON(ctx, "/device_authorization", payload, &da); err != nil {
		return nil, err
	}
	return &da, nil
}

// CreateToken attempts the device_code token grant. While the user has not
// acted yet it returns errAuthorizationPending or errSlowDown.
func (c *Client) CreateToken(ctx context.Context, clientID, clientSecret, deviceCode string) (*TokenResponse, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"deviceCode":   deviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	}

	status, body, err := c.post(ctx, "/token", payload)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		var tok TokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, fmt.Errorf("builderid: parse token response: %w", err)
		}
		return &tok, nil
	case status == http.StatusBadRequest:
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &e); err == nil {
			switch e.Error {
			case "authorization_pending":
				return nil, errAuthorizationPending
			case "slow_down":
				return nil, errSlowDown
			}
		}
		return nil, &auth.ProviderError{Op: "builderid: create token", StatusCode: status, Body: string(body)}
	default:
		return nil, &auth.ProviderError{Op: "builderid: create token", StatusCode: status, Body: string(body)}
	}
}

// RefreshToken exchanges a refresh token for a new access token using the
// per-account client pair issued at link time.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
		"grantType":    "refresh_token",
	}

	var tok TokenResponse
	if err := c.postJSON(ctx, "/token", payload, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// postJSON posts a payload and decodes a 200 response into out.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	status, body, err := c.post(ctx, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &auth.ProviderError{Op: "builderid: " + path, StatusCode: status, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("builderid: parse %s response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("builderid: marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("builderid: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("builderid: %s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("builderid: read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}
