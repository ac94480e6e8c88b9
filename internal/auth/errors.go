// Package auth holds the error taxonomy shared by both OAuth flow engines
// and the token lifecycle manager.
package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState means the correlation token is unknown, expired, or
	// already consumed. Not retryable; the user must restart the flow.
	ErrInvalidState = errors.New("invalid or expired state parameter")

	// ErrNoEntitlement means the token is valid but the account exposes no
	// usable model. The account is never created.
	ErrNoEntitlement = errors.New("account has no usable models")

	// ErrAuthorizationTimeout means the device flow exceeded its deadline
	// before the user approved it.
	ErrAuthorizationTimeout = errors.New("authorization timed out")

	// ErrRefreshFailed wraps a provider rejection of a refresh_token grant.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// ProviderError carries a non-2xx response from an identity provider.
type ProviderError struct {
	Op         string // which provider call failed
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}
