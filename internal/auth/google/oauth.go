// Package google drives the three-legged authorization-code flow against
// the primary identity provider and finalizes the resulting credential.
package google

import (
	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// OAuth credentials from Antigravity (for learning/research purposes).
// A config file may override these.
const (
	DefaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Scopes required for accessing the upstream Gemini API.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// OAuthConfig returns the oauth2 config for the code flow. Empty clientID
// or clientSecret fall back to the built-in defaults.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     googleOAuth.Endpoint,
	}
}
