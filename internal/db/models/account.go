package models

import "time"

// Auth methods and providers recorded on an account. Two flow engines
// exist, so every credential carries the identity provider that issued it.
const (
	AuthMethodOAuth     = "oauth"      // Google authorization-code flow
	AuthMethodBuilderID = "builder-id" // AWS Builder ID device flow

	ProviderGoogle = "google"
	ProviderAWS    = "AWS"
)

// Account stores an upstream credential pooled on behalf of a user.
// The ID is derived from the refresh token, so re-linking the same
// upstream account is idempotent.
type Account struct {
	ID       string `gorm:"primaryKey"` // sha256(refresh_token) hex, truncated
	UserID   string `gorm:"index"`
	IsShared bool   // contributes to the user's shared pool vs. dedicated use

	AuthMethod string // "oauth" or "builder-id"
	Provider   string // "google" or "AWS"
	Email      string // best-effort identity, may be empty for device flow

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// Device-flow accounts carry their own registered OIDC client and the
	// machine identifier generated at link time.
	ClientID     string
	ClientSecret string
	MachineID    string

	IsActive   bool `gorm:"default:true"`
	LastUsedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Valid reports whether the account still counts toward pool capacity:
// active and holding a refresh token. An expired access token alone does
// not invalidate the account since it is recoverable by refresh.
func (a *Account) Valid() bool {
	return a.IsActive && a.RefreshToken != ""
}
