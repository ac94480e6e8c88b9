// Package token refreshes expiring access tokens for both flow engines
// using stored refresh tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/airsugar/agpool/internal/auth"
	"github.com/airsugar/agpool/internal/auth/builderid"
	"github.com/airsugar/agpool/internal/db/models"
	"golang.org/x/oauth2"
)

// accountRepo is the slice of the repository the manager needs.
type accountRepo interface {
	Update(ctx context.Context, acc *models.Account) error
	Deactivate(ctx context.Context, id string) error
}

// Manager refreshes account credentials. Refreshes for the same account
// are serialized: two concurrent refreshes against a rotating refresh
// token can invalidate each other.
type Manager struct {
	accounts  accountRepo
	googleCfg *oauth2.Config
	oidc      *builderid.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a token lifecycle manager.
func NewManager(accounts accountRepo, googleCfg *oauth2.Config, oidc *builderid.Client) *Manager {
	return &Manager{
		accounts:  accounts,
		googleCfg: googleCfg,
		oidc:      oidc,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-account mutex, creating it on first use.
func (m *Manager) lockFor(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// Refresh exchanges the account's refresh token for a fresh access token
// and persists the result. Rotated refresh tokens are kept. Safe to call
// redundantly; a provider rejection surfaces as ErrRefreshFailed with the
// provider's status and body.
func (m *Manager) Refresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	if acc.RefreshToken == "" {
		return nil, fmt.Errorf("token: account %s has no refresh token", acc.ID)
	}

	l := m.lockFor(acc.ID)
	l.Lock()
	defer l.Unlock()

	var err error
	switch acc.AuthMethod {
	case models.AuthMethodBuilderID:
		err = m.refreshBuilderID(ctx, acc)
	default:
		err = m.refreshGoogle(ctx, acc)
	}
	if err != nil {
		if isPermanentRefreshError(err) {
			// Permanent auth failures deactivate the account so it stops
			// counting toward pool capacity until re-linked.
			if derr := m.accounts.Deactivate(ctx, acc.ID); derr != nil {
				log.Printf("⚠️ Failed to deactivate account %s: %v", acc.ID, derr)
			} else {
				log.Printf("🔒 Account %s marked inactive after permanent refresh failure", acc.ID)
			}
		}
		return nil, err
	}

	acc.LastUsedAt = time.Now()
	acc.IsActive = true
	if err := m.accounts.Update(ctx, acc); err != nil {
		return nil, err
	}

	log.Printf("✅ Refreshed token for account %s (expires: %s)", acc.ID, acc.ExpiresAt.Format(time.RFC3339))
	return acc, nil
}

// refreshGoogle performs a refresh_token grant against the code-flow
// provider using the provider-global client.
func (m *Manager) refreshGoogle(ctx context.Context, acc *models.Account) error {
	src := m.googleCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return fmt.Errorf("%w: %s", auth.ErrRefreshFailed, (&auth.ProviderError{
				Op:         "google: refresh",
				StatusCode: retrieveErr.Response.StatusCode,
				Body:       string(retrieveErr.Body),
			}).Error())
		}
		return fmt.Errorf("%w: %v", auth.ErrRefreshFailed, err)
	}

	acc.AccessToken = newToken.AccessToken
	acc.ExpiresAt = newToken.Expiry
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if newToken.RefreshToken != "" && newToken.RefreshToken != acc.RefreshToken {
		log.Printf("🔄 Rotating refresh token for account %s", acc.ID)
		acc.RefreshToken = newToken.RefreshToken
	}
	return nil
}

// refreshBuilderID performs a refresh_token grant against the device-flow
// provider with the account's own registered client pair.
func (m *Manager) refreshBuilderID(ctx context.Context, acc *models.Account) error {
	tok, err := m.oidc.RefreshToken(ctx, acc.ClientID, acc.ClientSecret, acc.RefreshToken)
	if err != nil {
		var provErr *auth.ProviderError
		if errors.As(err, &provErr) {
			return fmt.Errorf("%w: %s", auth.ErrRefreshFailed, provErr.Error())
		}
		return fmt.Errorf("%w: %v", auth.ErrRefreshFailed, err)
	}

	acc.AccessToken = tok.AccessToken
	acc.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		log.Printf("🔄 Rotating refresh token for account %s", acc.ID)
		acc.RefreshToken = tok.RefreshToken
	}
	return nil
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
