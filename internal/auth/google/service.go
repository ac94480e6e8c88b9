package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/airsugar/agpool/internal/auth"
	"github.com/airsugar/agpool/internal/db/models"
	"github.com/airsugar/agpool/internal/store"
	"github.com/airsugar/agpool/internal/upstream"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	stateKeyPrefix = "oauth:google:state:"
	stateTTL       = 5 * time.Minute
)

// FlowState correlates an in-progress handshake to its initiator.
// It lives in the store under the state token until the flow completes
// or the TTL evicts it.
type FlowState struct {
	UserID    string    `json:"user_id"`
	IsShared  bool      `json:"is_shared"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginSession is what a caller needs to send the user to the provider.
type LoginSession struct {
	AuthURL   string `json:"auth_url"`
	State     string `json:"state"`
	ExpiresIn int    `json:"expires_in"`
}

// accountRepo is the slice of the account repository this engine needs.
type accountRepo interface {
	Save(ctx context.Context, acc *models.Account) error
}

// quotaInitializer seeds quota rows once a credential is admitted.
type quotaInitializer interface {
	InitializeOrUpdate(ctx context.Context, ownerID string, modelNames []string, isShared bool) error
}

// Service drives the authorization-code flow.
type Service struct {
	oauthCfg *oauth2.Config
	states   store.Store
	accounts accountRepo
	ledger   quotaInitializer
	upstream upstream.ModelLister
}

// NewService creates a code-flow engine.
func NewService(oauthCfg *oauth2.Config, states store.Store, accounts accountRepo, ledger quotaInitializer, lister upstream.ModelLister) *Service {
	return &Service{
		oauthCfg: oauthCfg,
		states:   states,
		accounts: accounts,
		ledger:   ledger,
		upstream: lister,
	}
}

// BeginLogin generates a fresh state token, records flow state with a
// 5-minute expiry, and returns the provider authorization URL.
func (s *Service) BeginLogin(ctx context.Context, userID string, isShared bool) (*LoginSession, error) {
	state := uuid.New().String()

	data, err := json.Marshal(FlowState{
		UserID:    userID,
		IsShared:  isShared,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("google: marshal flow state: %w", err)
	}
	if err := s.states.Set(ctx, stateKeyPrefix+state, data, stateTTL); err != nil {
		return nil, fmt.Errorf("google: persist flow state: %w", err)
	}

	authURL := s.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	log.Printf("🔗 Generated OAuth URL: user_id=%s, state=%s", userID, state)

	return &LoginSession{
		AuthURL:   authURL,
		State:     state,
		ExpiresIn: int(stateTTL.Seconds()),
	}, nil
}

// StateInfo returns the flow state for a state token, or nil when the
// token is unknown or expired. Side-effect-free.
func (s *Service) StateInfo(ctx context.Context, state string) (*FlowState, error) {
	data, err := s.states.Get(ctx, stateKeyPrefix+state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("google: lookup flow state: %w", err)
	}

	var fs FlowState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("google: decode flow state: %w", err)
	}
	return &fs, nil
}

// CompleteLogin exchanges the authorization code, verifies entitlement,
// persists the credential, and seeds the quota ledger. The state token is
// single-use: a replay with the same state fails with ErrInvalidState.
func (s *Service) CompleteLogin(ctx context.Context, code, state string) (*models.Account, error) {
	fs, err := s.StateInfo(ctx, state)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return nil, auth.ErrInvalidState
	}

	token, err := s.oauthCfg.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, &auth.ProviderError{
				Op:         "google: token exchange",
				StatusCode: retrieveErr.Response.StatusCode,
				Body:       string(retrieveErr.Body),
			}
		}
		return nil, fmt.Errorf("google: token exchange: %w", err)
	}

	id := auth.AccountID(token.RefreshToken)

	// Entitlement check before anything is written: a token that lists no
	// models would otherwise become a zero-quota account erroring at serve
	// time.
	log.Printf("🔍 Verifying account entitlement: account_id=%s", id)
	modelInfos, err := s.upstream.ListModels(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("google: entitlement check: %w", err)
	}
	if len(modelInfos) == 0 {
		return nil, auth.ErrNoEntitlement
	}

	acc := &models.Account{
		ID:           id,
		UserID:       fs.UserID,
		IsShared:     fs.IsShared,
		AuthMethod:   models.AuthMethodOAuth,
		Provider:     models.ProviderGoogle,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		IsActive:     true,
	}
	if err := s.accounts.Save(ctx, acc); err != nil {
		return nil, err
	}

	modelNames := make([]string, 0, len(modelInfos))
	for name := range modelInfos {
		modelNames = append(modelNames, name)
	}

	// Quota rows follow the credential write. A failure here leaves the
	// account in place; re-running initialization is idempotent.
	if err := s.ledger.InitializeOrUpdate(ctx, id, modelNames, false); err != nil {
		return nil, fmt.Errorf("google: init dedicated quota: %w", err)
	}
	if fs.IsShared {
		if err := s.ledger.InitializeOrUpdate(ctx, fs.UserID, modelNames, true); err != nil {
			return nil, fmt.Errorf("google: update shared pool: %w", err)
		}
	}

	if err := s.states.Delete(ctx, stateKeyPrefix+state); err != nil {
		log.Printf("⚠️ Failed to clear flow state %s: %v", state, err)
	}

	log.Printf("✅ OAuth callback handled: account_id=%s, user_id=%s, %d models", id, fs.UserID, len(modelNames))
	return acc, nil
}
