package builderid

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
)

const (
	stateKeyPrefix      = "kiro:aws-builder:state:"
	defaultPollInterval = 5 * time.Second
)

// FlowState is the per-attempt record persisted for the duration of the
// device authorization. TTL matches the provider-declared expiry.
type FlowState struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	DeviceCode   string    `json:"device_code"`
	MachineID    string    `json:"machineid"`
	UserID       string    `json:"user_id"`
	IsShared     bool      `json:"is_shared"`
	BearerToken  string    `json:"bearer_token"`
	Interval     int       `json:"interval"` // provider-declared, seconds
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LoginSession is returned to the caller to hand to the user.
type LoginSession struct {
	AuthURL         string `json:"auth_url"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	State           string `json:"state"`
	ExpiresIn       int    `json:"expires_in"`
}

type accountRepo interface {
	Save(ctx context.Context, acc *models.Account) error
}

type quotaInitializer interface {
	InitializeOrUpdate(ctx context.Context, ownerID string, modelNames []string, isShared bool) error
}

// Service drives the device-code flow end to end.
type Service struct {
	oidc         *Client
	states       store.Store
	accounts     accountRepo
	ledger       quotaInitializer
	upstream     upstream.ModelLister
	pollInterval time.Duration
}

// Option configures Service.
type Option func(*Service)

// WithPollInterval overrides the base wait between token attempts when the
// provider does not declare one. Tests shrink it.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

// NewService creates a device-flow engine.
func NewService(oidc *Client, states store.Store, accounts accountRepo, ledger quotaInitializer, lister upstream.ModelLister, opts ...Option) *Service {
	s := &Service{
		oidc:         oidc,
		states:       states,
		accounts:     accounts,
		ledger:       ledger,
		upstream:     lister,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginLogin registers a fresh OAuth client, starts device authorization,
// and persists the flow state under a new state token with TTL equal to
// the provider-declared expiry.
func (s *Service) BeginLogin(ctx context.Context, userID string, isShared bool, bearerToken string) (*LoginSession, error) {
	machineID, err := GenerateMachineID()
	if err != nil {
		return nil, err
	}

	reg, err := s.oidc.RegisterClient(ctx)
	if err != nil {
		return nil, err
	}

	da, err := s.oidc.StartDeviceAuthorization(ctx, reg.ClientID, reg.ClientSecret)
	if err != nil {
		return nil, err
	}

	state := uuid.New().String()
	now := time.Now()
	fs := FlowState{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		DeviceCode:   da.DeviceCode,
		MachineID:    machineID,
		UserID:       userID,
		IsShared:     isShared,
		BearerToken:  bearerToken,
		Interval:     da.Interval,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(da.ExpiresIn) * time.Second),
	}
	data, err := json.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("builderid: marshal flow state: %w", err)
	}
	ttl := time.Duration(da.ExpiresIn) * time.Second
	if err := s.states.Set(ctx, stateKeyPrefix+state, data, ttl); err != nil {
		return nil, fmt.Errorf("builderid: persist flow state: %w", err)
	}

	log.Printf("🔗 Generated Builder ID login URL: state=%s, machineid=%s...", state, machineID[:8])

	return &LoginSession{
		AuthURL:         da.VerificationURIComplete,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		State:           state,
		ExpiresIn:       da.ExpiresIn,
	}, nil
}

// StateInfo returns the flow state for a state token, or nil when the
// token is unknown or expired.
func (s *Service) StateInfo(ctx context.Context, state string) (*FlowState, error) {
	data, err := s.states.Get(ctx, stateKeyPrefix+state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("builderid: lookup flow state: %w", err)
	}

	var fs FlowState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("builderid: decode flow state: %w", err)
	}
	return &fs, nil
}

// Poll drives the token exchange until the user approves, the flow
// expires, or ctx is canceled. Waiting happens on a timer select, so the
// loop holds no locks and cancellation abandons it promptly; the state
// entry is then left to its TTL. Only a successful terminal transition
// finalizes a credential or touches the ledger.
func (s *Service) Poll(ctx context.Context, state string) (*models.Account, error) {
	fs, err := s.StateInfo(ctx, state)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return nil, auth.ErrInvalidState
	}

	interval := s.pollInterval
	if fs.Interval > 0 {
		interval = time.Duration(fs.Interval) * time.Second
	}

	for time.Now().Before(fs.ExpiresAt) {
		tok, err := s.oidc.CreateToken(ctx, fs.ClientID, fs.ClientSecret, fs.DeviceCode)
		switch {
		case err == nil:
			return s.finalize(ctx, state, fs, tok)
		case errors.Is(err, errAuthorizationPending):
			// stay pending, wait one interval
		case errors.Is(err, errSlowDown):
			// throttled: at least double the wait before the next attempt
			interval *= 2
		default:
			return nil, err
		}

		if err := s.wait(ctx, interval); err != nil {
			return nil, err
		}
	}

	return nil, auth.ErrAuthorizationTimeout
}

// wait sleeps for d without blocking past cancellation.
func (s *Service) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// finalize validates entitlement, persists the credential, seeds quota
// rows, and clears the flow state. Quota initialization follows the
// credential write; re-running it is idempotent if it fails midway.
func (s *Service) finalize(ctx context.Context, state string, fs *FlowState, tok *TokenResponse) (*models.Account, error) {
	id := auth.AccountID(tok.RefreshToken)

	var email string
	if claims, err := decodeTokenClaims(tok.AccessToken); err == nil {
		email = claims.Email
	}

	log.Printf("🔍 Verifying account entitlement: account_id=%s", id)
	modelInfos, err := s.upstream.ListModels(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("builderid: entitlement check: %w", err)
	}
	if len(modelInfos) == 0 {
		return nil, auth.ErrNoEntitlement
	}

	acc := &models.Account{
		ID:           id,
		UserID:       fs.UserID,
		IsShared:     fs.IsShared,
		AuthMethod:   models.AuthMethodBuilderID,
		Provider:     models.ProviderAWS,
		Email:        email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		ClientID:     fs.ClientID,
		ClientSecret: fs.ClientSecret,
		MachineID:    fs.MachineID,
		IsActive:     true,
	}
	if err := s.accounts.Save(ctx, acc); err != nil {
		return nil, err
	}

	modelNames := make([]string, 0, len(modelInfos))
	for name := range modelInfos {
		modelNames = append(modelNames, name)
	}
	if err := s.ledger.InitializeOrUpdate(ctx, id, modelNames, false); err != nil {
		return nil, fmt.Errorf("builderid: init dedicated quota: %w", err)
	}
	if fs.IsShared {
		if err := s.ledger.InitializeOrUpdate(ctx, fs.UserID, modelNames, true); err != nil {
			return nil, fmt.Errorf("builderid: update shared pool: %w", err)
		}
	}

	if err := s.states.Delete(ctx, stateKeyPrefix+state); err != nil {
		log.Printf("⚠️ Failed to clear flow state %s: %v", state, err)
	}

	log.Printf("✅ Builder ID token obtained: account_id=%s, email=%s", id, email)
	return acc, nil
}
