package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/airsugar/agpool/internal/account"
	"github.com/airsugar/agpool/internal/auth"
	"github.com/airsugar/agpool/internal/auth/builderid"
	"github.com/airsugar/agpool/internal/auth/google"
	"github.com/airsugar/agpool/internal/auth/token"
	"github.com/airsugar/agpool/internal/db/models"
	"github.com/airsugar/agpool/internal/logging"
	"github.com/airsugar/agpool/internal/quota"
	"github.com/go-chi/chi/v5"
)

// accountView is the JSON shape accounts are exposed with. Tokens are
// masked; full credentials never leave the process.
type accountView struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	IsShared   bool      `json:"is_shared"`
	AuthMethod string    `json:"auth_method"`
	Provider   string    `json:"provider"`
	Email      string    `json:"email,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsActive   bool      `json:"is_active"`
}

func viewOf(acc *models.Account) accountView {
	return accountView{
		ID:         acc.ID,
		UserID:     acc.UserID,
		IsShared:   acc.IsShared,
		AuthMethod: acc.AuthMethod,
		Provider:   acc.Provider,
		Email:      acc.Email,
		ExpiresAt:  acc.ExpiresAt,
		IsActive:   acc.IsActive,
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}

// statusForAuthError maps the flow error taxonomy onto HTTP statuses.
func statusForAuthError(err error) int {
	var provErr *auth.ProviderError
	switch {
	case errors.Is(err, auth.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNoEntitlement):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrAuthorizationTimeout):
		return http.StatusRequestTimeout
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BeginGoogleLoginHandler starts an authorization-code flow.
func BeginGoogleLoginHandler(svc *google.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   string `json:"user_id"`
			IsShared bool   `json:"is_shared"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			respondError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		session, err := svc.BeginLogin(r.Context(), req.UserID, req.IsShared)
		if err != nil {
			log.Printf("❌ [%s] Begin login failed: %v", logging.GetRequestID(r.Context()), err)
			respondError(w, http.StatusInternalServerError, "failed to start login")
			return
		}
		respondJSON(w, http.StatusOK, session)
	}
}

// GoogleCallbackHandler completes the code flow when the provider
// redirects the user back.
func GoogleCallbackHandler(svc *google.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if code == "" || state == "" {
			respondError(w, http.StatusBadRequest, "code and state are required")
			return
		}

		acc, err := svc.CompleteLogin(r.Context(), code, state)
		if err != nil {
			log.Printf("❌ [%s] OAuth callback failed: %v", logging.GetRequestID(r.Context()), err)
			respondError(w, statusForAuthError(err), err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.success { color: #4ade80; }
		code { background: #374151; padding: 2px 6px; border-radius: 4px; color: #fbbf24; }
	</style>
</head>
<body>
	<h1 class="success">✅ Account Linked!</h1>
	<p><strong>Account:</strong> <code>%s</code></p>
	<p>You can close this window.</p>
</body>
</html>`, acc.ID)
	}
}

// BeginBuilderIDHandler starts a device-code flow. The caller's own
// bearer credential rides along in the flow state for later linking.
func BeginBuilderIDHandler(svc *builderid.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   string `json:"user_id"`
			IsShared bool   `json:"is_shared"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			respondError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		session, err := svc.BeginLogin(r.Context(), req.UserID, req.IsShared, bearer)
		if err != nil {
			log.Printf("❌ [%s] Builder ID begin failed: %v", logging.GetRequestID(r.Context()), err)
			respondError(w, statusForAuthError(err), err.Error())
			return
		}
		respondJSON(w, http.StatusOK, session)
	}
}

// PollBuilderIDHandler long-polls the device flow. Closing the request
// cancels the poll without touching the ledger or the flow state.
func PollBuilderIDHandler(svc *builderid.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" {
			respondError(w, http.StatusBadRequest, "state is required")
			return
		}

		acc, err := svc.Poll(r.Context(), req.State)
		if err != nil {
			log.Printf("❌ [%s] Builder ID poll failed: %v", logging.GetRequestID(r.Context()), err)
			respondError(w, statusForAuthError(err), err.Error())
			return
		}
		respondJSON(w, http.StatusOK, viewOf(acc))
	}
}

// AccountsHandler lists all stored accounts with masked credentials.
func AccountsHandler(repo *account.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := repo.ListAll(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}

		views := make([]accountView, 0, len(accounts))
		for i := range accounts {
			views = append(views, viewOf(&accounts[i]))
		}
		respondJSON(w, http.StatusOK, map[string]any{"accounts": views})
	}
}

// RefreshAccountHandler forces a token refresh for one account.
func RefreshAccountHandler(repo *account.Repository, mgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := repo.FindByID(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}

		refreshed, err := mgr.Refresh(r.Context(), acc)
		if err != nil {
			log.Printf("❌ [%s] Refresh failed for %s: %v", logging.GetRequestID(r.Context()), id, err)
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, viewOf(refreshed))
	}
}

// ConsumeQuotaHandler debits quota for an owner/model pair.
func ConsumeQuotaHandler(ledger *quota.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string  `json:"owner_id"`
			Model   string  `json:"model"`
			Amount  float64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" || req.Model == "" {
			respondError(w, http.StatusBadRequest, "owner_id and model are required")
			return
		}
		if req.Amount == 0 {
			req.Amount = 1
		}

		remaining, err := ledger.Consume(r.Context(), req.OwnerID, req.Model, req.Amount)
		switch {
		case errors.Is(err, quota.ErrInsufficientQuota):
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":     map[string]string{"message": "insufficient quota"},
				"remaining": remaining,
			})
			return
		case errors.Is(err, quota.ErrQuotaNotFound):
			respondError(w, http.StatusNotFound, "no quota row for owner/model")
			return
		case err != nil:
			respondError(w, http.StatusInternalServerError, "quota consume failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
	}
}

// QuotaHandler reads the current balance for an owner/model pair.
func QuotaHandler(ledger *quota.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := chi.URLParam(r, "owner")
		model := chi.URLParam(r, "model")

		remaining, err := ledger.Remaining(r.Context(), ownerID, model)
		if errors.Is(err, quota.ErrQuotaNotFound) {
			respondError(w, http.StatusNotFound, "no quota row for owner/model")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "quota lookup failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "model": model, "remaining": remaining})
	}
}

// RecoverQuotaHandler triggers a recovery pass on demand.
func RecoverQuotaHandler(ledger *quota.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := ledger.RecoverAll(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "quota recovery failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"rows_updated": count})
	}
}
