// Package server wires the flow engines, ledger, and account repository
// into the HTTP surface.
package server

import (
	"net/http"

	"github.com/airsugar/agpool/internal/account"
	"github.com/airsugar/agpool/internal/auth/builderid"
	"github.com/airsugar/agpool/internal/auth/google"
	"github.com/airsugar/agpool/internal/auth/token"
	"github.com/airsugar/agpool/internal/logging"
	"github.com/airsugar/agpool/internal/quota"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Deps collects everything the router needs.
type Deps struct {
	DB        *gorm.DB
	Accounts  *account.Repository
	Google    *google.Service
	BuilderID *builderid.Service
	Tokens    *token.Manager
	Ledger    *quota.Ledger
}

// NewRouter builds the chi router. The OAuth callback stays public (the
// provider redirects the user's browser there); everything else requires
// the API key.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestID)

	// Provider redirect target; correlation happens via the state token.
	r.Get("/oauth-callback", GoogleCallbackHandler(d.Google))

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(d.DB))

		r.Post("/auth/google/url", BeginGoogleLoginHandler(d.Google))
		r.Post("/auth/builder-id/url", BeginBuilderIDHandler(d.BuilderID))
		r.Post("/auth/builder-id/poll", PollBuilderIDHandler(d.BuilderID))

		r.Route("/api", func(r chi.Router) {
			r.Get("/accounts", AccountsHandler(d.Accounts))
			r.Post("/accounts/{id}/refresh", RefreshAccountHandler(d.Accounts, d.Tokens))

			r.Post("/quota/consume", ConsumeQuotaHandler(d.Ledger))
			r.Get("/quota/{owner}/{model}", QuotaHandler(d.Ledger))
			r.Post("/quota/recover", RecoverQuotaHandler(d.Ledger))
		})
	})

	return r
}
