package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/airsugar/agpool/internal/account"
	"github.com/airsugar/agpool/internal/auth/builderid"
	"github.com/airsugar/agpool/internal/auth/google"
	"github.com/airsugar/agpool/internal/auth/token"
	"github.com/airsugar/agpool/internal/config"
	"github.com/airsugar/agpool/internal/db"
	"github.com/airsugar/agpool/internal/quota"
	"github.com/airsugar/agpool/internal/server"
	"github.com/airsugar/agpool/internal/store"
	"github.com/airsugar/agpool/internal/upstream"
	"github.com/airsugar/agpool/internal/version"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Flow state store: Redis when configured, otherwise in-memory.
	var states store.Store
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
		}
		states = store.NewRedisStore(client)
		log.Printf("🔗 Flow state store: redis (%s)", cfg.Redis.Addr)
	} else {
		states = store.NewMemoryStore()
		log.Printf("🔗 Flow state store: memory")
	}
	defer states.Close()

	accounts := account.NewRepository(database)
	ledger := quota.NewLedger(database, accounts, quota.Policy{
		DedicatedAllotment: cfg.Quota.DedicatedAllotment,
		SharedPerAccount:   cfg.Quota.SharedPerAccount,
		RecoveryFraction:   cfg.Quota.RecoveryFraction,
	})

	lister := upstream.NewClient(cfg.API.ModelsURL, cfg.API.Host, cfg.API.UserAgent)
	oauthCfg := google.OAuthConfig(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.CallbackURL)
	oidc := builderid.NewClient("")

	googleSvc := google.NewService(oauthCfg, states, accounts, ledger, lister)
	builderSvc := builderid.NewService(oidc, states, accounts, ledger, lister)
	tokens := token.NewManager(accounts, oauthCfg, oidc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger.StartRecoveryLoop(ctx, cfg.Quota.RecoveryInterval)

	r := server.NewRouter(server.Deps{
		DB:        database,
		Accounts:  accounts,
		Google:    googleSvc,
		BuilderID: builderSvc,
		Tokens:    tokens,
		Ledger:    ledger,
	})

	addr := cfg.Server.Addr()
	log.Printf("🚀 agpool %s starting on http://%s", version.Version, addr)
	log.Printf("🔗 OAuth callback: %s", cfg.OAuth.CallbackURL)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
