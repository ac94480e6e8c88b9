// Command quota-recovery runs one quota recovery pass and exits. Meant to
// be scheduled externally (cron, systemd timer) for deployments that do
// not run the server's built-in recovery loop.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/airsugar/agpool/internal/account"
	"github.com/airsugar/agpool/internal/config"
	"github.com/airsugar/agpool/internal/db"
	"github.com/airsugar/agpool/internal/quota"
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
		log.Fatalf("Failed to open database: %v", err)
	}

	ledger := quota.NewLedger(database, account.NewRepository(database), quota.Policy{
		DedicatedAllotment: cfg.Quota.DedicatedAllotment,
		SharedPerAccount:   cfg.Quota.SharedPerAccount,
		RecoveryFraction:   cfg.Quota.RecoveryFraction,
	})

	count, err := ledger.RecoverAll(context.Background())
	if err != nil {
		log.Fatalf("❌ Quota recovery failed: %v", err)
	}
	log.Printf("♻️ Quota recovery done: %d rows updated", count)

	if sqlDB, err := database.DB(); err == nil {
		sqlDB.Close()
	}
}
