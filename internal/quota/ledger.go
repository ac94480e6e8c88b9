// Package quota tracks, consumes, and recovers usage capacity for
// dedicated accounts and per-user shared pools. Every balance mutation is
// an atomic conditional update relative to the stored value, never an
// unconditional overwrite, so rows stay consistent under concurrent
// consumers and the recovery job racing with live consumption.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/airsugar/agpool/internal/db/models"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientQuota is returned when a consumption would drive the
	// balance below zero. The balance is left untouched.
	ErrInsufficientQuota = errors.New("quota: insufficient balance")

	// ErrQuotaNotFound is returned when no row exists for the owner/model.
	ErrQuotaNotFound = errors.New("quota: no quota row")
)

// Policy holds the ledger's tunable constants.
type Policy struct {
	// DedicatedAllotment is the balance a newly created dedicated row gets.
	DedicatedAllotment float64
	// SharedPerAccount is the capacity each valid shared account adds to
	// its owner's pool ceiling.
	SharedPerAccount float64
	// RecoveryFraction of max_balance is restored per recovery invocation.
	RecoveryFraction float64
}

// sharedCounter counts a user's currently valid shared accounts.
type sharedCounter interface {
	CountValidShared(ctx context.Context, userID string) (int64, error)
}

// Ledger is the numeric model of consumption and recovery.
type Ledger struct {
	db       *gorm.DB
	accounts sharedCounter
	policy   Policy
}

// NewLedger creates a ledger with the given policy.
func NewLedger(db *gorm.DB, accounts sharedCounter, policy Policy) *Ledger {
	return &Ledger{db: db, accounts: accounts, policy: policy}
}

// InitializeOrUpdate ensures a quota row exists for every model. Dedicated
// rows get the fixed allotment when newly created. Shared rows recompute
// max_balance from the owner's current pool composition; a new row starts
// full, an existing row keeps its balance clamped to the new ceiling.
// Re-running after a partial failure is safe.
func (l *Ledger) InitializeOrUpdate(ctx context.Context, ownerID string, modelNames []string, isShared bool) error {
	if isShared {
		return l.updateSharedPool(ctx, ownerID, modelNames)
	}

	for _, model := range modelNames {
		var row models.QuotaRow
		err := l.db.WithContext(ctx).
			Where(models.QuotaRow{OwnerID: ownerID, Model: model}).
			Attrs(models.QuotaRow{
				Balance:    l.policy.DedicatedAllotment,
				MaxBalance: l.policy.DedicatedAllotment,
			}).
			FirstOrCreate(&row).Error
		if err != nil {
			return fmt.Errorf("quota: init dedicated row %s/%s: %w", ownerID, model, err)
		}
	}
	return nil
}

// updateSharedPool recomputes the pool ceiling for every model from the
// count of the owner's currently valid shared accounts.
func (l *Ledger) updateSharedPool(ctx context.Context, userID string, modelNames []string) error {
	n, err := l.accounts.CountValidShared(ctx, userID)
	if err != nil {
		return err
	}
	maxBalance := float64(n) * l.policy.SharedPerAccount

	for _, model := range modelNames {
		var existing models.QuotaRow
		err := l.db.WithContext(ctx).
			Where("owner_id = ? AND model = ?", userID, model).
			First(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := models.QuotaRow{
				OwnerID:    userID,
				Model:      model,
				IsShared:   true,
				Balance:    maxBalance,
				MaxBalance: maxBalance,
			}
			if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("quota: create shared row %s/%s: %w", userID, model, err)
			}
		case err != nil:
			return fmt.Errorf("quota: lookup shared row %s/%s: %w", userID, model, err)
		default:
			// Ceiling change and clamp in one statement so a concurrent
			// consume cannot slip between read and write.
			err := l.db.WithContext(ctx).Model(&models.QuotaRow{}).
				Where("owner_id = ? AND model = ?", userID, model).
				Updates(map[string]any{
					"max_balance": maxBalance,
					"balance":     gorm.Expr("MIN(balance, ?)", maxBalance),
				}).Error
			if err != nil {
				return fmt.Errorf("quota: update shared row %s/%s: %w", userID, model, err)
			}
		}
		log.Printf("📊 Shared pool updated: user_id=%s, model=%s, max=%.1f (%d accounts)", userID, model, maxBalance, n)
	}
	return nil
}

// Consume atomically decrements a balance. Fails with ErrInsufficientQuota
// and no side effect when the amount exceeds the balance; the balance can
// never go negative.
func (l *Ledger) Consume(ctx context.Context, ownerID, model string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("quota: negative amount %f", amount)
	}

	res := l.db.WithContext(ctx).Model(&models.QuotaRow{}).
		Where("owner_id = ? AND model = ? AND balance >= ?", ownerID, model, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return 0, fmt.Errorf("quota: consume %s/%s: %w", ownerID, model, res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the row is missing or the balance is short.
		var row models.QuotaRow
		err := l.db.WithContext(ctx).
			Where("owner_id = ? AND model = ?", ownerID, model).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrQuotaNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("quota: consume %s/%s: %w", ownerID, model, err)
		}
		return row.Balance, ErrInsufficientQuota
	}

	return l.Remaining(ctx, ownerID, model)
}

// Remaining returns the current balance for an owner/model pair.
func (l *Ledger) Remaining(ctx context.Context, ownerID, model string) (float64, error) {
	var row models.QuotaRow
	err := l.db.WithContext(ctx).
		Where("owner_id = ? AND model = ?", ownerID, model).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrQuotaNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("quota: remaining %s/%s: %w", ownerID, model, err)
	}
	return row.Balance, nil
}

// RecoverAll restores a fraction of capacity to every shared pool row,
// clamped at the ceiling, and returns the number of rows updated. It is
// the sole replenishment path for shared pools; dedicated rows are not
// touched. The single conditional UPDATE keeps it safe to run while
// consumers are debiting the same rows.
func (l *Ledger) RecoverAll(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Model(&models.QuotaRow{}).
		Where("is_shared = ? AND balance < max_balance", true).
		UpdateColumn("balance", gorm.Expr("MIN(max_balance, balance + max_balance * ?)", l.policy.RecoveryFraction))
	if res.Error != nil {
		return 0, fmt.Errorf("quota: recover all: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartRecoveryLoop invokes RecoverAll on a fixed cadence until ctx is
// canceled. Server-mode convenience; the cron binary covers deployments
// that prefer an external scheduler.
func (l *Ledger) StartRecoveryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := l.RecoverAll(ctx)
				if err != nil {
					log.Printf("❌ Quota recovery failed: %v", err)
					continue
				}
				log.Printf("♻️ Quota recovery done: %d rows updated", count)
			}
		}
	}()
	log.Printf("♻️ Quota recovery loop started (interval: %s)", interval)
}
