// Package account persists finalized upstream credentials. Flow engines
// hand validated credentials to the repository; revocation is an explicit
// operation, accounts are never silently deleted.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/airsugar/agpool/internal/db/models"
	"gorm.io/gorm"
)

// Repository provides access to stored account credentials.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the given database handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Save creates or updates an account. The primary key is derived from the
// refresh token, so saving the same upstream account twice is an update.
func (r *Repository) Save(ctx context.Context, acc *models.Account) error {
	acc.LastUsedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(acc).Error; err != nil {
		return fmt.Errorf("account: save %s: %w", acc.ID, err)
	}
	return nil
}

// Update persists changes to an existing account.
func (r *Repository) Update(ctx context.Context, acc *models.Account) error {
	if err := r.db.WithContext(ctx).Save(acc).Error; err != nil {
		return fmt.Errorf("account: update %s: %w", acc.ID, err)
	}
	return nil
}

// FindByID returns the account with the given id.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	if err := r.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("account: find %s: %w", id, err)
	}
	return &acc, nil
}

// ListByUser returns all accounts owned by a user.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("account: list for user %s: %w", userID, err)
	}
	return accounts, nil
}

// ListAll returns every stored account.
func (r *Repository) ListAll(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.WithContext(ctx).Order("created_at").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("account: list all: %w", err)
	}
	return accounts, nil
}

// CountValidShared counts the user's shared accounts that still hold a
// refresh token and are active. This is the n in the pool ceiling n*c.
func (r *Repository) CountValidShared(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("user_id = ? AND is_shared = ? AND is_active = ? AND refresh_token <> ''", userID, true, true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("account: count shared for user %s: %w", userID, err)
	}
	return n, nil
}

// Deactivate marks an account inactive, e.g. after a permanent refresh
// failure. The row is kept; shared pool ceilings shrink on next recompute.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("account: deactivate %s: %w", id, err)
	}
	return nil
}
