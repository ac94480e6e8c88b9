package models

import "time"

// QuotaRow is the unit of trackable consumable capacity: one model, one
// owner. Dedicated rows are keyed by account id, shared pool rows by the
// owning user id. Balances are mutated only through atomic conditional
// updates so 0 <= balance <= max_balance holds under concurrent access.
type QuotaRow struct {
	ID         uint    `gorm:"primaryKey"`
	OwnerID    string  `gorm:"uniqueIndex:idx_owner_model"` // account id or user id
	Model      string  `gorm:"uniqueIndex:idx_owner_model"`
	IsShared   bool    `gorm:"index"`
	Balance    float64 // remaining usable units, never negative
	MaxBalance float64 // ceiling the balance cannot exceed
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
