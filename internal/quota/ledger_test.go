package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/airsugar/agpool/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestQuotaDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	// Serialize connections so concurrent writers queue instead of
	// tripping SQLite's busy handler.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.QuotaRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// fixedCounter reports a fixed number of valid shared accounts.
type fixedCounter struct{ n int64 }

func (c *fixedCounter) CountValidShared(ctx context.Context, userID string) (int64, error) {
	return c.n, nil
}

func testPolicy() Policy {
	return Policy{DedicatedAllotment: 100, SharedPerAccount: 2, RecoveryFraction: 0.2}
}

func TestInitializeOrUpdate_DedicatedRows(t *testing.T) {
	db := newTestQuotaDB(t)
	l := NewLedger(db, &fixedCounter{}, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "acc-1", []string{"model-a", "model-b"}, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	remaining, err := l.Remaining(ctx, "acc-1", "model-a")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 100 {
		t.Fatalf("expected full allotment 100, got %f", remaining)
	}
}

func TestInitializeOrUpdate_DedicatedPreservesBalance(t *testing.T) {
	db := newTestQuotaDB(t)
	l := NewLedger(db, &fixedCounter{}, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "acc-1", []string{"model-a"}, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := l.Consume(ctx, "acc-1", "model-a", 30); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Re-linking the same account must not reset the spent balance.
	if err := l.InitializeOrUpdate(ctx, "acc-1", []string{"model-a"}, false); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	remaining, err := l.Remaining(ctx, "acc-1", "model-a")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 70 {
		t.Fatalf("expected balance preserved at 70, got %f", remaining)
	}
}

func TestSharedPool_CeilingFromAccountCount(t *testing.T) {
	db := newTestQuotaDB(t)
	counter := &fixedCounter{n: 3}
	l := NewLedger(db, counter, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("init shared: %v", err)
	}

	var row models.QuotaRow
	if err := db.Where("owner_id = ? AND model = ?", "user-1", "model-a").First(&row).Error; err != nil {
		t.Fatalf("lookup row: %v", err)
	}
	if row.MaxBalance != 6 || row.Balance != 6 {
		t.Fatalf("expected max=6 balance=6 for 3 accounts, got max=%f balance=%f", row.MaxBalance, row.Balance)
	}
	if !row.IsShared {
		t.Fatalf("expected shared row")
	}
}

func TestSharedPool_GrowsWithNewAccount(t *testing.T) {
	db := newTestQuotaDB(t)
	counter := &fixedCounter{n: 1}
	l := NewLedger(db, counter, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("init shared: %v", err)
	}
	if _, err := l.Consume(ctx, "user-1", "model-a", 1); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Second account links: ceiling rises, spent balance stays.
	counter.n = 2
	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("grow pool: %v", err)
	}

	var row models.QuotaRow
	if err := db.Where("owner_id = ? AND model = ?", "user-1", "model-a").First(&row).Error; err != nil {
		t.Fatalf("lookup row: %v", err)
	}
	if row.MaxBalance != 4 {
		t.Fatalf("expected max=4, got %f", row.MaxBalance)
	}
	if row.Balance != 1 {
		t.Fatalf("expected balance preserved at 1, got %f", row.Balance)
	}
}

func TestSharedPool_ClampOnCeilingShrink(t *testing.T) {
	db := newTestQuotaDB(t)
	counter := &fixedCounter{n: 3}
	l := NewLedger(db, counter, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("init shared: %v", err)
	}

	// An account drops out: balance 6 must clamp down to the new ceiling 4.
	counter.n = 2
	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("shrink pool: %v", err)
	}

	var row models.QuotaRow
	if err := db.Where("owner_id = ? AND model = ?", "user-1", "model-a").First(&row).Error; err != nil {
		t.Fatalf("lookup row: %v", err)
	}
	if row.MaxBalance != 4 || row.Balance != 4 {
		t.Fatalf("expected max=4 balance=4 after shrink, got max=%f balance=%f", row.MaxBalance, row.Balance)
	}
}

func TestConsume_InsufficientLeavesBalance(t *testing.T) {
	db := newTestQuotaDB(t)
	l := NewLedger(db, &fixedCounter{}, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "acc-1", []string{"model-a"}, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	remaining, err := l.Consume(ctx, "acc-1", "model-a", 150)
	if !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}
	if remaining != 100 {
		t.Fatalf("expected untouched balance 100, got %f", remaining)
	}
}

func TestConsume_UnknownRow(t *testing.T) {
	db := newTestQuotaDB(t)
	l := NewLedger(db, &fixedCounter{}, testPolicy())

	_, err := l.Consume(context.Background(), "nobody", "model-a", 1)
	if !errors.Is(err, ErrQuotaNotFound) {
		t.Fatalf("expected ErrQuotaNotFound, got %v", err)
	}
}

func TestConsume_RejectsNegativeAmount(t *testing.T) {
	db := newTestQuotaDB(t)
	l := NewLedger(db, &fixedCounter{}, testPolicy())

	_, err := l.Consume(context.Background(), "acc-1", "model-a", -1)
	if err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestConsume_ConcurrentNoDoubleSpend(t *testing.T) {
	db := newTestQuotaDB(t)
	l := NewLedger(db, &fixedCounter{}, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "acc-1", []string{"model-a"}, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	// 100 units of balance, 150 concurrent debits of 1: exactly 50 must
	// fail and the balance must land on zero, never below.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes, insufficient int
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, "acc-1", "model-a", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientQuota):
				insufficient++
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 100 || insufficient != 50 {
		t.Fatalf("expected 100 successes and 50 rejections, got %d/%d", successes, insufficient)
	}
	remaining, err := l.Remaining(ctx, "acc-1", "model-a")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected balance 0, got %f", remaining)
	}
}

func TestRecoverAll_RestoresFractionClamped(t *testing.T) {
	db := newTestQuotaDB(t)
	counter := &fixedCounter{n: 5}
	l := NewLedger(db, counter, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("init shared: %v", err)
	}
	// max=10; burn down to 1.
	if _, err := l.Consume(ctx, "user-1", "model-a", 9); err != nil {
		t.Fatalf("consume: %v", err)
	}

	count, err := l.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row updated, got %d", count)
	}
	remaining, _ := l.Remaining(ctx, "user-1", "model-a")
	if remaining != 3 {
		t.Fatalf("expected 1 + 10*0.2 = 3, got %f", remaining)
	}

	// Near the ceiling recovery clamps instead of overshooting.
	if _, err := l.Consume(ctx, "user-1", "model-a", 2); err != nil {
		t.Fatalf("consume: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := l.RecoverAll(ctx); err != nil {
			t.Fatalf("recover: %v", err)
		}
	}
	remaining, _ = l.Remaining(ctx, "user-1", "model-a")
	if remaining != 10 {
		t.Fatalf("expected balance clamped at ceiling 10, got %f", remaining)
	}
}

func TestRecoverAll_SkipsFullAndDedicatedRows(t *testing.T) {
	db := newTestQuotaDB(t)
	counter := &fixedCounter{n: 1}
	l := NewLedger(db, counter, testPolicy())
	ctx := context.Background()

	if err := l.InitializeOrUpdate(ctx, "user-1", []string{"model-a"}, true); err != nil {
		t.Fatalf("init shared: %v", err)
	}
	if err := l.InitializeOrUpdate(ctx, "acc-1", []string{"model-a"}, false); err != nil {
		t.Fatalf("init dedicated: %v", err)
	}
	// Drain the dedicated row; it must still not be recovered.
	if _, err := l.Consume(ctx, "acc-1", "model-a", 100); err != nil {
		t.Fatalf("consume: %v", err)
	}

	count, err := l.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows updated, got %d", count)
	}
	remaining, _ := l.Remaining(ctx, "acc-1", "model-a")
	if remaining != 0 {
		t.Fatalf("expected dedicated row untouched at 0, got %f", remaining)
	}
}
