package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/commission"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%06d", p.next), nil
}

type limitedIDProvider struct {
	sequenceIDProvider
	remaining int
}

func (p *limitedIDProvider) NewID() (string, error) {
	p.mu.Lock()
	exhausted := p.remaining <= 0
	p.remaining--
	p.mu.Unlock()
	if exhausted {
		return "", fmt.Errorf("id budget exhausted")
	}
	return p.sequenceIDProvider.NewID()
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", fmt.Errorf("entropy exhausted")
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:spendcap_ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, rates ...string) (*Service, *gorm.DB) {
	t.Helper()

	if len(rates) == 0 {
		rates = []string{"0.10", "0.05"}
	}
	table, err := commission.ParseRates(rates)
	if err != nil {
		t.Fatalf("invalid rates: %v", err)
	}

	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:    db,
		Rates:       table,
		Clock:       func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider:  &sequenceIDProvider{},
		BusyBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}
	return service, db
}

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", value, err)
	}
	return parsed
}

func mustRegister(t *testing.T, service *Service, username string, referrer *Account) Account {
	t.Helper()
	registration := AccountRegistration{Username: username}
	if referrer != nil {
		parent := AccountID(referrer.ID)
		registration.ReferrerID = &parent
	}
	account, err := service.RegisterAccount(context.Background(), registration)
	if err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	return account
}

func mustPurchase(t *testing.T, service *Service, buyer Account, amount string) PurchaseReceipt {
	t.Helper()
	receipt, err := service.RecordPurchase(context.Background(), AccountID(buyer.ID), mustDecimal(t, amount))
	if err != nil {
		t.Fatalf("purchase by %s failed: %v", buyer.Username, err)
	}
	return receipt
}

func mustEvaluate(t *testing.T, service *Service, account Account) Balance {
	t.Helper()
	balance, err := service.Evaluate(context.Background(), AccountID(account.ID))
	if err != nil {
		t.Fatalf("evaluate %s failed: %v", account.Username, err)
	}
	return balance
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func assertDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(mustDecimal(t, want)) {
		t.Fatalf("%s: want %s got %s", label, want, got)
	}
}

func assertServiceCode(t *testing.T, err error, code string) {
	t.Helper()
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError with code %s, got %T: %v", code, err, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}
