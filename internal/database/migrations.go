package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSingleRootIndex        = "2026-10-01_single_root_index"
	migrationRecomputePersonalSpend = "2026-10-01_recompute_personal_spend"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSingleRootIndex, apply: createSingleRootIndex},
		{name: migrationRecomputePersonalSpend, apply: recomputePersonalSpend},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// createSingleRootIndex lets at most one account have no referrer.
func createSingleRootIndex(db *gorm.DB) error {
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_single_root ON accounts ((referrer_id IS NULL)) WHERE referrer_id IS NULL").Error
}

type spendRow struct {
	BuyerID int64           `gorm:"column:buyer_id"`
	Amount  decimal.Decimal `gorm:"column:amount"`
}

// recomputePersonalSpend rewrites personal_spend as the sum of each account's purchases.
func recomputePersonalSpend(db *gorm.DB) error {
	var rows []spendRow
	if err := db.Model(&ledger.Purchase{}).Select("buyer_id", "amount").Find(&rows).Error; err != nil {
		return err
	}
	totals := make(map[int64]decimal.Decimal)
	for _, row := range rows {
		totals[row.BuyerID] = totals[row.BuyerID].Add(row.Amount)
	}

	var accounts []ledger.Account
	if err := db.Select("id", "personal_spend").Find(&accounts).Error; err != nil {
		return err
	}
	for _, account := range accounts {
		want, ok := totals[account.ID]
		if !ok {
			want = decimal.Zero
		}
		if account.PersonalSpend.Equal(want) {
			continue
		}
		if err := db.Model(&ledger.Account{}).Where("id = ?", account.ID).Update("personal_spend", want).Error; err != nil {
			return err
		}
	}
	return nil
}
