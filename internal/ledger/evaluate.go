package ledger

import (
	"context"

	"github.com/MarcoPoloResearchLab/spendcap/internal/spendcap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lookupChunkSize = 500

type generatedRow struct {
	BeneficiaryID int64           `gorm:"column:beneficiary_id"`
	Amount        decimal.Decimal `gorm:"column:amount"`
}

// Evaluate recomputes an account's claimable and locked commission from its personal spend
// and the sum of its commission entries. It reads one consistent snapshot and writes nothing.
func (service *Service) Evaluate(ctx context.Context, accountID AccountID) (Balance, error) {
	if service.db == nil {
		service.logError(opEvaluate, reasonMissingDatabase, errMissingDatabase)
		return Balance{}, newServiceError(opEvaluate, reasonMissingDatabase, errMissingDatabase)
	}

	var balance Balance
	err := service.withBusyRetry(ctx, opEvaluate, func(attemptCtx context.Context) error {
		return service.db.WithContext(attemptCtx).Transaction(func(transaction *gorm.DB) error {
			account, err := findAccount(transaction, accountID)
			if err != nil {
				return service.accountLookupError(opEvaluate, accountID, err)
			}
			generated, err := generatedTotals(transaction, []int64{account.ID})
			if err != nil {
				service.logError(opEvaluate, reasonQueryFailed, err, zap.Int64(fieldAccountID, account.ID))
				return newServiceError(opEvaluate, reasonQueryFailed, err)
			}
			balance = evaluateAccount(account, generated)
			return nil
		})
	})
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

func evaluateAccount(account Account, generated map[int64]decimal.Decimal) Balance {
	return spendcap.Apply(account.PersonalSpend.Decimal, generated[account.ID])
}

// generatedTotals sums commission entries per beneficiary. Amounts are added as decimals
// rather than with SQL SUM so the result keeps full precision on every driver.
func generatedTotals(transaction *gorm.DB, accountIDs []int64) (map[int64]decimal.Decimal, error) {
	totals := make(map[int64]decimal.Decimal, len(accountIDs))
	for _, accountID := range accountIDs {
		totals[accountID] = decimal.Zero
	}
	for start := 0; start < len(accountIDs); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(accountIDs))
		var rows []generatedRow
		err := transaction.Model(&CommissionEntry{}).
			Select("beneficiary_id", "amount").
			Where("beneficiary_id IN ?", accountIDs[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			totals[row.BeneficiaryID] = totals[row.BeneficiaryID].Add(row.Amount)
		}
	}
	return totals, nil
}
