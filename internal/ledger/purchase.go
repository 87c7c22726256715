package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/commission"
	"github.com/MarcoPoloResearchLab/spendcap/internal/spendcap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordPurchase appends a purchase, raises the buyer's personal spend and credits every ancestor
// within the rate table's reach, all in one transaction. Nothing is written when any step fails.
func (service *Service) RecordPurchase(ctx context.Context, buyerID AccountID, amount decimal.Decimal) (PurchaseReceipt, error) {
	if !amount.IsPositive() {
		cause := fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
		service.logError(opRecordPurchase, reasonInvalidAmount, cause, zap.Int64(fieldBuyerID, buyerID.Int64()))
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonInvalidAmount, cause)
	}
	if buyerID <= 0 {
		cause := fmt.Errorf("%w: %d", ErrInvalidAccountID, buyerID.Int64())
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonInvalidAccountID, cause)
	}
	if service.db == nil {
		service.logError(opRecordPurchase, reasonMissingDatabase, errMissingDatabase)
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonMissingDatabase, errMissingDatabase)
	}

	started := time.Now()
	var receipt PurchaseReceipt
	err := service.withBusyRetry(ctx, opRecordPurchase, func(attemptCtx context.Context) error {
		return service.db.WithContext(attemptCtx).Transaction(func(transaction *gorm.DB) error {
			recorded, err := service.appendPurchase(transaction, buyerID, amount)
			if err != nil {
				return err
			}
			receipt = recorded
			return nil
		})
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}

	service.instrumentationOrDefault().ObservePurchase(receipt, time.Since(started))
	service.loggerOrDefault().Info("purchase recorded",
		zap.String("purchase_id", receipt.Purchase.ID),
		zap.Int64(fieldBuyerID, receipt.Purchase.BuyerID),
		zap.String(fieldAmount, receipt.Purchase.Amount.String()),
		zap.Int("commission_entries", len(receipt.Entries)))
	return receipt, nil
}

func (service *Service) appendPurchase(transaction *gorm.DB, buyerID AccountID, amount decimal.Decimal) (PurchaseReceipt, error) {
	var buyer Account
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryAccountID, buyerID.Int64()).
		Take(&buyer).Error
	if err != nil {
		return PurchaseReceipt{}, service.accountLookupError(opRecordPurchase, buyerID, err)
	}

	purchaseID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opRecordPurchase, reasonIDGenerationFailed, err)
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonIDGenerationFailed, err)
	}
	purchase := Purchase{
		ID:        purchaseID,
		BuyerID:   buyer.ID,
		Amount:    NewNumeric(amount),
		CreatedAt: service.clock().UTC(),
	}
	if err := transaction.Create(&purchase).Error; err != nil {
		service.logError(opRecordPurchase, reasonInsertFailed, err, zap.Int64(fieldBuyerID, buyer.ID))
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonInsertFailed, err)
	}

	spend := buyer.PersonalSpend.Add(amount)
	if err := transaction.Model(&Account{}).
		Where(queryAccountID, buyer.ID).
		Update(columnPersonalSpend, spend).Error; err != nil {
		service.logError(opRecordPurchase, reasonUpdateFailed, err, zap.Int64(fieldBuyerID, buyer.ID))
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonUpdateFailed, err)
	}

	ancestors, err := referralChain(transaction, buyer, service.rates.MaxDepth())
	if err != nil {
		reason := reasonQueryFailed
		if errors.Is(err, ErrCyclicReferral) {
			reason = reasonCyclicReferral
		}
		service.logError(opRecordPurchase, reason, err, zap.Int64(fieldBuyerID, buyer.ID))
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reason, err)
	}

	entries, err := buildCommissionEntries(purchase, ancestors, service.rates, service.idProvider)
	if err != nil {
		service.logError(opRecordPurchase, reasonIDGenerationFailed, err)
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonIDGenerationFailed, err)
	}
	if len(entries) > 0 {
		if err := transaction.Create(&entries).Error; err != nil {
			service.logError(opRecordPurchase, reasonInsertFailed, err, zap.String("purchase_id", purchase.ID))
			return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonInsertFailed, err)
		}
	}

	generated, err := generatedTotals(transaction, []int64{buyer.ID})
	if err != nil {
		service.logError(opRecordPurchase, reasonQueryFailed, err, zap.Int64(fieldBuyerID, buyer.ID))
		return PurchaseReceipt{}, newServiceError(opRecordPurchase, reasonQueryFailed, err)
	}

	return PurchaseReceipt{
		Purchase:     purchase,
		Entries:      entries,
		BuyerBalance: spendcap.Apply(spend, generated[buyer.ID]),
	}, nil
}

// referralChain returns the buyer's ancestors nearest first, at most maxDepth of them.
func referralChain(transaction *gorm.DB, buyer Account, maxDepth int) ([]int64, error) {
	ancestors := make([]int64, 0, maxDepth)
	visited := map[int64]struct{}{buyer.ID: {}}
	current := buyer.ReferrerID
	for current != nil && len(ancestors) < maxDepth {
		if _, seen := visited[*current]; seen {
			return nil, fmt.Errorf("%w: loop through account %d above buyer %d", ErrCyclicReferral, *current, buyer.ID)
		}
		visited[*current] = struct{}{}

		var link Account
		err := transaction.Select(columnID, columnReferrerID).Where(queryAccountID, *current).Take(&link).Error
		if err != nil {
			return nil, fmt.Errorf("load ancestor %d: %w", *current, err)
		}
		ancestors = append(ancestors, link.ID)
		current = link.ReferrerID
	}
	return ancestors, nil
}

// buildCommissionEntries creates one entry per ancestor whose depth carries a positive rate.
func buildCommissionEntries(purchase Purchase, ancestors []int64, rates commission.RateTable, ids IDProvider) ([]CommissionEntry, error) {
	entries := make([]CommissionEntry, 0, len(ancestors))
	for index, beneficiary := range ancestors {
		depth := index + 1
		rate := rates.RateForDepth(depth)
		if !rate.IsPositive() {
			continue
		}
		entryID, err := ids.NewID()
		if err != nil {
			return nil, err
		}
		entries = append(entries, CommissionEntry{
			ID:               entryID,
			BeneficiaryID:    beneficiary,
			SourcePurchaseID: purchase.ID,
			Depth:            depth,
			Rate:             NewNumeric(rate),
			Amount:           NewNumeric(purchase.Amount.Mul(rate)),
			CreatedAt:        purchase.CreatedAt,
		})
	}
	return entries, nil
}
