package server

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/shopspring/decimal"
)

const capUsagePlaces = 2

// amountJSON renders a decimal as a JSON number with its exact digits.
func amountJSON(value decimal.Decimal) json.Number {
	return json.Number(value.String())
}

type orderRequestPayload struct {
	UserID       json.Number      `json:"user_id"`
	LegacyUserID json.Number      `json:"userId"`
	Amount       *decimal.Decimal `json:"amount"`
}

func (p orderRequestPayload) userID() string {
	if p.UserID != "" {
		return p.UserID.String()
	}
	return p.LegacyUserID.String()
}

type commissionPayload struct {
	ID               string      `json:"id"`
	BeneficiaryID    int64       `json:"beneficiary_id"`
	SourcePurchaseID string      `json:"source_purchase_id"`
	Depth            int         `json:"depth"`
	Rate             json.Number `json:"rate"`
	Amount           json.Number `json:"amount"`
	CreatedAt        time.Time   `json:"created_at"`
}

func newCommissionPayloads(entries []ledger.CommissionEntry) []commissionPayload {
	payloads := make([]commissionPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, commissionPayload{
			ID:               entry.ID,
			BeneficiaryID:    entry.BeneficiaryID,
			SourcePurchaseID: entry.SourcePurchaseID,
			Depth:            entry.Depth,
			Rate:             amountJSON(entry.Rate.Decimal),
			Amount:           amountJSON(entry.Amount.Decimal),
			CreatedAt:        entry.CreatedAt,
		})
	}
	return payloads
}

type orderResponsePayload struct {
	PurchaseID         string              `json:"purchase_id"`
	UserID             int64               `json:"user_id"`
	Amount             json.Number         `json:"amount"`
	CreatedAt          time.Time           `json:"created_at"`
	CommissionEntryIDs []string            `json:"commission_entry_ids"`
	Commissions        []commissionPayload `json:"commissions"`
	TotalSpent         json.Number         `json:"total_spent"`
	TotalEarned        json.Number         `json:"total_earned"`
	PendingPool        json.Number         `json:"pending_pool"`
}

func newOrderResponse(receipt ledger.PurchaseReceipt) orderResponsePayload {
	return orderResponsePayload{
		PurchaseID:         receipt.Purchase.ID,
		UserID:             receipt.Purchase.BuyerID,
		Amount:             amountJSON(receipt.Purchase.Amount.Decimal),
		CreatedAt:          receipt.Purchase.CreatedAt,
		CommissionEntryIDs: receipt.EntryIDs(),
		Commissions:        newCommissionPayloads(receipt.Entries),
		TotalSpent:         amountJSON(receipt.BuyerBalance.PersonalSpend),
		TotalEarned:        amountJSON(receipt.BuyerBalance.Claimable),
		PendingPool:        amountJSON(receipt.BuyerBalance.Locked),
	}
}

type balancePayload struct {
	UserID          int64       `json:"user_id"`
	TotalSpent      json.Number `json:"total_spent"`
	TotalEarned     json.Number `json:"total_earned"`
	PendingPool     json.Number `json:"pending_pool"`
	TotalGenerated  json.Number `json:"total_generated"`
	CapUsagePercent json.Number `json:"cap_usage_percent"`
	PurchaseID      string      `json:"purchase_id,omitempty"`
}

func newBalancePayload(accountID ledger.AccountID, balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:          accountID.Int64(),
		TotalSpent:      amountJSON(balance.PersonalSpend),
		TotalEarned:     amountJSON(balance.Claimable),
		PendingPool:     amountJSON(balance.Locked),
		TotalGenerated:  amountJSON(balance.TotalGenerated),
		CapUsagePercent: amountJSON(balance.CapUsagePercent().Round(capUsagePlaces)),
	}
}

type nodePayload struct {
	ID             int64         `json:"id"`
	Username       string        `json:"username"`
	PersonalSpend  json.Number   `json:"personal_spend"`
	TotalGenerated json.Number   `json:"total_generated"`
	Claimable      json.Number   `json:"claimable"`
	Locked         json.Number   `json:"locked"`
	Children       []nodePayload `json:"children"`
}

func newNodePayloads(nodes []*ledger.SubtreeNode) []nodePayload {
	payloads := make([]nodePayload, 0, len(nodes))
	for _, node := range nodes {
		payloads = append(payloads, nodePayload{
			ID:             node.AccountID.Int64(),
			Username:       node.Username,
			PersonalSpend:  amountJSON(node.Balance.PersonalSpend),
			TotalGenerated: amountJSON(node.Balance.TotalGenerated),
			Claimable:      amountJSON(node.Balance.Claimable),
			Locked:         amountJSON(node.Balance.Locked),
			Children:       newNodePayloads(node.Children),
		})
	}
	return payloads
}

type registerAccountPayload struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	ReferrerID      *int64 `json:"referrer_id"`
	ExternalSubject string `json:"external_subject"`
}

type accountPayload struct {
	ID            int64       `json:"id"`
	Username      string      `json:"username"`
	ReferrerID    *int64      `json:"referrer_id"`
	PersonalSpend json.Number `json:"personal_spend"`
	CreatedAt     time.Time   `json:"created_at"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		ID:            account.ID,
		Username:      account.Username,
		ReferrerID:    account.ReferrerID,
		PersonalSpend: amountJSON(account.PersonalSpend.Decimal),
		CreatedAt:     account.CreatedAt,
	}
}

// collectAffectedAccountIDs returns the distinct accounts whose balance a purchase changed, ascending.
func collectAffectedAccountIDs(receipt ledger.PurchaseReceipt) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, accountID := range receipt.AffectedAccountIDs() {
		value := accountID.Int64()
		if value <= 0 {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		ids = append(ids, value)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
