package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxUsernameLength = 190

// AccountID represents a validated distributor identifier.
type AccountID int64

// NewAccountID validates the value and returns an AccountID.
func NewAccountID(value int64) (AccountID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAccountID, value)
	}
	return AccountID(value), nil
}

// ParseAccountID parses a decimal identifier as supplied in URLs.
func ParseAccountID(rawInput string) (AccountID, error) {
	trimmed := strings.TrimSpace(rawInput)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAccountID, trimmed)
	}
	return NewAccountID(value)
}

// Int64 exposes the raw identifier.
func (id AccountID) Int64() int64 {
	return int64(id)
}

// String returns the identifier in base 10.
func (id AccountID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Account is a distributor. ReferrerID is nil only for the network root and never changes.
type Account struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username        string    `gorm:"column:username;size:190;not null;uniqueIndex:idx_accounts_username"`
	ReferrerID      *int64    `gorm:"column:referrer_id;index:idx_accounts_referrer"`
	ExternalSubject *string   `gorm:"column:external_subject;size:190;uniqueIndex:idx_accounts_external_subject"`
	PersonalSpend   Numeric   `gorm:"column:personal_spend;precision:36;scale:18;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// IsRoot reports whether the account has no referrer.
func (a Account) IsRoot() bool {
	return a.ReferrerID == nil
}

// Purchase is an append-only record of a completed purchase.
type Purchase struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	BuyerID   int64     `gorm:"column:buyer_id;not null;index:idx_purchases_buyer"`
	Amount    Numeric   `gorm:"column:amount;precision:36;scale:18;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Purchase) TableName() string {
	return "purchases"
}

// CommissionEntry is the append-only record of commission owed to one ancestor for one purchase.
type CommissionEntry struct {
	ID               string    `gorm:"column:id;primaryKey;size:64"`
	BeneficiaryID    int64     `gorm:"column:beneficiary_id;not null;index:idx_commission_entries_beneficiary"`
	SourcePurchaseID string    `gorm:"column:source_purchase_id;size:64;not null;uniqueIndex:idx_commission_entries_purchase_depth,priority:1"`
	Depth            int       `gorm:"column:depth;not null;uniqueIndex:idx_commission_entries_purchase_depth,priority:2"`
	Rate             Numeric   `gorm:"column:rate;precision:12;scale:10;not null"`
	Amount           Numeric   `gorm:"column:amount;precision:36;scale:18;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CommissionEntry) TableName() string {
	return "commission_entries"
}

// Models lists the persisted ledger tables for schema migration.
func Models() []any {
	return []any{&Account{}, &Purchase{}, &CommissionEntry{}}
}

// AccountRegistration describes a new distributor joining under an existing one.
type AccountRegistration struct {
	// ID is optional; zero lets the store assign one.
	ID              int64
	Username        string
	ReferrerID      *AccountID
	ExternalSubject string
}

// PurchaseReceipt is returned once a purchase and all of its commission entries are committed.
type PurchaseReceipt struct {
	Purchase     Purchase
	Entries      []CommissionEntry
	BuyerBalance Balance
}

// EntryIDs lists the commission entries created for the purchase, in depth order.
func (r PurchaseReceipt) EntryIDs() []string {
	ids := make([]string, 0, len(r.Entries))
	for _, entry := range r.Entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

// AffectedAccountIDs lists the buyer followed by every beneficiary whose balance changed.
func (r PurchaseReceipt) AffectedAccountIDs() []AccountID {
	ids := make([]AccountID, 0, len(r.Entries)+1)
	ids = append(ids, AccountID(r.Purchase.BuyerID))
	for _, entry := range r.Entries {
		ids = append(ids, AccountID(entry.BeneficiaryID))
	}
	return ids
}

// SubtreeNode is one account in a downline view with its evaluated balance.
type SubtreeNode struct {
	AccountID AccountID
	Username  string
	Depth     int
	Balance   Balance
	Children  []*SubtreeNode
}

// Count returns the number of nodes in the subtree, including the receiver.
func (n *SubtreeNode) Count() int {
	if n == nil {
		return 0
	}
	total := 1
	for _, child := range n.Children {
		total += child.Count()
	}
	return total
}
