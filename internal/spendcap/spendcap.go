// Package spendcap holds the rule that caps claimable commission at an account's own spend.
package spendcap

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Balance is the spend-cap view of one account at a point in time.
type Balance struct {
	PersonalSpend  decimal.Decimal
	TotalGenerated decimal.Decimal
	Claimable      decimal.Decimal
	Locked         decimal.Decimal
}

// Apply evaluates the cap from the two append-only sums.
// claimable = min(generated, spend); locked = max(0, generated - spend). Negative inputs count as zero.
func Apply(personalSpend, totalGenerated decimal.Decimal) Balance {
	spend := nonNegative(personalSpend)
	generated := nonNegative(totalGenerated)

	claimable := decimal.Min(generated, spend)
	return Balance{
		PersonalSpend:  spend,
		TotalGenerated: generated,
		Claimable:      claimable,
		Locked:         generated.Sub(claimable),
	}
}

// CapUsagePercent is claimable / personal spend * 100, or zero without spend. Display only.
func (b Balance) CapUsagePercent() decimal.Decimal {
	if !b.PersonalSpend.IsPositive() {
		return decimal.Zero
	}
	return b.Claimable.Div(b.PersonalSpend).Mul(hundred)
}

// Headroom is how much more commission the current spend could clear.
func (b Balance) Headroom() decimal.Decimal {
	return b.PersonalSpend.Sub(b.Claimable)
}

func nonNegative(value decimal.Decimal) decimal.Decimal {
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}
