package commission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidRate indicates that a configured commission rate is malformed or outside [0,1].
var ErrInvalidRate = errors.New("commission: invalid rate")

var (
	rateCeiling    = decimal.NewFromInt(1)
	percentDivisor = decimal.NewFromInt(100)
)

// RateTable maps referral depth (1 = direct referrer) to the fraction of a purchase owed at that depth.
// The zero value is an empty table that pays nothing.
type RateTable struct {
	rates []decimal.Decimal
}

// NewRateTable validates the rates and returns a table where depth i+1 pays rates[i].
func NewRateTable(rates []decimal.Decimal) (RateTable, error) {
	copied := make([]decimal.Decimal, len(rates))
	for index, rate := range rates {
		if rate.IsNegative() || rate.GreaterThan(rateCeiling) {
			return RateTable{}, fmt.Errorf("%w: depth %d rate %s", ErrInvalidRate, index+1, rate.String())
		}
		copied[index] = rate
	}
	return RateTable{rates: copied}, nil
}

// ParseRates builds a table from textual rates such as "0.10" or "10%".
// A single comma-separated value is split, which is how environment variables arrive.
func ParseRates(values []string) (RateTable, error) {
	if len(values) == 1 && strings.Contains(values[0], ",") {
		values = strings.Split(values[0], ",")
	}
	rates := make([]decimal.Decimal, 0, len(values))
	for index, raw := range values {
		rate, err := parseRate(raw)
		if err != nil {
			return RateTable{}, fmt.Errorf("%w: depth %d: %v", ErrInvalidRate, index+1, err)
		}
		rates = append(rates, rate)
	}
	return NewRateTable(rates)
}

func parseRate(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, errors.New("empty")
	}
	if strings.HasSuffix(trimmed, "%") {
		value, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(trimmed, "%")))
		if err != nil {
			return decimal.Zero, err
		}
		return value.Div(percentDivisor), nil
	}
	return decimal.NewFromString(trimmed)
}

// RateForDepth returns the fraction paid at depth; depths outside the table pay zero.
func (t RateTable) RateForDepth(depth int) decimal.Decimal {
	if depth < 1 || depth > len(t.rates) {
		return decimal.Zero
	}
	return t.rates[depth-1]
}

// MaxDepth reports the deepest configured level.
func (t RateTable) MaxDepth() int {
	return len(t.rates)
}

// Rates returns a copy of the configured rates ordered by depth.
func (t RateTable) Rates() []decimal.Decimal {
	return append([]decimal.Decimal(nil), t.rates...)
}

// String renders the table as "1:0.1 2:0.05".
func (t RateTable) String() string {
	parts := make([]string, 0, len(t.rates))
	for index, rate := range t.rates {
		parts = append(parts, fmt.Sprintf("%d:%s", index+1, rate.String()))
	}
	return strings.Join(parts, " ")
}
