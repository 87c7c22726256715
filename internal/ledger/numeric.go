package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const dialectPostgres = "postgres"

// Numeric is a decimal column stored without loss on every driver. PostgreSQL keeps it as
// numeric(precision, scale); SQLite keeps the decimal text, since its NUMERIC affinity
// converts values to 64-bit floats.
type Numeric struct {
	decimal.Decimal
}

// NewNumeric wraps value for storage.
func NewNumeric(value decimal.Decimal) Numeric {
	return Numeric{Decimal: value}
}

// GormDBDataType picks the column type for the connected dialect.
func (Numeric) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db == nil || db.Config == nil || db.Dialector == nil || db.Dialector.Name() != dialectPostgres {
		return "text"
	}
	if field != nil && field.Precision > 0 {
		return fmt.Sprintf("numeric(%d,%d)", field.Precision, field.Scale)
	}
	return "numeric"
}
