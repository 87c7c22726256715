package ledger

import (
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func TestNumericColumnTypePerDialect(t *testing.T) {
	field := &schema.Field{Precision: 36, Scale: 18}

	postgresDB := &gorm.DB{Config: &gorm.Config{Dialector: postgres.New(postgres.Config{DSN: "host=localhost"})}}
	if got := (Numeric{}).GormDBDataType(postgresDB, field); got != "numeric(36,18)" {
		t.Fatalf("postgres column type: got %q", got)
	}
	if got := (Numeric{}).GormDBDataType(postgresDB, &schema.Field{}); got != "numeric" {
		t.Fatalf("postgres column type without precision: got %q", got)
	}

	sqliteDB := newTestDatabase(t)
	if got := (Numeric{}).GormDBDataType(sqliteDB, field); got != "text" {
		t.Fatalf("sqlite column type: got %q", got)
	}

	var columnType string
	if err := sqliteDB.Raw("SELECT type FROM pragma_table_info('commission_entries') WHERE name = 'amount'").Scan(&columnType).Error; err != nil {
		t.Fatalf("failed to inspect column: %v", err)
	}
	if columnType != "text" {
		t.Fatalf("expected commission amount stored as text, got %q", columnType)
	}
}
