package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation = "23505"

	indexAccountsUsername   = "idx_accounts_username"
	indexAccountsSubject    = "idx_accounts_external_subject"
	indexAccountsSingleRoot = "idx_accounts_single_root"
	constraintAccountsKey   = "accounts_pkey"

	sqliteUniqueFailed = "unique constraint failed"

	syncAccountSequence = "SELECT setval(pg_get_serial_sequence('accounts', 'id'), (SELECT MAX(id) FROM accounts))"
)

// accountConflict maps a unique violation raised by an account insert to its reason and sentinel.
// Concurrent registrations can pass the existence checks and still collide at insert.
// The sentinel is nil when err is not an account conflict.
func accountConflict(err error) (string, error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return "", nil
		}
		switch pgErr.ConstraintName {
		case indexAccountsUsername:
			return reasonDuplicateUsername, ErrDuplicateUsername
		case indexAccountsSubject, constraintAccountsKey:
			return reasonDuplicateAccount, ErrDuplicateAccount
		case indexAccountsSingleRoot:
			return reasonRootExists, ErrRootExists
		}
		return "", nil
	}

	message := strings.ToLower(err.Error())
	if !strings.Contains(message, sqliteUniqueFailed) {
		return "", nil
	}
	switch {
	case strings.Contains(message, "accounts.username"):
		return reasonDuplicateUsername, ErrDuplicateUsername
	case strings.Contains(message, "accounts.external_subject"), strings.Contains(message, "accounts.id"):
		return reasonDuplicateAccount, ErrDuplicateAccount
	case strings.Contains(message, indexAccountsSingleRoot), strings.Contains(message, "accounts.referrer_id"):
		return reasonRootExists, ErrRootExists
	}
	return "", nil
}

// syncAccountIDSequence moves the PostgreSQL id sequence past an explicitly inserted id so later
// generated ids do not collide with it. SQLite derives the next rowid from the table itself.
func syncAccountIDSequence(transaction *gorm.DB) error {
	if transaction.Dialector == nil || transaction.Dialector.Name() != dialectPostgres {
		return nil
	}
	if err := transaction.Exec(syncAccountSequence).Error; err != nil {
		return fmt.Errorf("sync account id sequence: %w", err)
	}
	return nil
}
