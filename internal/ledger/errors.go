package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount indicates a purchase amount that is zero or negative.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrUnknownAccount indicates that a referenced account does not exist.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrCyclicReferral indicates that a referral link would close a loop in the tree.
	ErrCyclicReferral = errors.New("ledger: cyclic referral")
	// ErrLedgerBusy indicates transient contention; the caller should retry with backoff.
	ErrLedgerBusy = errors.New("ledger: busy")
	// ErrInvalidAccountID indicates that an account identifier is not a positive integer.
	ErrInvalidAccountID = errors.New("ledger: invalid account id")
	// ErrInvalidUsername indicates that a username is empty or exceeds storage bounds.
	ErrInvalidUsername = errors.New("ledger: invalid username")
	// ErrDuplicateUsername indicates that a username is already registered.
	ErrDuplicateUsername = errors.New("ledger: duplicate username")
	// ErrDuplicateAccount indicates that an explicit id or external subject is already registered.
	ErrDuplicateAccount = errors.New("ledger: duplicate account")
	// ErrRootExists indicates an attempt to register a second account without a referrer.
	ErrRootExists = errors.New("ledger: network root already exists")
	// ErrInvalidDepth indicates a downline depth outside the allowed range.
	ErrInvalidDepth = errors.New("ledger: invalid depth")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable "<operation>.<reason>" code and unwraps to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "ledger.service.new"
	opRegisterAccount      = "ledger.register_account"
	opGetAccount           = "ledger.get_account"
	opFindAccountBySubject = "ledger.find_account_by_subject"
	opRecordPurchase       = "ledger.record_purchase"
	opEvaluate             = "ledger.evaluate"
	opBuildSubtree         = "ledger.build_subtree"
	opListCommissions      = "ledger.list_commissions"
)

const (
	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonInvalidAmount      = "invalid_amount"
	reasonInvalidAccountID   = "invalid_account_id"
	reasonInvalidUsername    = "invalid_username"
	reasonInvalidDepth       = "invalid_depth"
	reasonUnknownAccount     = "unknown_account"
	reasonDuplicateUsername  = "duplicate_username"
	reasonDuplicateAccount   = "duplicate_account"
	reasonRootExists         = "root_exists"
	reasonCyclicReferral     = "cyclic_referral"
	reasonLedgerBusy         = "ledger_busy"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonQueryFailed        = "query_failed"
	reasonInsertFailed       = "insert_failed"
	reasonUpdateFailed       = "update_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
