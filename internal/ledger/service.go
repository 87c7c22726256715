package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/commission"
	"github.com/MarcoPoloResearchLab/spendcap/internal/spendcap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Balance is the spend-cap evaluation of one account.
type Balance = spendcap.Balance

const (
	defaultTxTimeout       = 5 * time.Second
	defaultBusyRetries     = 3
	defaultBusyBackoff     = 25 * time.Millisecond
	defaultMaxSubtreeDepth = 16
	defaultCommissionLimit = 50
	maxCommissionLimit     = 500

	fieldAccountID  = "account_id"
	fieldBuyerID    = "buyer_id"
	fieldReferrerID = "referrer_id"
	fieldUsername   = "username"
	fieldAmount     = "amount"
	fieldDepth      = "depth"

	columnID            = "id"
	columnReferrerID    = "referrer_id"
	columnPersonalSpend = "personal_spend"
	queryAccountID      = columnID + " = ?"
	queryUsername       = "username = ?"
	queryExternalSub    = "external_subject = ?"
	queryRootAccount    = columnReferrerID + " IS NULL"
	queryBeneficiaryID  = "beneficiary_id = ?"
	orderAccountIDAsc   = columnID + " ASC"
	orderEntriesNewest  = "created_at DESC, id DESC"
)

var noOpLogger = zap.NewNop()

// Instrumentation receives ledger outcomes; the metrics package implements it.
type Instrumentation interface {
	ObservePurchase(receipt PurchaseReceipt, elapsed time.Duration)
	ObserveBusy(operation string)
	ObserveFailure(operation, reason string)
}

type noOpInstrumentation struct{}

func (noOpInstrumentation) ObservePurchase(PurchaseReceipt, time.Duration) {}
func (noOpInstrumentation) ObserveBusy(string)                             {}
func (noOpInstrumentation) ObserveFailure(string, string)                  {}

// ServiceConfig describes the dependencies of the ledger service.
type ServiceConfig struct {
	Database        *gorm.DB
	Rates           commission.RateTable
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	Instrumentation Instrumentation
	// TxTimeout bounds a single write transaction attempt.
	TxTimeout time.Duration
	// BusyRetries is how many times a contended write is retried before ErrLedgerBusy.
	BusyRetries int
	BusyBackoff time.Duration
	// MaxSubtreeDepth caps BuildSubtree requests.
	MaxSubtreeDepth int
}

// Service owns the ledger: accounts, purchases, commission propagation and spend-cap evaluation.
type Service struct {
	db              *gorm.DB
	rates           commission.RateTable
	clock           func() time.Time
	idProvider      IDProvider
	logger          *zap.Logger
	instrumentation Instrumentation
	busy            busyPolicy
	maxSubtreeDepth int
}

// NewService validates the configuration and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	instrumentation := cfg.Instrumentation
	if instrumentation == nil {
		instrumentation = noOpInstrumentation{}
	}

	policy := busyPolicy{
		retries: cfg.BusyRetries,
		backoff: cfg.BusyBackoff,
		timeout: cfg.TxTimeout,
	}
	if policy.retries < 0 {
		policy.retries = 0
	} else if cfg.BusyRetries == 0 {
		policy.retries = defaultBusyRetries
	}
	if policy.backoff <= 0 {
		policy.backoff = defaultBusyBackoff
	}
	if policy.timeout <= 0 {
		policy.timeout = defaultTxTimeout
	}

	maxDepth := cfg.MaxSubtreeDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxSubtreeDepth
	}

	return &Service{
		db:              cfg.Database,
		rates:           cfg.Rates,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		logger:          logger,
		instrumentation: instrumentation,
		busy:            policy,
		maxSubtreeDepth: maxDepth,
	}, nil
}

// Rates exposes the commission rate table in use.
func (service *Service) Rates() commission.RateTable {
	return service.rates
}

// RegisterAccount creates a distributor under an existing referrer, or the network root when no referrer is given.
// The referrer chain is checked for existence and cycles once, here; referrers are never reassigned afterwards.
func (service *Service) RegisterAccount(ctx context.Context, registration AccountRegistration) (Account, error) {
	username := strings.TrimSpace(registration.Username)
	if username == "" || len(username) > maxUsernameLength {
		cause := fmt.Errorf("%w: length %d", ErrInvalidUsername, len(username))
		service.logError(opRegisterAccount, reasonInvalidUsername, cause)
		return Account{}, newServiceError(opRegisterAccount, reasonInvalidUsername, cause)
	}
	if registration.ID < 0 {
		cause := fmt.Errorf("%w: %d", ErrInvalidAccountID, registration.ID)
		service.logError(opRegisterAccount, reasonInvalidAccountID, cause)
		return Account{}, newServiceError(opRegisterAccount, reasonInvalidAccountID, cause)
	}
	if service.db == nil {
		service.logError(opRegisterAccount, reasonMissingDatabase, errMissingDatabase)
		return Account{}, newServiceError(opRegisterAccount, reasonMissingDatabase, errMissingDatabase)
	}

	var subject *string
	if trimmed := strings.TrimSpace(registration.ExternalSubject); trimmed != "" {
		subject = &trimmed
	}

	var created Account
	err := service.withBusyRetry(ctx, opRegisterAccount, func(attemptCtx context.Context) error {
		return service.db.WithContext(attemptCtx).Transaction(func(transaction *gorm.DB) error {
			account, err := service.insertAccount(transaction, registration, username, subject)
			if err != nil {
				return err
			}
			created = account
			return nil
		})
	})
	if err != nil {
		return Account{}, err
	}

	service.logger.Info("account registered",
		zap.Int64(fieldAccountID, created.ID),
		zap.String(fieldUsername, created.Username))
	return created, nil
}

func (service *Service) insertAccount(transaction *gorm.DB, registration AccountRegistration, username string, subject *string) (Account, error) {
	fail := func(reason string, cause error, fields ...zap.Field) (Account, error) {
		service.logError(opRegisterAccount, reason, cause, fields...)
		return Account{}, newServiceError(opRegisterAccount, reason, cause)
	}

	taken, err := exists(transaction, &Account{}, queryUsername, username)
	if err != nil {
		return fail(reasonQueryFailed, err, zap.String(fieldUsername, username))
	}
	if taken {
		return fail(reasonDuplicateUsername, fmt.Errorf("%w: %s", ErrDuplicateUsername, username), zap.String(fieldUsername, username))
	}
	if subject != nil {
		taken, err = exists(transaction, &Account{}, queryExternalSub, *subject)
		if err != nil {
			return fail(reasonQueryFailed, err)
		}
		if taken {
			return fail(reasonDuplicateAccount, fmt.Errorf("%w: external subject already linked", ErrDuplicateAccount))
		}
	}
	if registration.ID > 0 {
		taken, err = exists(transaction, &Account{}, queryAccountID, registration.ID)
		if err != nil {
			return fail(reasonQueryFailed, err, zap.Int64(fieldAccountID, registration.ID))
		}
		if taken {
			return fail(reasonDuplicateAccount, fmt.Errorf("%w: id %d", ErrDuplicateAccount, registration.ID), zap.Int64(fieldAccountID, registration.ID))
		}
	}

	var referrerID *int64
	if registration.ReferrerID == nil {
		rootTaken, err := exists(transaction, &Account{}, queryRootAccount)
		if err != nil {
			return fail(reasonQueryFailed, err)
		}
		if rootTaken {
			return fail(reasonRootExists, ErrRootExists)
		}
	} else {
		parent := registration.ReferrerID.Int64()
		if err := verifyReferralChain(transaction, parent, registration.ID); err != nil {
			switch {
			case errors.Is(err, ErrUnknownAccount):
				return fail(reasonUnknownAccount, err, zap.Int64(fieldReferrerID, parent))
			case errors.Is(err, ErrCyclicReferral):
				return fail(reasonCyclicReferral, err, zap.Int64(fieldReferrerID, parent))
			default:
				return fail(reasonQueryFailed, err, zap.Int64(fieldReferrerID, parent))
			}
		}
		referrerID = &parent
	}

	account := Account{
		ID:              registration.ID,
		Username:        username,
		ReferrerID:      referrerID,
		ExternalSubject: subject,
		PersonalSpend:   NewNumeric(decimal.Zero),
		CreatedAt:       service.clock().UTC(),
	}
	if err := transaction.Create(&account).Error; err != nil {
		if reason, sentinel := accountConflict(err); sentinel != nil {
			return fail(reason, fmt.Errorf("%w: %v", sentinel, err), zap.String(fieldUsername, username))
		}
		return fail(reasonInsertFailed, err, zap.String(fieldUsername, username))
	}
	if registration.ID > 0 {
		if err := syncAccountIDSequence(transaction); err != nil {
			return fail(reasonInsertFailed, err, zap.Int64(fieldAccountID, registration.ID))
		}
	}
	return account, nil
}

// verifyReferralChain walks upward from referrerID and fails when the chain is broken or loops,
// including a loop back to newID when the caller supplied an explicit identifier.
func verifyReferralChain(transaction *gorm.DB, referrerID int64, newID int64) error {
	if newID > 0 && referrerID == newID {
		return fmt.Errorf("%w: account %d cannot refer itself", ErrCyclicReferral, newID)
	}
	visited := make(map[int64]struct{})
	current := &referrerID
	for current != nil {
		if newID > 0 && *current == newID {
			return fmt.Errorf("%w: account %d is already an ancestor of %d", ErrCyclicReferral, newID, referrerID)
		}
		if _, seen := visited[*current]; seen {
			return fmt.Errorf("%w: loop through account %d", ErrCyclicReferral, *current)
		}
		visited[*current] = struct{}{}

		var link Account
		err := transaction.Select(columnID, columnReferrerID).Where(queryAccountID, *current).Take(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if *current == referrerID {
				return fmt.Errorf("%w: referrer %d", ErrUnknownAccount, referrerID)
			}
			return fmt.Errorf("%w: ancestor %d of referrer %d", ErrUnknownAccount, *current, referrerID)
		}
		if err != nil {
			return err
		}
		current = link.ReferrerID
	}
	return nil
}

// GetAccount loads a single account.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if service.db == nil {
		service.logError(opGetAccount, reasonMissingDatabase, errMissingDatabase)
		return Account{}, newServiceError(opGetAccount, reasonMissingDatabase, errMissingDatabase)
	}
	account, err := findAccount(service.db.WithContext(ctx), accountID)
	if err != nil {
		return Account{}, service.accountLookupError(opGetAccount, accountID, err)
	}
	return account, nil
}

// FindAccountBySubject resolves the account linked to an external identity subject.
func (service *Service) FindAccountBySubject(ctx context.Context, subject string) (Account, error) {
	if service.db == nil {
		service.logError(opFindAccountBySubject, reasonMissingDatabase, errMissingDatabase)
		return Account{}, newServiceError(opFindAccountBySubject, reasonMissingDatabase, errMissingDatabase)
	}
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return Account{}, newServiceError(opFindAccountBySubject, reasonUnknownAccount, fmt.Errorf("%w: empty subject", ErrUnknownAccount))
	}
	var account Account
	err := service.db.WithContext(ctx).Where(queryExternalSub, trimmed).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, newServiceError(opFindAccountBySubject, reasonUnknownAccount, fmt.Errorf("%w: subject not linked", ErrUnknownAccount))
	}
	if err != nil {
		service.logError(opFindAccountBySubject, reasonQueryFailed, err)
		return Account{}, newServiceError(opFindAccountBySubject, reasonQueryFailed, err)
	}
	return account, nil
}

// ListCommissions returns the newest commission entries credited to an account.
func (service *Service) ListCommissions(ctx context.Context, accountID AccountID, limit int) ([]CommissionEntry, error) {
	if service.db == nil {
		service.logError(opListCommissions, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListCommissions, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		limit = defaultCommissionLimit
	}
	if limit > maxCommissionLimit {
		limit = maxCommissionLimit
	}

	var entries []CommissionEntry
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := findAccount(transaction, accountID); err != nil {
			return service.accountLookupError(opListCommissions, accountID, err)
		}
		if err := transaction.Where(queryBeneficiaryID, accountID.Int64()).
			Order(orderEntriesNewest).
			Limit(limit).
			Find(&entries).Error; err != nil {
			service.logError(opListCommissions, reasonQueryFailed, err, zap.Int64(fieldAccountID, accountID.Int64()))
			return newServiceError(opListCommissions, reasonQueryFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func findAccount(db *gorm.DB, accountID AccountID) (Account, error) {
	var account Account
	if err := db.Where(queryAccountID, accountID.Int64()).Take(&account).Error; err != nil {
		return Account{}, err
	}
	return account, nil
}

func exists(db *gorm.DB, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := db.Model(model).Where(query, args...).Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// accountLookupError maps a failed account read to unknown_account or query_failed.
func (service *Service) accountLookupError(operation string, accountID AccountID, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, reasonUnknownAccount, fmt.Errorf("%w: %d", ErrUnknownAccount, accountID.Int64()))
	}
	service.logError(operation, reasonQueryFailed, err, zap.Int64(fieldAccountID, accountID.Int64()))
	return newServiceError(operation, reasonQueryFailed, err)
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) instrumentationOrDefault() Instrumentation {
	if service == nil || service.instrumentation == nil {
		return noOpInstrumentation{}
	}
	return service.instrumentation
}

// logError records a failed operation. Contention inside an attempt is left to withBusyRetry,
// which counts it once as busy and reports a failure only when retries run out.
func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if reason != reasonLedgerBusy && isBusyError(err) {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("ledger service error", attrs...)
	service.instrumentationOrDefault().ObserveFailure(operation, reason)
}
