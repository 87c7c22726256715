package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

var sqliteBusyMarkers = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
}

type busyPolicy struct {
	retries int
	backoff time.Duration
	timeout time.Duration
}

// isBusyError reports whether err is transient lock contention reported by the store.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLedgerBusy) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	for _, marker := range sqliteBusyMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// withBusyRetry runs attempt inside a per-attempt deadline and retries contention with doubling backoff.
// Non-transient failures are returned on the first occurrence; exhausted retries become ErrLedgerBusy.
func (service *Service) withBusyRetry(ctx context.Context, operation string, attempt func(context.Context) error) error {
	var lastErr error
	for try := 0; try <= service.busy.retries; try++ {
		if try > 0 {
			delay := service.busy.backoff << (try - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				service.logError(operation, reasonLedgerBusy, ctx.Err())
				return newServiceError(operation, reasonLedgerBusy, fmt.Errorf("%w: %v", ErrLedgerBusy, ctx.Err()))
			case <-timer.C:
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, service.busy.timeout)
		err := attempt(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err == nil {
			return nil
		}

		if !timedOut && !isBusyError(err) {
			var serviceErr *ServiceError
			if errors.As(err, &serviceErr) {
				return err
			}
			service.logError(operation, reasonQueryFailed, err)
			return newServiceError(operation, reasonQueryFailed, err)
		}

		lastErr = err
		service.instrumentationOrDefault().ObserveBusy(operation)
		service.loggerOrDefault().Warn("ledger contention",
			zap.String("operation", operation),
			zap.Int("attempt", try+1),
			zap.Error(err))
	}

	service.logError(operation, reasonLedgerBusy, lastErr)
	return newServiceError(operation, reasonLedgerBusy, fmt.Errorf("%w: %v", ErrLedgerBusy, lastErr))
}
