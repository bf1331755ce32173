package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAuthRequired       = errors.New("account reference required")
	ErrNoCredits          = errors.New("no credits remaining")
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	ErrNotCancelable      = errors.New("item is not cancelable")
	ErrRateLimited        = errors.New("too many requests")

	// Infrastructure faults surfaced to callers for retry/backoff
	ErrOperationFailed    = errors.New("storage operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid executor context")
)

// Code maps a domain error to its wire-level error code. Unknown errors are
// reported as STORAGE_ERROR since only infrastructure faults escape the
// usecases untyped.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAuthRequired):
		return "AUTH_REQUIRED"
	case errors.Is(err, ErrNoCredits):
		return "NO_CREDITS"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "DAILY_LIMIT_EXCEEDED"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrNotCancelable):
		return "NOT_CANCELABLE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	default:
		return "STORAGE_ERROR"
	}
}
