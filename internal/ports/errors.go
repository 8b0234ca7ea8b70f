package ports

import (
	"context"
	"errors"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrInvalidSymbol        = errors.New("invalid or halted symbol")
	ErrOrderRejected        = errors.New("order rejected by the exchange")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Trading state errors
	ErrHalted               = errors.New("automated trading halted for this symbol")
	ErrBusy                 = errors.New("another reaction is in flight for this symbol")
	ErrCloseUnfilled        = errors.New("close order not filled within the attempt budget")
	ErrStale                = errors.New("candle series is stale")
	ErrSubscriptionDisabled = errors.New("subscription disabled")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)

// IsTransient reports errors worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrContextCanceled) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRejection reports order errors that must not be retried blindly.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrOrderPlacementFailed)
}

// IsFatal reports configuration-level errors that disable a subscription.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrInvalidAPIKeys) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrConfigurationError)
}
