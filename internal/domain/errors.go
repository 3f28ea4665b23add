package domain

import "errors"

var (
	ErrInvalidFee         = errors.New("invalid fee")
	ErrFeeTooHigh         = errors.New("fee too high")
	ErrPaused             = errors.New("marketplace paused")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrAlreadySold        = errors.New("listing already sold")
	ErrWrongPayment       = errors.New("wrong payment amount")
	ErrNotOwner           = errors.New("caller is not the lister")
	ErrNotAdmin           = errors.New("caller is not the admin")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyInitialized = errors.New("marketplace already initialized")
	ErrNotInitialized     = errors.New("marketplace not initialized")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrConflict           = errors.New("ledger version conflict")
	ErrLockHeld           = errors.New("lock already held")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrReplayed           = errors.New("request already seen")
)

// errorCodes maps each sentinel to the stable kind name exposed to callers.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidFee, "invalid_fee"},
	{ErrFeeTooHigh, "fee_too_high"},
	{ErrPaused, "paused"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrAlreadySold, "already_sold"},
	{ErrWrongPayment, "wrong_payment"},
	{ErrNotOwner, "not_owner"},
	{ErrNotAdmin, "not_admin"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrNotInitialized, "not_initialized"},
	{ErrInvalidAddress, "invalid_address"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrConflict, "conflict"},
	{ErrLockHeld, "lock_held"},
	{ErrRateLimited, "rate_limited"},
	{ErrUnauthorized, "unauthorized"},
	{ErrReplayed, "unauthorized"},
}

// Code returns the failure kind for err, or "internal" when err does not wrap
// a known sentinel.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// ErrorForCode is the inverse of Code. It returns nil for unknown codes.
func ErrorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
