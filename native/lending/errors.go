package lending

import (
	"errors"
	"fmt"
)

// Error kinds. Every rejection returned by the engine matches exactly one of
// these through errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrState         = errors.New("state error")
	ErrEconomic      = errors.New("economic error")
	ErrStalePrice    = errors.New("stale price error")
)

type kindedError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindedError) Error() string {
	if e.cause != nil {
		return "lending: " + e.msg + ": " + e.cause.Error()
	}
	return "lending: " + e.msg
}

func (e *kindedError) Is(target error) bool { return target == e.kind }

func (e *kindedError) Unwrap() error { return e.cause }

func newError(kind error, msg string) error {
	return &kindedError{kind: kind, msg: msg}
}

// withKind tags an error from a collaborator with one of the engine's kinds.
func withKind(kind error, msg string, cause error) error {
	return &kindedError{kind: kind, msg: msg, cause: cause}
}

var (
	ErrInvalidAmount         = newError(ErrValidation, "amount must be positive")
	ErrAmountBelowMinimum    = newError(ErrValidation, "amount below configured minimum")
	ErrAmountAboveMaximum    = newError(ErrValidation, "amount above configured maximum")
	ErrUnknownAsset          = newError(ErrValidation, "unknown asset")
	ErrNoPrice               = newError(ErrValidation, "asset has no registered price")
	ErrInvalidConfig         = newError(ErrValidation, "invalid configuration")
	ErrSameAsset             = newError(ErrValidation, "borrow and collateral asset must differ")
	ErrInsufficientFree      = newError(ErrValidation, "amount exceeds unlocked collateral")
	ErrRepayExceedsDebt      = newError(ErrValidation, "repay amount exceeds outstanding debt")
	ErrWithdrawExceedsLocked = newError(ErrValidation, "amount exceeds position collateral")
	ErrPositionNotFound      = newError(ErrValidation, "position not found")
	ErrLiquidationNotFound   = newError(ErrValidation, "liquidation not found")
	ErrAuctionNotFound       = newError(ErrValidation, "auction not found")
	ErrInvalidRecipient      = newError(ErrValidation, "recipient must be set")

	ErrUnauthorized   = newError(ErrAuthorization, "caller lacks required capability")
	ErrNotWhitelisted = newError(ErrAuthorization, "caller not whitelisted")
	ErrNotBorrower    = newError(ErrAuthorization, "caller is not the position borrower")

	ErrCollateralNotAccepted = newError(ErrState, "asset is not accepted as collateral")
	ErrMarketDisabled        = newError(ErrState, "market not enabled")
	ErrInsufficientUnlocked  = newError(ErrState, "insufficient unlocked collateral")
	ErrInsufficientLocked    = newError(ErrState, "insufficient locked collateral")
	ErrPositionInactive      = newError(ErrState, "position is not active")
	ErrPositionQueued        = newError(ErrState, "position is queued for auction")
	ErrAlreadyLiquidating    = newError(ErrState, "position already has an in-flight liquidation")
	ErrAuctionClosed         = newError(ErrState, "auction is not open")
	ErrAuctionNotEnded       = newError(ErrState, "auction has not reached its end time")
	ErrReentrant             = newError(ErrState, "reentrant call rejected")
	ErrActionPaused          = newError(ErrState, "action paused")

	ErrLTVExceeded           = newError(ErrEconomic, "loan-to-value above maximum")
	ErrNotLiquidatable       = newError(ErrEconomic, "position is not liquidatable")
	ErrInsufficientLiquidity = newError(ErrEconomic, "insufficient market liquidity")
	ErrBorrowCapExceeded     = newError(ErrEconomic, "market borrow cap exceeded")
	ErrDebtOutstanding       = newError(ErrEconomic, "collateral cannot reach zero while debt is outstanding")
	ErrBidTooLow             = newError(ErrEconomic, "bid must exceed the highest bid")
	ErrBidBelowDebt          = newError(ErrEconomic, "bid must cover the auctioned debt")
	ErrInsufficientReserves  = newError(ErrEconomic, "amount exceeds protocol reserves")
	ErrInsufficientShares    = newError(ErrEconomic, "amount exceeds supplied balance")

	ErrPriceTooOld   = newError(ErrStalePrice, "price older than staleness window")
	ErrLowConfidence = newError(ErrStalePrice, "price confidence below floor")
)

// KindOf returns a short label for the error's kind, suitable for metric and
// log labels. Errors without a kind are reported as "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrEconomic):
		return "economic"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	default:
		return "internal"
	}
}

func invalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
